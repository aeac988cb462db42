package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"go.uber.org/zap"
)

const defaultFulfillmentPoll = 2 * time.Second

// ErrTargetUnreachable is returned once the retry loop gives up on a work unit.
var ErrTargetUnreachable = errors.New("target has no live connection")

var _ Fulfiller = (*DeliveryFulfiller)(nil)

// DeliveryFulfiller pushes a work unit to its target and waits for the
// target to register an artifact for it. Redelivery is left to RetryLoop;
// the fulfiller only observes the unit's delivery state.
type DeliveryFulfiller struct {
	units     repository.WorkUnitRepository
	artifacts repository.ArtifactRepository
	registry  ConnectionRegistry
	poll      time.Duration
	logger    *zap.Logger
}

func NewDeliveryFulfiller(
	units repository.WorkUnitRepository,
	artifacts repository.ArtifactRepository,
	registry ConnectionRegistry,
	poll time.Duration,
	logger *zap.Logger,
) (*DeliveryFulfiller, error) {
	if units == nil {
		return nil, fmt.Errorf("work unit repository is required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact repository is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if poll <= 0 {
		poll = defaultFulfillmentPoll
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryFulfiller{
		units:     units,
		artifacts: artifacts,
		registry:  registry,
		poll:      poll,
		logger:    logger,
	}, nil
}

func (f *DeliveryFulfiller) Fulfill(ctx context.Context, unit *domain.WorkUnit) (string, error) {
	if err := f.registry.Send(ctx, unit.TargetID, domain.NewDeliveryMessage(unit, false)); err != nil {
		f.logger.Info("initial delivery failed, leaving work unit for retry",
			zap.String("workUnitId", unit.ID),
			zap.String("targetId", unit.TargetID),
			zap.Error(err),
		)
	}

	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	for {
		ref, done, err := f.check(ctx, unit.ID)
		if done {
			return ref, err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *DeliveryFulfiller) check(ctx context.Context, unitID string) (string, bool, error) {
	current, err := f.units.GetByID(ctx, unitID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", true, fmt.Errorf("work unit %s disappeared: %w", unitID, err)
		}
		if ctx.Err() != nil {
			return "", true, ctx.Err()
		}
		f.logger.Warn("failed to read work unit, will poll again", zap.String("workUnitId", unitID), zap.Error(err))
		return "", false, nil
	}

	switch current.Status {
	case domain.WorkUnitDelivered:
		artifact, err := f.artifacts.LatestForWorkUnit(ctx, unitID)
		if err != nil {
			return "", true, fmt.Errorf("work unit delivered without artifact: %w", err)
		}
		return artifact.Locator, true, nil
	case domain.WorkUnitNoConnection:
		return "", true, ErrTargetUnreachable
	case domain.WorkUnitAbandoned:
		return "", true, fmt.Errorf("work unit %s was abandoned", unitID)
	default:
		return "", false, nil
	}
}
