package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"github.com/kursadbilgin/batch-dispatch/internal/observability"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetryScanInterval = 10 * time.Second
	defaultRetryGrace        = 10 * time.Second
	defaultRetryScanLimit    = 100
	defaultMaxDelivery       = 3
)

type RetryLoopConfig struct {
	Interval time.Duration
	// Grace keeps freshly created units out of the scan so the initial push
	// has a chance to land.
	Grace       time.Duration
	Limit       int
	MaxAttempts int
}

// RetryLoop re-pushes work units that were never delivered and escalates
// units whose target stays unreachable.
type RetryLoop struct {
	units       repository.WorkUnitRepository
	registry    ConnectionRegistry
	audit       AuditSink
	metrics     *observability.Metrics
	interval    time.Duration
	grace       time.Duration
	limit       int
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

func NewRetryLoop(
	units repository.WorkUnitRepository,
	registry ConnectionRegistry,
	audit AuditSink,
	cfg RetryLoopConfig,
	logger *zap.Logger,
) (*RetryLoop, error) {
	if units == nil {
		return nil, fmt.Errorf("work unit repository is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if audit == nil {
		audit = nopAuditSink{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRetryScanInterval
	}
	if cfg.Grace < 0 {
		cfg.Grace = defaultRetryGrace
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultRetryScanLimit
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxDelivery
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryLoop{
		units:       units,
		registry:    registry,
		audit:       audit,
		interval:    cfg.Interval,
		grace:       cfg.Grace,
		limit:       cfg.Limit,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (l *RetryLoop) SetMetrics(metrics *observability.Metrics) {
	if l == nil {
		return
	}
	l.metrics = metrics
}

func (l *RetryLoop) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := l.scanDue(ctx); err != nil && ctx.Err() == nil {
		l.logger.Error("retry loop initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.logger.Error("retry loop scan failed", zap.Error(err))
			}
		}
	}
}

// scanDue walks every due unit page by page so a backlog of units that keep
// getting re-sent cannot hide newer ones from escalation.
func (l *RetryLoop) scanDue(ctx context.Context) error {
	createdBefore := l.now().UTC().Add(-l.grace)

	var cursor *repository.WorkUnitCursor
	for {
		due, err := l.units.ListAwaitingDelivery(ctx, createdBefore, cursor, l.limit)
		if err != nil {
			return fmt.Errorf("failed to fetch undelivered work units: %w", err)
		}

		for i := range due {
			if ctx.Err() != nil {
				return nil
			}
			l.retry(ctx, &due[i])
		}

		if len(due) < l.limit {
			return nil
		}
		cursor = repository.CursorAfter(due[len(due)-1])
	}
}

func (l *RetryLoop) retry(ctx context.Context, unit *domain.WorkUnit) {
	log := l.logger.With(zap.String("workUnitId", unit.ID), zap.String("targetId", unit.TargetID))

	if l.registry.IsConnected(unit.TargetID) {
		err := l.registry.Send(ctx, unit.TargetID, domain.NewDeliveryMessage(unit, true))
		if err == nil {
			log.Info("work unit re-sent")
			l.count("resent")
			return
		}
		log.Warn("failed to re-send work unit", zap.Error(err))
	}

	updated, err := l.units.RecordFailedAttempt(ctx, unit.ID, l.maxAttempts)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Debug("work unit settled before retry attempt was recorded")
			return
		}
		log.Error("failed to record delivery attempt", zap.Error(err))
		return
	}

	if updated.Status != domain.WorkUnitNoConnection {
		log.Info("work unit delivery attempt failed", zap.Int("attempts", updated.DeliveryAttempts))
		l.count("failed")
		return
	}

	log.Warn("work unit escalated, target unreachable", zap.Int("attempts", updated.DeliveryAttempts))
	l.count("escalated")

	event := newAuditEvent(domain.AuditUnitNoConnection, updated.Status.String(), l.now())
	event.WorkUnitID = ptr(updated.ID)
	event.TargetID = ptr(updated.TargetID)
	event.ItemID = updated.BatchItemID
	l.audit.Emit(event)
}

func (l *RetryLoop) count(outcome string) {
	if l.metrics != nil {
		l.metrics.IncDeliveryRetry(outcome)
	}
}
