package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"github.com/kursadbilgin/batch-dispatch/internal/observability"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultItemTimeout = 30 * time.Minute

	reasonTimedOut    = "timed out"
	reasonInterrupted = "interrupted by shutdown"
)

// Fulfiller produces the result reference for one dispatched work unit.
type Fulfiller interface {
	Fulfill(ctx context.Context, unit *domain.WorkUnit) (string, error)
}

// ItemRunner drives a single item to a terminal state.
type ItemRunner interface {
	Run(ctx context.Context, batch domain.Batch, item domain.BatchItem)
}

var _ ItemRunner = (*ItemSupervisor)(nil)

// ItemSupervisor owns one item from pending to terminal. Every failure mode,
// including panics in the fulfiller, ends as a failed item with a reason.
type ItemSupervisor struct {
	batches   repository.BatchRepository
	units     repository.WorkUnitRepository
	fulfiller Fulfiller
	registry  ConnectionRegistry
	audit     AuditSink
	metrics   *observability.Metrics
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewItemSupervisor(
	batches repository.BatchRepository,
	units repository.WorkUnitRepository,
	fulfiller Fulfiller,
	registry ConnectionRegistry,
	audit AuditSink,
	timeout time.Duration,
	logger *zap.Logger,
) (*ItemSupervisor, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if units == nil {
		return nil, fmt.Errorf("work unit repository is required")
	}
	if fulfiller == nil {
		return nil, fmt.Errorf("fulfiller is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if audit == nil {
		audit = nopAuditSink{}
	}
	if timeout <= 0 {
		timeout = defaultItemTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ItemSupervisor{
		batches:   batches,
		units:     units,
		fulfiller: fulfiller,
		registry:  registry,
		audit:     audit,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *ItemSupervisor) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *ItemSupervisor) Run(ctx context.Context, batch domain.Batch, item domain.BatchItem) {
	started := s.now()
	log := s.logger.With(
		zap.String("batchId", batch.ID),
		zap.String("itemId", item.ID),
		zap.String("targetId", item.TargetID),
	)

	var unitID string
	defer func() {
		if r := recover(); r != nil {
			log.Error("item supervisor panic", zap.Any("panic", r))
			s.fail(ctx, log, batch, item, unitID, fmt.Sprintf("internal error: %v", r), started)
		}
	}()

	claimed, err := s.batches.MarkItemProcessing(ctx, item.ID)
	if err != nil {
		s.fail(ctx, log, batch, item, "", fmt.Sprintf("failed to start item: %v", err), started)
		return
	}
	if !claimed {
		log.Info("item is no longer pending, skipping")
		return
	}

	now := s.now().UTC()
	unit := &domain.WorkUnit{
		ID:          uuid.NewString(),
		TargetID:    item.TargetID,
		BatchItemID: ptr(item.ID),
		Period:      batch.Period,
		Status:      domain.WorkUnitAwaitingDelivery,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.units.Create(ctx, unit); err != nil {
		s.fail(ctx, log, batch, item, "", fmt.Sprintf("failed to create work unit: %v", err), started)
		return
	}
	unitID = unit.ID
	if err := s.batches.AttachWorkUnit(ctx, item.ID, unit.ID); err != nil {
		s.fail(ctx, log, batch, item, unitID, fmt.Sprintf("failed to link work unit: %v", err), started)
		return
	}

	fulfilCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ref, err := s.fulfiller.Fulfill(fulfilCtx, unit)
	timedOut := errors.Is(fulfilCtx.Err(), context.DeadlineExceeded)

	if err != nil {
		s.fail(ctx, log, batch, item, unitID, failureReason(ctx, err, timedOut), started)
		return
	}
	s.complete(ctx, log, batch, item, unitID, ref, started)
}

func failureReason(parent context.Context, err error, timedOut bool) string {
	switch {
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		return reasonTimedOut
	case parent.Err() != nil:
		return reasonInterrupted
	default:
		return err.Error()
	}
}

// Terminal writes use a context detached from cancellation so an item that
// was interrupted still records its outcome.
func (s *ItemSupervisor) complete(
	ctx context.Context,
	log *zap.Logger,
	batch domain.Batch,
	item domain.BatchItem,
	unitID string,
	ref string,
	started time.Time,
) {
	writeCtx := context.WithoutCancel(ctx)
	settled, err := s.batches.CompleteItem(writeCtx, batch.ID, item.ID, ref, s.now().UTC())
	if err != nil {
		log.Error("failed to record item completion", zap.Error(err))
		return
	}
	if !settled {
		log.Info("item already terminal, completion ignored")
		return
	}

	log.Info("item completed", zap.String("resultRef", ref))
	s.finished(writeCtx, log, batch, item, unitID, domain.ItemStatusCompleted, "", started)
}

func (s *ItemSupervisor) fail(
	ctx context.Context,
	log *zap.Logger,
	batch domain.Batch,
	item domain.BatchItem,
	unitID string,
	reason string,
	started time.Time,
) {
	writeCtx := context.WithoutCancel(ctx)
	if unitID != "" {
		s.abandonUnit(writeCtx, log, unitID)
	}

	settled, err := s.batches.FailItem(writeCtx, batch.ID, item.ID, reason, s.now().UTC())
	if err != nil {
		log.Error("failed to record item failure", zap.String("reason", reason), zap.Error(err))
		return
	}
	if !settled {
		log.Info("item already terminal, failure ignored", zap.String("reason", reason))
		return
	}

	log.Warn("item failed", zap.String("reason", reason))
	s.finished(writeCtx, log, batch, item, unitID, domain.ItemStatusError, reason, started)
}

// abandonUnit closes a unit left awaiting delivery so the retry loop stops
// pushing it. Units that already reached delivered or no_connection keep their
// status.
func (s *ItemSupervisor) abandonUnit(ctx context.Context, log *zap.Logger, unitID string) {
	abandoned, err := s.units.Abandon(ctx, unitID)
	if err != nil {
		log.Warn("failed to abandon work unit", zap.String("workUnitId", unitID), zap.Error(err))
		return
	}
	if abandoned {
		log.Debug("work unit abandoned", zap.String("workUnitId", unitID))
	}
}

func (s *ItemSupervisor) finished(
	ctx context.Context,
	log *zap.Logger,
	batch domain.Batch,
	item domain.BatchItem,
	unitID string,
	status domain.ItemStatus,
	reason string,
	started time.Time,
) {
	if s.metrics != nil {
		s.metrics.ObserveItemFinished(status.String(), s.now().Sub(started))
	}

	event := batchEvent(domain.AuditItemTerminal, &batch, status.String(), s.now())
	event.ItemID = ptr(item.ID)
	event.TargetID = ptr(item.TargetID)
	if unitID != "" {
		event.WorkUnitID = ptr(unitID)
	}
	if reason != "" {
		event.Details = ptr(reason)
	}
	s.audit.Emit(event)

	if unitID == "" {
		return
	}
	msg := domain.NewItemOutcomeMessage(unitID, status, reason)
	if err := s.registry.Send(ctx, item.TargetID, msg); err != nil {
		log.Debug("item outcome not delivered to target", zap.Error(err))
	}
}
