package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"github.com/kursadbilgin/batch-dispatch/internal/observability"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultReconcileInterval = time.Minute
	defaultReconcileLimit    = 100

	reasonOrchestratorLost = "orchestrator lost"
)

// BatchTracker reports batches currently executing in this process.
type BatchTracker interface {
	IsTracked(batchID string) bool
}

type ReconcilerConfig struct {
	Interval time.Duration
	// StaleAfter is how long a batch may go untouched before it is
	// considered abandoned.
	StaleAfter time.Duration
	Limit      int
}

// Reconciler repairs batches whose executor went away. Processing batches
// nobody owns are failed and finalized; pending batches that were never
// picked up are scheduled again.
type Reconciler struct {
	batches    repository.BatchRepository
	tracker    BatchTracker
	scheduler  Scheduler
	lease      BatchLease
	audit      AuditSink
	metrics    *observability.Metrics
	interval   time.Duration
	staleAfter time.Duration
	limit      int
	logger     *zap.Logger
	now        func() time.Time
}

func NewReconciler(
	batches repository.BatchRepository,
	tracker BatchTracker,
	scheduler Scheduler,
	lease BatchLease,
	audit AuditSink,
	cfg ReconcilerConfig,
	logger *zap.Logger,
) (*Reconciler, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("batch tracker is required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if audit == nil {
		audit = nopAuditSink{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReconcileInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * defaultItemTimeout
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultReconcileLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		batches:    batches,
		tracker:    tracker,
		scheduler:  scheduler,
		lease:      lease,
		audit:      audit,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		limit:      cfg.Limit,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (r *Reconciler) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

func (r *Reconciler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := r.reconcile(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reconciler initial pass failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.reconcile(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("reconciler pass failed", zap.Error(err))
			}
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) error {
	cutoff := r.now().UTC().Add(-r.staleAfter)

	stale, err := r.batches.ListStale(ctx, domain.BatchStatusProcessing, cutoff, r.limit)
	if err != nil {
		return fmt.Errorf("failed to list stale processing batches: %w", err)
	}
	for i := range stale {
		if r.owned(ctx, stale[i].ID) {
			continue
		}
		r.settleAbandoned(ctx, &stale[i])
	}

	// Pending batches only need to outlive one pass; a dropped schedule
	// request should not wait for the processing staleness window.
	pending, err := r.batches.ListStale(ctx, domain.BatchStatusPending, r.now().UTC().Add(-r.interval), r.limit)
	if err != nil {
		return fmt.Errorf("failed to list stale pending batches: %w", err)
	}
	for i := range pending {
		if r.owned(ctx, pending[i].ID) {
			continue
		}
		if r.scheduler.Schedule(pending[i].ID) {
			r.logger.Info("rescheduled pending batch", zap.String("batchId", pending[i].ID))
		}
	}
	return nil
}

// owned reports whether some executor still holds the batch.
func (r *Reconciler) owned(ctx context.Context, batchID string) bool {
	if r.tracker.IsTracked(batchID) {
		return true
	}
	if r.lease == nil {
		return false
	}
	held, err := r.lease.Held(ctx, batchID)
	if err != nil {
		r.logger.Warn("failed to check batch lease", zap.String("batchId", batchID), zap.Error(err))
		return true
	}
	return held
}

func (r *Reconciler) settleAbandoned(ctx context.Context, b *domain.Batch) {
	log := r.logger.With(zap.String("batchId", b.ID), zap.String("ownerId", b.OwnerID))
	now := r.now().UTC()

	failed, err := r.batches.FailOpenItems(ctx, b.ID, reasonOrchestratorLost, now)
	if err != nil {
		log.Error("failed to fail items of abandoned batch", zap.Error(err))
		return
	}
	final, settled, err := r.batches.Finalize(ctx, b.ID, now)
	if err != nil {
		log.Error("failed to finalize abandoned batch", zap.Error(err))
		return
	}
	if !settled {
		log.Info("abandoned batch settled concurrently", zap.String("status", final.Status.String()))
		return
	}

	log.Warn("reconciled abandoned batch",
		zap.Int64("failedItems", failed),
		zap.String("status", final.Status.String()),
	)
	if r.metrics != nil {
		r.metrics.IncReconciledBatch()
		r.metrics.IncBatchFinished(final.Status.String())
	}
	event := batchEvent(domain.AuditBatchReconciled, final, final.Status.String(), now)
	event.Details = ptr(reasonOrchestratorLost)
	r.audit.Emit(event)
}
