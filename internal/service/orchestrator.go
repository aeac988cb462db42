package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"github.com/kursadbilgin/batch-dispatch/internal/observability"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxConcurrentBatches = 10
	defaultItemParallelism      = 1
	defaultLeaseHeartbeat       = 10 * time.Second

	reasonNotSettled = "item did not reach a terminal state"
)

// Scheduler accepts admitted batches for background execution.
type Scheduler interface {
	Schedule(batchID string) bool
}

type OrchestratorConfig struct {
	MaxConcurrentBatches int
	ItemParallelism      int
	// LeaseHeartbeat is how often a held batch lease is renewed.
	LeaseHeartbeat time.Duration
}

// OrchestratorStatus is a point-in-time view used by the status endpoint.
type OrchestratorStatus struct {
	Running        bool     `json:"running"`
	ActiveBatches  int      `json:"active_batches"`
	Capacity       int      `json:"capacity"`
	ActiveBatchIDs []string `json:"active_batch_ids"`
}

var _ Scheduler = (*Orchestrator)(nil)

// Orchestrator runs admitted batches in the background. At most
// MaxConcurrentBatches run at once; requests beyond that are dropped and the
// batch stays pending until the reconciler schedules it again.
type Orchestrator struct {
	batches    repository.BatchRepository
	runner     ItemRunner
	lease      BatchLease
	audit      AuditSink
	metrics    *observability.Metrics
	slots      *semaphore.Weighted
	capacity   int
	parallel   int
	heartbeat  time.Duration
	logger     *zap.Logger
	now        func() time.Time
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	tracked map[string]time.Time
	stopped bool
	wg      sync.WaitGroup
}

func NewOrchestrator(
	batches repository.BatchRepository,
	runner ItemRunner,
	lease BatchLease,
	audit AuditSink,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("item runner is required")
	}
	if audit == nil {
		audit = nopAuditSink{}
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = defaultMaxConcurrentBatches
	}
	if cfg.ItemParallelism <= 0 {
		cfg.ItemParallelism = defaultItemParallelism
	}
	if cfg.LeaseHeartbeat <= 0 {
		cfg.LeaseHeartbeat = defaultLeaseHeartbeat
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		batches:    batches,
		runner:     runner,
		lease:      lease,
		audit:      audit,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches)),
		capacity:   cfg.MaxConcurrentBatches,
		parallel:   cfg.ItemParallelism,
		heartbeat:  cfg.LeaseHeartbeat,
		logger:     logger,
		now:        time.Now,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		tracked:    make(map[string]time.Time),
	}, nil
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// Schedule starts background execution of batchID. It never blocks and
// returns false when the batch is already tracked, the orchestrator is at
// capacity, or it is shutting down.
func (o *Orchestrator) Schedule(batchID string) bool {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.dropped(batchID, "stopping")
		return false
	}
	if _, ok := o.tracked[batchID]; ok {
		o.mu.Unlock()
		o.dropped(batchID, "duplicate")
		return false
	}
	if !o.slots.TryAcquire(1) {
		o.mu.Unlock()
		o.dropped(batchID, "capacity")
		return false
	}
	o.tracked[batchID] = o.now()
	o.wg.Add(1)
	o.mu.Unlock()

	go o.run(batchID)
	return true
}

func (o *Orchestrator) dropped(batchID, cause string) {
	o.logger.Warn("batch schedule request dropped",
		zap.String("batchId", batchID),
		zap.String("cause", cause),
	)
	if o.metrics != nil {
		o.metrics.IncScheduleDropped(cause)
	}
}

// IsTracked reports whether batchID is executing in this process.
func (o *Orchestrator) IsTracked(batchID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tracked[batchID]
	return ok
}

func (o *Orchestrator) Status() OrchestratorStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.tracked))
	for id := range o.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return OrchestratorStatus{
		Running:        !o.stopped,
		ActiveBatches:  len(ids),
		Capacity:       o.capacity,
		ActiveBatchIDs: ids,
	}
}

// Stop refuses new work, cancels running batches and waits for them to
// record their outcome or for ctx to expire.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.cancelBase()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator stop: %w", ctx.Err())
	}
}

func (o *Orchestrator) run(batchID string) {
	defer func() {
		o.mu.Lock()
		delete(o.tracked, batchID)
		o.mu.Unlock()
		o.slots.Release(1)
		o.wg.Done()
	}()

	if err := o.execute(o.baseCtx, batchID); err != nil {
		o.logger.Error("batch execution failed", zap.String("batchId", batchID), zap.Error(err))
		o.forceError(batchID, err)
	}
}

func (o *Orchestrator) execute(ctx context.Context, batchID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if o.lease != nil {
		acquired, err := o.lease.Acquire(ctx, batchID)
		if err != nil {
			return err
		}
		if !acquired {
			o.logger.Info("batch is leased by another instance, skipping", zap.String("batchId", batchID))
			return nil
		}
		stopHeartbeat := o.keepLease(ctx, batchID)
		defer func() {
			stopHeartbeat()
			if err := o.lease.Release(context.WithoutCancel(ctx), batchID); err != nil {
				o.logger.Warn("failed to release batch lease", zap.String("batchId", batchID), zap.Error(err))
			}
		}()
	}

	claimed, err := o.batches.MarkProcessing(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to claim batch: %w", err)
	}
	if !claimed {
		o.logger.Info("batch is not pending, skipping", zap.String("batchId", batchID))
		return nil
	}

	if o.metrics != nil {
		o.metrics.IncBatchesInflight()
		defer o.metrics.DecBatchesInflight()
	}

	batch, err := o.batches.GetByID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}
	items, err := o.batches.ListOpenItems(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch items: %w", err)
	}

	o.logger.Info("batch processing started",
		zap.String("batchId", batchID),
		zap.String("ownerId", batch.OwnerID),
		zap.Int("items", len(items)),
	)

	var g errgroup.Group
	g.SetLimit(o.parallel)
	for _, item := range items {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("item runner panic",
						zap.String("batchId", batchID),
						zap.String("itemId", item.ID),
						zap.Any("panic", r),
					)
				}
			}()
			o.runner.Run(ctx, *batch, item)
			return nil
		})
	}
	_ = g.Wait()

	return o.finalize(context.WithoutCancel(ctx), batchID)
}

// finalize settles anything a runner left open and derives the terminal
// status from the item counters.
func (o *Orchestrator) finalize(ctx context.Context, batchID string) error {
	now := o.now().UTC()

	current, err := o.batches.GetByID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to reload batch: %w", err)
	}
	if !current.Settled() {
		n, err := o.batches.FailOpenItems(ctx, batchID, reasonNotSettled, now)
		if err != nil {
			return fmt.Errorf("failed to settle open items: %w", err)
		}
		o.logger.Warn("settled items left open after execution", zap.String("batchId", batchID), zap.Int64("items", n))
	}

	final, settled, err := o.batches.Finalize(ctx, batchID, now)
	if err != nil {
		return fmt.Errorf("failed to finalize batch: %w", err)
	}
	if !settled {
		o.logger.Info("batch already terminal before finalize",
			zap.String("batchId", batchID),
			zap.String("status", final.Status.String()),
		)
		return nil
	}

	o.logger.Info("batch finished",
		zap.String("batchId", batchID),
		zap.String("status", final.Status.String()),
		zap.Int("completed", final.CompletedCount),
		zap.Int("failed", final.FailedCount),
	)
	if o.metrics != nil {
		o.metrics.IncBatchFinished(final.Status.String())
	}
	o.audit.Emit(batchEvent(domain.AuditBatchTerminal, final, final.Status.String(), now))
	return nil
}

func (o *Orchestrator) forceError(batchID string, cause error) {
	ctx := context.Background()
	now := o.now().UTC()

	if _, err := o.batches.FailOpenItems(ctx, batchID, "orchestration failed", now); err != nil {
		o.logger.Error("failed to fail open items", zap.String("batchId", batchID), zap.Error(err))
	}
	changed, err := o.batches.ForceError(ctx, batchID, now)
	if err != nil {
		o.logger.Error("failed to force batch into error", zap.String("batchId", batchID), zap.Error(err))
		return
	}
	if !changed {
		return
	}

	if o.metrics != nil {
		o.metrics.IncBatchFinished(domain.BatchStatusError.String())
	}
	batch, err := o.batches.GetByID(ctx, batchID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			o.logger.Warn("failed to reload batch after forced error", zap.String("batchId", batchID), zap.Error(err))
		}
		return
	}
	event := batchEvent(domain.AuditBatchTerminal, batch, domain.BatchStatusError.String(), now)
	event.Details = ptr(cause.Error())
	o.audit.Emit(event)
}

func (o *Orchestrator) keepLease(ctx context.Context, batchID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				held, err := o.lease.Renew(hbCtx, batchID)
				if err != nil {
					if hbCtx.Err() == nil {
						o.logger.Warn("failed to renew batch lease", zap.String("batchId", batchID), zap.Error(err))
					}
					continue
				}
				if !held {
					o.logger.Warn("batch lease lost", zap.String("batchId", batchID))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
