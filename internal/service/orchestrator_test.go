package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"go.uber.org/zap"
)

func newTestOrchestrator(t *testing.T, store *testStore, runner ItemRunner, lease BatchLease, audit AuditSink, cfg OrchestratorConfig) *Orchestrator {
	t.Helper()

	o, err := NewOrchestrator(store.batches, runner, lease, audit, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Stop(ctx)
	})
	return o
}

func waitTerminal(t *testing.T, store *testStore, batchID string) *domain.Batch {
	t.Helper()
	var b *domain.Batch
	waitFor(t, 5*time.Second, func() bool {
		b = store.batch(t, batchID)
		return b.Status.IsTerminal()
	})
	return b
}

// completingRunner settles items directly through the repository.
func completingRunner(store *testStore, failTargets ...string) *fakeItemRunner {
	fail := make(map[string]bool, len(failTargets))
	for _, id := range failTargets {
		fail[id] = true
	}
	return &fakeItemRunner{
		runFn: func(ctx context.Context, batch domain.Batch, item domain.BatchItem) {
			if fail[item.TargetID] {
				_, _ = store.batches.FailItem(ctx, batch.ID, item.ID, "failed", time.Now().UTC())
				return
			}
			_, _ = store.batches.CompleteItem(ctx, batch.ID, item.ID, "ref-"+item.TargetID, time.Now().UTC())
		},
	}
}

func TestOrchestratorAggregation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		failTargets []string
		want        domain.BatchStatus
	}{
		{name: "all completed", want: domain.BatchStatusCompleted},
		{name: "partial failure still completes", failTargets: []string{"222"}, want: domain.BatchStatusCompleted},
		{name: "all failed", failTargets: []string{"111", "222", "333"}, want: domain.BatchStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newTestStore(t)
			batch, _ := store.seedBatch(t, "batch_a", "owner-1", "111", "222", "333")
			audit := &recordingAudit{}
			o := newTestOrchestrator(t, store, completingRunner(store, tt.failTargets...), nil, audit, OrchestratorConfig{ItemParallelism: 2})

			if !o.Schedule(batch.ID) {
				t.Fatal("Schedule() = false, want true")
			}

			got := waitTerminal(t, store, batch.ID)
			if got.Status != tt.want {
				t.Fatalf("status = %s, want %s", got.Status, tt.want)
			}
			if got.CompletedCount+got.FailedCount != got.TotalCount {
				t.Fatalf("counters %d+%d != %d", got.CompletedCount, got.FailedCount, got.TotalCount)
			}
			if got.CompletedAt == nil {
				t.Fatal("completed_at not set")
			}
			waitFor(t, time.Second, func() bool { return audit.count(domain.AuditBatchTerminal) == 1 })
		})
	}
}

func TestOrchestratorConcurrentScheduleRunsOnce(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	batch, _ := store.seedBatch(t, "batch_a", "owner-1", "111", "222")

	var runs atomic.Int32
	release := make(chan struct{})
	runner := &fakeItemRunner{
		runFn: func(ctx context.Context, b domain.Batch, item domain.BatchItem) {
			runs.Add(1)
			<-release
			_, _ = store.batches.CompleteItem(ctx, b.ID, item.ID, "ref", time.Now().UTC())
		},
	}
	o := newTestOrchestrator(t, store, runner, nil, nil, OrchestratorConfig{ItemParallelism: 2})

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if o.Schedule(batch.ID) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)

	waitTerminal(t, store, batch.ID)
	if accepted.Load() != 1 {
		t.Fatalf("accepted schedules = %d, want 1", accepted.Load())
	}
	if runs.Load() != 2 {
		t.Fatalf("item runs = %d, want 2", runs.Load())
	}
}

func TestOrchestratorRescheduleOfFinishedBatchIsNoop(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	batch, _ := store.seedBatch(t, "batch_a", "owner-1", "111")

	var runs atomic.Int32
	runner := completingRunner(store)
	counting := &fakeItemRunner{
		runFn: func(ctx context.Context, b domain.Batch, item domain.BatchItem) {
			runs.Add(1)
			runner.Run(ctx, b, item)
		},
	}
	o := newTestOrchestrator(t, store, counting, nil, nil, OrchestratorConfig{})

	o.Schedule(batch.ID)
	waitTerminal(t, store, batch.ID)
	waitFor(t, time.Second, func() bool { return !o.IsTracked(batch.ID) })

	if !o.Schedule(batch.ID) {
		t.Fatal("Schedule() of an untracked batch should be accepted")
	}
	waitFor(t, time.Second, func() bool { return !o.IsTracked(batch.ID) })
	if runs.Load() != 1 {
		t.Fatalf("item runs = %d, want 1", runs.Load())
	}
}

func TestOrchestratorDropsOverCapacity(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	first, _ := store.seedBatch(t, "batch_a", "owner-1", "111")
	second, _ := store.seedBatch(t, "batch_b", "owner-1", "111")

	release := make(chan struct{})
	runner := &fakeItemRunner{
		runFn: func(ctx context.Context, b domain.Batch, item domain.BatchItem) {
			<-release
			_, _ = store.batches.CompleteItem(ctx, b.ID, item.ID, "ref", time.Now().UTC())
		},
	}
	o := newTestOrchestrator(t, store, runner, nil, nil, OrchestratorConfig{MaxConcurrentBatches: 1})

	if !o.Schedule(first.ID) {
		t.Fatal("first Schedule() = false")
	}
	if o.Schedule(second.ID) {
		t.Fatal("second Schedule() over capacity = true")
	}

	status := o.Status()
	if !status.Running || status.ActiveBatches != 1 || status.Capacity != 1 || status.ActiveBatchIDs[0] != first.ID {
		t.Fatalf("Status() = %+v", status)
	}

	close(release)
	waitTerminal(t, store, first.ID)
	if b := store.batch(t, second.ID); b.Status != domain.BatchStatusPending {
		t.Fatalf("dropped batch status = %s, want pending", b.Status)
	}

	waitFor(t, time.Second, func() bool { return o.Status().ActiveBatches == 0 })
	if !o.Schedule(second.ID) {
		t.Fatal("Schedule() after capacity freed = false")
	}
	waitTerminal(t, store, second.ID)
}

func TestOrchestratorRunnerPanicSettlesBatch(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	batch, _ := store.seedBatch(t, "batch_a", "owner-1", "111")
	runner := &fakeItemRunner{
		runFn: func(ctx context.Context, b domain.Batch, item domain.BatchItem) {
			panic("runner exploded")
		},
	}
	o := newTestOrchestrator(t, store, runner, nil, nil, OrchestratorConfig{})
	o.Schedule(batch.ID)

	got := waitTerminal(t, store, batch.ID)
	if got.Status != domain.BatchStatusError || got.FailedCount != 1 {
		t.Fatalf("batch = %+v, want error with one failed item", got)
	}
	item := store.items(t, batch.ID)[0]
	if item.FailureReason == nil || *item.FailureReason != reasonNotSettled {
		t.Fatalf("failure reason = %v", item.FailureReason)
	}
}

func TestOrchestratorCancelledBatchIsNotFinalizedTwice(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	batch, _ := store.seedBatch(t, "batch_a", "owner-1", "111")

	started := make(chan struct{})
	release := make(chan struct{})
	runner := &fakeItemRunner{
		runFn: func(ctx context.Context, b domain.Batch, item domain.BatchItem) {
			close(started)
			<-release
		},
	}
	audit := &recordingAudit{}
	o := newTestOrchestrator(t, store, runner, nil, audit, OrchestratorConfig{})
	if !o.Schedule(batch.ID) {
		t.Fatal("Schedule() = false, want true")
	}

	<-started
	if _, err := store.batches.Cancel(context.Background(), batch.ID, "owner-1", "cancelled by owner", time.Now().UTC()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	got := store.batch(t, batch.ID)
	if got.Status != domain.BatchStatusError || got.FailedCount != 1 {
		t.Fatalf("batch = %+v, want cancelled error batch", got)
	}
	if n := audit.count(domain.AuditBatchTerminal); n != 0 {
		t.Fatalf("batch_terminal emitted %d times for a cancelled batch", n)
	}
}

func TestOrchestratorFaultForcesError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	batch, _ := store.seedBatch(t, "batch_a", "owner-1", "111", "222")
	lease := &fakeLease{
		acquireFn: func(ctx context.Context, batchID string) (bool, error) {
			return false, errors.New("redis down")
		},
	}
	audit := &recordingAudit{}
	o := newTestOrchestrator(t, store, completingRunner(store), lease, audit, OrchestratorConfig{})
	o.Schedule(batch.ID)

	got := waitTerminal(t, store, batch.ID)
	if got.Status != domain.BatchStatusError || got.CompletedAt == nil {
		t.Fatalf("batch = %+v, want error with completed_at", got)
	}
	waitFor(t, time.Second, func() bool { return audit.count(domain.AuditBatchTerminal) == 1 })
}

func TestOrchestratorSkipsBatchLeasedElsewhere(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	batch, _ := store.seedBatch(t, "batch_a", "owner-1", "111")
	lease := &fakeLease{
		acquireFn: func(ctx context.Context, batchID string) (bool, error) { return false, nil },
	}
	var runs atomic.Int32
	runner := &fakeItemRunner{
		runFn: func(ctx context.Context, b domain.Batch, item domain.BatchItem) { runs.Add(1) },
	}
	o := newTestOrchestrator(t, store, runner, lease, nil, OrchestratorConfig{})

	o.Schedule(batch.ID)
	waitFor(t, time.Second, func() bool { return !o.IsTracked(batch.ID) })

	if b := store.batch(t, batch.ID); b.Status != domain.BatchStatusPending {
		t.Fatalf("status = %s, want pending", b.Status)
	}
	if runs.Load() != 0 {
		t.Fatalf("runner called %d times", runs.Load())
	}
}

func TestOrchestratorRenewsAndReleasesLease(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	batch, _ := store.seedBatch(t, "batch_a", "owner-1", "111")

	var renewed, released atomic.Int32
	lease := &fakeLease{
		renewFn: func(ctx context.Context, batchID string) (bool, error) {
			renewed.Add(1)
			return true, nil
		},
		releaseFn: func(ctx context.Context, batchID string) error {
			released.Add(1)
			return nil
		},
	}
	runner := &fakeItemRunner{
		runFn: func(ctx context.Context, b domain.Batch, item domain.BatchItem) {
			time.Sleep(50 * time.Millisecond)
			_, _ = store.batches.CompleteItem(ctx, b.ID, item.ID, "ref", time.Now().UTC())
		},
	}
	o := newTestOrchestrator(t, store, runner, lease, nil, OrchestratorConfig{LeaseHeartbeat: 5 * time.Millisecond})
	o.Schedule(batch.ID)

	waitTerminal(t, store, batch.ID)
	waitFor(t, time.Second, func() bool { return released.Load() == 1 })
	if renewed.Load() == 0 {
		t.Fatal("lease was never renewed")
	}
}

func TestOrchestratorStopRefusesNewWork(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	batch, _ := store.seedBatch(t, "batch_a", "owner-1", "111")
	o := newTestOrchestrator(t, store, completingRunner(store), nil, nil, OrchestratorConfig{})

	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if o.Schedule(batch.ID) {
		t.Fatal("Schedule() after Stop() = true")
	}
	if o.Status().Running {
		t.Fatal("Status().Running = true after Stop()")
	}
}

// One connected and one disconnected target: the connected one delivers an
// artifact, the other is escalated by the retry loop, and the batch completes
// with one success and one failure.
func TestBatchWithConnectedAndDisconnectedTarget(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	batch, _ := store.seedBatch(t, "batch_a", "owner-1", "111", "222")

	registry := newFakeRegistry("111")
	registry.sendFn = func(ctx context.Context, targetID string, msg any) error {
		delivery, ok := msg.(domain.DeliveryMessage)
		if !ok {
			return nil
		}
		if targetID != "111" {
			return domain.ErrNotConnected
		}
		unit, err := store.units.GetByID(ctx, delivery.WorkUnitID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := store.artifacts.Create(ctx, newArtifact(unit, "s3://artifacts/111.xml", now, now.Add(time.Hour))); err != nil {
			return err
		}
		_, err = store.units.MarkDelivered(ctx, unit.ID)
		return err
	}

	fulfiller, err := NewDeliveryFulfiller(store.units, store.artifacts, registry, 5*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDeliveryFulfiller() error = %v", err)
	}
	supervisor := newTestSupervisor(t, store, fulfiller, registry, nil, 5*time.Second)
	retry, err := NewRetryLoop(store.units, registry, nil, RetryLoopConfig{Grace: 0, MaxAttempts: 3}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRetryLoop() error = %v", err)
	}
	o := newTestOrchestrator(t, store, supervisor, nil, nil, OrchestratorConfig{ItemParallelism: 2})

	if !o.Schedule(batch.ID) {
		t.Fatal("Schedule() = false")
	}

	var got *domain.Batch
	waitFor(t, 5*time.Second, func() bool {
		if err := retry.scanDue(context.Background()); err != nil {
			t.Errorf("scanDue() error = %v", err)
		}
		got = store.batch(t, batch.ID)
		return got.Status.IsTerminal()
	})

	if got.Status != domain.BatchStatusCompleted || got.CompletedCount != 1 || got.FailedCount != 1 {
		t.Fatalf("batch = %+v, want completed 1/1", got)
	}
	for _, item := range store.items(t, batch.ID) {
		switch item.TargetID {
		case "111":
			if item.Status != domain.ItemStatusCompleted || item.ResultRef == nil || *item.ResultRef != "s3://artifacts/111.xml" {
				t.Fatalf("item 111 = %+v", item)
			}
		case "222":
			if item.Status != domain.ItemStatusError || item.FailureReason == nil || *item.FailureReason != ErrTargetUnreachable.Error() {
				t.Fatalf("item 222 = %+v", item)
			}
		}
	}
}
