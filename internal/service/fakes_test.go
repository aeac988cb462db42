package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

var testPeriod = domain.NewPeriod(
	time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
)

type testStore struct {
	db        *gorm.DB
	batches   *repository.GormBatchRepo
	units     *repository.GormWorkUnitRepo
	artifacts *repository.GormArtifactRepo
	audits    *repository.GormAuditRepo
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB() error = %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&repository.BatchModel{},
		&repository.BatchItemModel{},
		&repository.WorkUnitModel{},
		&repository.ArtifactModel{},
		&repository.TargetModel{},
		&repository.AuditLogModel{},
	); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}

	return &testStore{
		db:        db,
		batches:   repository.NewGormBatchRepo(db),
		units:     repository.NewGormWorkUnitRepo(db),
		artifacts: repository.NewGormArtifactRepo(db),
		audits:    repository.NewGormAuditRepo(db),
	}
}

func (s *testStore) seedBatch(t *testing.T, id, owner string, targets ...string) (*domain.Batch, []*domain.BatchItem) {
	t.Helper()

	b := &domain.Batch{
		ID:         id,
		OwnerID:    owner,
		Status:     domain.BatchStatusPending,
		TotalCount: len(targets),
		Period:     testPeriod,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	items := make([]*domain.BatchItem, 0, len(targets))
	for i, target := range targets {
		items = append(items, &domain.BatchItem{
			ID:        id + "_" + target,
			BatchID:   id,
			TargetID:  target,
			Label:     "target " + target,
			Position:  i,
			Status:    domain.ItemStatusPending,
			CreatedAt: testNow,
			UpdatedAt: testNow,
		})
	}
	if err := s.batches.CreateWithItems(t.Context(), b, items); err != nil {
		t.Fatalf("CreateWithItems() error = %v", err)
	}
	return b, items
}

func (s *testStore) batch(t *testing.T, id string) *domain.Batch {
	t.Helper()
	b, err := s.batches.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s) error = %v", id, err)
	}
	return b
}

func (s *testStore) items(t *testing.T, batchID string) []domain.BatchItem {
	t.Helper()
	items, err := s.batches.ListItems(context.Background(), batchID)
	if err != nil {
		t.Fatalf("ListItems(%s) error = %v", batchID, err)
	}
	return items
}

func (s *testStore) backdateBatch(t *testing.T, id string, at time.Time) {
	t.Helper()
	err := s.db.Model(&repository.BatchModel{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{"created_at": at, "updated_at": at}).Error
	if err != nil {
		t.Fatalf("backdate batch %s: %v", id, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type fakeDirectory struct {
	ownedTargetsFn func(ctx context.Context, ownerID string, targetIDs []string) ([]domain.Target, error)
}

// OwnedTargets defaults to owning every requested target.
func (f *fakeDirectory) OwnedTargets(ctx context.Context, ownerID string, targetIDs []string) ([]domain.Target, error) {
	if f.ownedTargetsFn != nil {
		return f.ownedTargetsFn(ctx, ownerID, targetIDs)
	}
	targets := make([]domain.Target, 0, len(targetIDs))
	for _, id := range targetIDs {
		targets = append(targets, domain.Target{ID: id, OwnerID: ownerID, Name: "Target " + id})
	}
	return targets, nil
}

type sentMessage struct {
	targetID string
	msg      any
}

type fakeRegistry struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []sentMessage
	sendFn    func(ctx context.Context, targetID string, msg any) error
}

func newFakeRegistry(connected ...string) *fakeRegistry {
	r := &fakeRegistry{connected: make(map[string]bool)}
	for _, id := range connected {
		r.connected[id] = true
	}
	return r
}

func (r *fakeRegistry) IsConnected(targetID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected[targetID]
}

func (r *fakeRegistry) Send(ctx context.Context, targetID string, msg any) error {
	r.mu.Lock()
	r.sent = append(r.sent, sentMessage{targetID: targetID, msg: msg})
	connected := r.connected[targetID]
	sendFn := r.sendFn
	r.mu.Unlock()

	if sendFn != nil {
		return sendFn(ctx, targetID, msg)
	}
	if !connected {
		return fmt.Errorf("%w: %s", domain.ErrNotConnected, targetID)
	}
	return nil
}

func (r *fakeRegistry) Connected(ids []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, id := range ids {
		if r.connected[id] {
			out = append(out, id)
		}
	}
	return out
}

func (r *fakeRegistry) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.connected))
	for id, ok := range r.connected {
		if ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *fakeRegistry) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *recordingAudit) Emit(e domain.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *recordingAudit) actions() []domain.AuditAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AuditAction, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Action)
	}
	return out
}

func (a *recordingAudit) count(action domain.AuditAction) int {
	n := 0
	for _, got := range a.actions() {
		if got == action {
			n++
		}
	}
	return n
}

type fakeFulfiller struct {
	fulfillFn func(ctx context.Context, unit *domain.WorkUnit) (string, error)
}

func (f *fakeFulfiller) Fulfill(ctx context.Context, unit *domain.WorkUnit) (string, error) {
	if f.fulfillFn != nil {
		return f.fulfillFn(ctx, unit)
	}
	return "s3://artifacts/" + unit.TargetID + ".xml", nil
}

type fakeItemRunner struct {
	runFn func(ctx context.Context, batch domain.Batch, item domain.BatchItem)
}

func (f *fakeItemRunner) Run(ctx context.Context, batch domain.Batch, item domain.BatchItem) {
	if f.runFn != nil {
		f.runFn(ctx, batch, item)
	}
}

type fakeLease struct {
	acquireFn func(ctx context.Context, batchID string) (bool, error)
	renewFn   func(ctx context.Context, batchID string) (bool, error)
	releaseFn func(ctx context.Context, batchID string) error
	heldFn    func(ctx context.Context, batchID string) (bool, error)
}

func (f *fakeLease) Acquire(ctx context.Context, batchID string) (bool, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, batchID)
	}
	return true, nil
}

func (f *fakeLease) Renew(ctx context.Context, batchID string) (bool, error) {
	if f.renewFn != nil {
		return f.renewFn(ctx, batchID)
	}
	return true, nil
}

func (f *fakeLease) Release(ctx context.Context, batchID string) error {
	if f.releaseFn != nil {
		return f.releaseFn(ctx, batchID)
	}
	return nil
}

func (f *fakeLease) Held(ctx context.Context, batchID string) (bool, error) {
	if f.heldFn != nil {
		return f.heldFn(ctx, batchID)
	}
	return false, nil
}

type fakeScheduler struct {
	mu         sync.Mutex
	scheduled  []string
	scheduleFn func(batchID string) bool
}

func (f *fakeScheduler) Schedule(batchID string) bool {
	f.mu.Lock()
	f.scheduled = append(f.scheduled, batchID)
	f.mu.Unlock()
	if f.scheduleFn != nil {
		return f.scheduleFn(batchID)
	}
	return true
}

func (f *fakeScheduler) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scheduled...)
}

type fakeTracker struct {
	tracked map[string]bool
}

func (f *fakeTracker) IsTracked(batchID string) bool {
	return f.tracked[batchID]
}
