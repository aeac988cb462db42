package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"go.uber.org/zap"
)

func seedWorkUnit(t *testing.T, store *testStore, targetID string) *domain.WorkUnit {
	t.Helper()

	now := time.Now().UTC()
	unit := &domain.WorkUnit{
		ID:        uuid.NewString(),
		TargetID:  targetID,
		Period:    testPeriod,
		Status:    domain.WorkUnitAwaitingDelivery,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.units.Create(context.Background(), unit); err != nil {
		t.Fatalf("Create(work unit) error = %v", err)
	}
	return unit
}

func newArtifact(unit *domain.WorkUnit, locator string, issuedAt, expiresAt time.Time) *domain.ArtifactRecord {
	return &domain.ArtifactRecord{
		ID:         uuid.NewString(),
		TargetID:   unit.TargetID,
		FileName:   unit.TargetID + ".xml",
		Locator:    locator,
		IssuedAt:   issuedAt,
		ExpiresAt:  expiresAt,
		WorkUnitID: &unit.ID,
	}
}

func storeArtifact(t *testing.T, store *testStore, unit *domain.WorkUnit, locator string, issuedAt, expiresAt time.Time) {
	t.Helper()
	if err := store.artifacts.Create(context.Background(), newArtifact(unit, locator, issuedAt, expiresAt)); err != nil {
		t.Fatalf("Create(artifact) error = %v", err)
	}
}

func newTestFulfiller(t *testing.T, store *testStore, registry ConnectionRegistry) *DeliveryFulfiller {
	t.Helper()

	f, err := NewDeliveryFulfiller(store.units, store.artifacts, registry, 5*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDeliveryFulfiller() error = %v", err)
	}
	return f
}

func TestDeliveryFulfillerReturnsArtifactLocator(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	unit := seedWorkUnit(t, store, "111")

	registry := newFakeRegistry("111")
	registry.sendFn = func(ctx context.Context, targetID string, msg any) error {
		delivery, ok := msg.(domain.DeliveryMessage)
		if !ok || delivery.WorkUnitID != unit.ID || delivery.Retry {
			t.Errorf("unexpected delivery message %+v", msg)
		}
		now := time.Now().UTC()
		storeArtifact(t, store, unit, "s3://artifacts/old.xml", now.Add(-time.Minute), now.Add(time.Hour))
		storeArtifact(t, store, unit, "s3://artifacts/new.xml", now, now.Add(time.Hour))
		_, err := store.units.MarkDelivered(ctx, unit.ID)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ref, err := newTestFulfiller(t, store, registry).Fulfill(ctx, unit)
	if err != nil {
		t.Fatalf("Fulfill() error = %v", err)
	}
	if ref != "s3://artifacts/new.xml" {
		t.Fatalf("ref = %q, want newest artifact", ref)
	}
}

func TestDeliveryFulfillerReportsUnreachableTarget(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	unit := seedWorkUnit(t, store, "222")
	f := newTestFulfiller(t, store, newFakeRegistry())

	go func() {
		for range 3 {
			_, _ = store.units.RecordFailedAttempt(context.Background(), unit.ID, 3)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := f.Fulfill(ctx, unit)
	if !errors.Is(err, ErrTargetUnreachable) {
		t.Fatalf("Fulfill() error = %v, want ErrTargetUnreachable", err)
	}
}

func TestDeliveryFulfillerStopsAtDeadline(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	unit := seedWorkUnit(t, store, "111")
	f := newTestFulfiller(t, store, newFakeRegistry("111"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.Fulfill(ctx, unit)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Fulfill() error = %v, want deadline exceeded", err)
	}
}
