package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"go.uber.org/zap"
)

func newTestGuard(t *testing.T, store *testStore, dir Directory, registry ConnectionRegistry) *AdmissionGuard {
	t.Helper()

	cooldowns := NewCooldownTracker(30 * time.Second)
	t.Cleanup(cooldowns.Stop)

	guard, err := NewAdmissionGuard(store.batches, dir, registry, cooldowns, AdmissionLimits{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewAdmissionGuard() error = %v", err)
	}
	guard.now = func() time.Time { return testNow }
	return guard
}

func period(start, end string) domain.Period {
	p, err := domain.ParsePeriod(start, end)
	if err != nil {
		panic(err)
	}
	return p
}

func tooManyTargets() []string {
	ids := make([]string, 51)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", 1000+i)
	}
	return ids
}

func TestAdmissionGuardRejections(t *testing.T) {
	t.Parallel()

	notOwned := &fakeDirectory{
		ownedTargetsFn: func(ctx context.Context, ownerID string, targetIDs []string) ([]domain.Target, error) {
			return []domain.Target{{ID: "111", OwnerID: ownerID}}, nil
		},
	}

	tests := []struct {
		name      string
		targets   []string
		period    domain.Period
		directory Directory
		connected []string
		want      domain.RejectionReason
	}{
		{name: "no targets", targets: nil, period: testPeriod, want: domain.RejectionEmptyTargets},
		{name: "too many targets", targets: tooManyTargets(), period: testPeriod, want: domain.RejectionTooManyTargets},
		{name: "non numeric target", targets: []string{"111", "abc"}, period: testPeriod, want: domain.RejectionInvalidTargetID},
		{name: "padded target", targets: []string{" 12 "}, period: testPeriod, want: domain.RejectionInvalidTargetID},
		{name: "target with trailing newline", targets: []string{"12\n"}, period: testPeriod, want: domain.RejectionInvalidTargetID},
		{name: "empty target", targets: []string{""}, period: testPeriod, want: domain.RejectionInvalidTargetID},
		{name: "end before start", targets: []string{"111"}, period: period("2026-02-01", "2026-01-01"), want: domain.RejectionInvalidPeriod},
		{name: "span over a year", targets: []string{"111"}, period: period("2025-01-01", "2026-01-02"), want: domain.RejectionPeriodTooLong},
		{name: "start too old", targets: []string{"111"}, period: period("2024-05-09", "2024-06-01"), want: domain.RejectionPeriodTooOld},
		{name: "end in future", targets: []string{"111"}, period: period("2026-05-01", "2026-05-11"), want: domain.RejectionPeriodInFuture},
		{name: "target not owned", targets: []string{"111", "222"}, period: testPeriod, directory: notOwned, connected: []string{"111"}, want: domain.RejectionTargetNotOwned},
		{name: "nothing connected", targets: []string{"111", "222"}, period: testPeriod, want: domain.RejectionNoTargetConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := tt.directory
			if dir == nil {
				dir = &fakeDirectory{}
			}
			guard := newTestGuard(t, newTestStore(t), dir, newFakeRegistry(tt.connected...))

			_, err := guard.Admit(context.Background(), "owner-1", tt.targets, tt.period)

			var rejection *domain.RejectionError
			if !errors.As(err, &rejection) {
				t.Fatalf("Admit() error = %v, want RejectionError", err)
			}
			if rejection.Reason != tt.want {
				t.Fatalf("reason = %s, want %s", rejection.Reason, tt.want)
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("error %v should wrap ErrValidation", err)
			}
		})
	}
}

func TestAdmissionGuardPeriodBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		period domain.Period
	}{
		{name: "span of exactly 365 days", period: period("2025-05-10", "2026-05-10")},
		{name: "start exactly 730 days back", period: period("2024-05-10", "2024-06-01")},
		{name: "single day ending today", period: period("2026-05-10", "2026-05-10")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			guard := newTestGuard(t, newTestStore(t), &fakeDirectory{}, newFakeRegistry("111"))
			if _, err := guard.Admit(context.Background(), "owner-1", []string{"111"}, tt.period); err != nil {
				t.Fatalf("Admit() error = %v", err)
			}
		})
	}
}

func TestAdmissionGuardAcceptsPartiallyConnected(t *testing.T) {
	t.Parallel()

	guard := newTestGuard(t, newTestStore(t), &fakeDirectory{}, newFakeRegistry("222"))

	admission, err := guard.Admit(context.Background(), "owner-1", []string{"111", "222", "111"}, testPeriod)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if len(admission.Targets) != 2 || admission.Targets[0].ID != "111" || admission.Targets[1].ID != "222" {
		t.Fatalf("targets = %+v, want deduplicated 111, 222", admission.Targets)
	}
	if len(admission.Connected) != 1 || admission.Connected[0] != "222" {
		t.Fatalf("connected = %v, want [222]", admission.Connected)
	}
	if admission.Targets[0].Name != "Target 111" {
		t.Fatalf("target name = %q, want directory name", admission.Targets[0].Name)
	}
}

func TestAdmissionGuardCooldown(t *testing.T) {
	t.Parallel()

	guard := newTestGuard(t, newTestStore(t), &fakeDirectory{}, newFakeRegistry("111"))
	ctx := context.Background()

	if _, err := guard.Admit(ctx, "owner-1", []string{"111"}, testPeriod); err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}

	_, err := guard.Admit(ctx, "owner-1", []string{"111"}, testPeriod)
	var rejection *domain.RejectionError
	if !errors.As(err, &rejection) || rejection.Reason != domain.RejectionCooldownActive {
		t.Fatalf("second Admit() error = %v, want cooldown_active", err)
	}
	if !errors.Is(err, domain.ErrThrottled) {
		t.Fatalf("cooldown rejection should wrap ErrThrottled")
	}

	if _, err := guard.Admit(ctx, "owner-2", []string{"111"}, testPeriod); err != nil {
		t.Fatalf("other owner Admit() error = %v", err)
	}

	guard.now = func() time.Time { return testNow.Add(31 * time.Second) }
	if _, err := guard.Admit(ctx, "owner-1", []string{"111"}, testPeriod); err != nil {
		t.Fatalf("Admit() after cooldown error = %v", err)
	}
}

func TestAdmissionGuardReleaseClearsCooldown(t *testing.T) {
	t.Parallel()

	guard := newTestGuard(t, newTestStore(t), &fakeDirectory{}, newFakeRegistry("111"))
	ctx := context.Background()

	admission, err := guard.Admit(ctx, "owner-1", []string{"111"}, testPeriod)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	guard.Release(admission)

	if _, err := guard.Admit(ctx, "owner-1", []string{"111"}, testPeriod); err != nil {
		t.Fatalf("Admit() after Release error = %v", err)
	}
}

func TestAdmissionGuardActiveCapCheckedBeforeCooldown(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	for i := range 5 {
		store.seedBatch(t, fmt.Sprintf("batch_active_%d", i), "owner-1", "111")
	}
	// a terminal batch does not count
	b, _ := store.seedBatch(t, "batch_done", "owner-1", "111")
	if _, err := store.batches.ForceError(context.Background(), b.ID, testNow); err != nil {
		t.Fatalf("ForceError() error = %v", err)
	}

	guard := newTestGuard(t, store, &fakeDirectory{}, newFakeRegistry("111"))
	guard.cooldowns.Reserve("owner-1", testNow)

	_, err := guard.Admit(context.Background(), "owner-1", []string{"111"}, testPeriod)
	var rejection *domain.RejectionError
	if !errors.As(err, &rejection) || rejection.Reason != domain.RejectionTooManyActiveBatches {
		t.Fatalf("Admit() error = %v, want too_many_active_batches", err)
	}
	if !errors.Is(err, domain.ErrThrottled) {
		t.Fatalf("active cap rejection should wrap ErrThrottled")
	}
}

func TestAdmissionGuardDirectoryFailure(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{
		ownedTargetsFn: func(ctx context.Context, ownerID string, targetIDs []string) ([]domain.Target, error) {
			return nil, errors.New("directory unavailable")
		},
	}
	guard := newTestGuard(t, newTestStore(t), dir, newFakeRegistry("111"))

	_, err := guard.Admit(context.Background(), "owner-1", []string{"111"}, testPeriod)
	if err == nil {
		t.Fatal("Admit() error = nil, want directory error")
	}
	var rejection *domain.RejectionError
	if errors.As(err, &rejection) {
		t.Fatalf("directory failure must not look like a rejection: %v", err)
	}
}

func TestValidateListParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		page         int
		pageSize     int
		status       string
		wantPage     int
		wantPageSize int
		wantStatus   domain.BatchStatus
		wantErr      bool
	}{
		{name: "defaults", page: 0, pageSize: 0, wantPage: 1, wantPageSize: 10},
		{name: "clamped page size", page: 3, pageSize: 500, wantPage: 3, wantPageSize: 100},
		{name: "all means no filter", page: 1, pageSize: 20, status: "all", wantPage: 1, wantPageSize: 20},
		{name: "status filter", page: 1, pageSize: 10, status: "Completed", wantPage: 1, wantPageSize: 10, wantStatus: domain.BatchStatusCompleted},
		{name: "unknown status", page: 1, pageSize: 10, status: "done", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q, err := ValidateListParams(tt.page, tt.pageSize, tt.status)
			if tt.wantErr {
				var rejection *domain.RejectionError
				if !errors.As(err, &rejection) || rejection.Reason != domain.RejectionInvalidStatusFilter {
					t.Fatalf("error = %v, want invalid_status_filter", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateListParams() error = %v", err)
			}
			if q.Page != tt.wantPage || q.PageSize != tt.wantPageSize {
				t.Fatalf("page/pageSize = %d/%d, want %d/%d", q.Page, q.PageSize, tt.wantPage, tt.wantPageSize)
			}
			if tt.wantStatus == "" && q.Status != nil {
				t.Fatalf("status = %v, want nil", *q.Status)
			}
			if tt.wantStatus != "" && (q.Status == nil || *q.Status != tt.wantStatus) {
				t.Fatalf("status = %v, want %s", q.Status, tt.wantStatus)
			}
		})
	}
}
