package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultMaxBatchTargets  = 50
	defaultMaxSpanDays      = 365
	defaultMaxLookbackDays  = 730
	defaultMaxActiveBatches = 5

	defaultPageSize = 10
	maxPageSize     = 100
)

var targetIDPattern = regexp.MustCompile(`^\d+$`)

// IsValidTargetID reports whether id has the numeric target id format.
func IsValidTargetID(id string) bool {
	return targetIDPattern.MatchString(id)
}

type AdmissionLimits struct {
	MaxTargets       int
	MaxSpanDays      int
	MaxLookbackDays  int
	MaxActiveBatches int
}

func (l AdmissionLimits) withDefaults() AdmissionLimits {
	if l.MaxTargets <= 0 {
		l.MaxTargets = defaultMaxBatchTargets
	}
	if l.MaxSpanDays <= 0 {
		l.MaxSpanDays = defaultMaxSpanDays
	}
	if l.MaxLookbackDays <= 0 {
		l.MaxLookbackDays = defaultMaxLookbackDays
	}
	if l.MaxActiveBatches <= 0 {
		l.MaxActiveBatches = defaultMaxActiveBatches
	}
	return l
}

// Admission is an accepted request. Nothing is persisted yet.
type Admission struct {
	OwnerID    string
	Period     domain.Period
	Targets    []domain.Target
	Connected  []string
	ReservedAt time.Time
}

// AdmissionGuard validates and throttles batch requests before they enter the system.
type AdmissionGuard struct {
	batches   repository.BatchRepository
	directory Directory
	registry  ConnectionRegistry
	cooldowns *CooldownTracker
	limits    AdmissionLimits
	logger    *zap.Logger
	now       func() time.Time
}

func NewAdmissionGuard(
	batches repository.BatchRepository,
	directory Directory,
	registry ConnectionRegistry,
	cooldowns *CooldownTracker,
	limits AdmissionLimits,
	logger *zap.Logger,
) (*AdmissionGuard, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if directory == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if cooldowns == nil {
		return nil, fmt.Errorf("cooldown tracker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AdmissionGuard{
		batches:   batches,
		directory: directory,
		registry:  registry,
		cooldowns: cooldowns,
		limits:    limits.withDefaults(),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Admit runs every admission rule in order and returns the first rejection.
// On success the owner's cooldown is already reserved; call Release if the
// batch is not persisted afterwards.
func (g *AdmissionGuard) Admit(ctx context.Context, ownerID string, targetIDs []string, period domain.Period) (*Admission, error) {
	ids, err := g.validateTargets(targetIDs)
	if err != nil {
		return nil, err
	}

	now := g.now().UTC()
	if err := g.validatePeriod(period, now); err != nil {
		return nil, err
	}

	owned, err := g.directory.OwnedTargets(ctx, ownerID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve targets: %w", err)
	}
	targets, missing := orderTargets(ids, owned)
	if len(missing) > 0 {
		return nil, domain.NewRejection(domain.RejectionTargetNotOwned,
			fmt.Sprintf("targets not owned by caller: %s", strings.Join(missing, ", ")))
	}

	connected := g.registry.Connected(ids)
	if len(connected) == 0 {
		return nil, domain.NewRejection(domain.RejectionNoTargetConnected, "none of the requested targets is online")
	}

	active, err := g.batches.CountActiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active batches: %w", err)
	}
	if active >= int64(g.limits.MaxActiveBatches) {
		return nil, domain.NewRejection(domain.RejectionTooManyActiveBatches,
			fmt.Sprintf("at most %d batches may be pending or processing", g.limits.MaxActiveBatches))
	}

	if !g.cooldowns.Reserve(ownerID, now) {
		return nil, domain.NewRejection(domain.RejectionCooldownActive,
			fmt.Sprintf("wait %s between batches", g.cooldowns.cooldown))
	}

	return &Admission{
		OwnerID:    ownerID,
		Period:     period,
		Targets:    targets,
		Connected:  connected,
		ReservedAt: now,
	}, nil
}

// Release undoes the cooldown reservation of an admission that was not persisted.
func (g *AdmissionGuard) Release(a *Admission) {
	if a == nil {
		return
	}
	g.cooldowns.Forget(a.OwnerID, a.ReservedAt)
}

func (g *AdmissionGuard) validateTargets(targetIDs []string) ([]string, error) {
	if len(targetIDs) == 0 {
		return nil, domain.NewRejection(domain.RejectionEmptyTargets, "at least one target is required")
	}
	if len(targetIDs) > g.limits.MaxTargets {
		return nil, domain.NewRejection(domain.RejectionTooManyTargets,
			fmt.Sprintf("at most %d targets per batch, got %d", g.limits.MaxTargets, len(targetIDs)))
	}

	ids := make([]string, 0, len(targetIDs))
	seen := make(map[string]struct{}, len(targetIDs))
	for _, id := range targetIDs {
		if !targetIDPattern.MatchString(id) {
			return nil, domain.NewRejection(domain.RejectionInvalidTargetID, fmt.Sprintf("invalid target id %q", id))
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (g *AdmissionGuard) validatePeriod(p domain.Period, now time.Time) error {
	today := domain.NewPeriod(now, now).Start

	if p.End.Before(p.Start) {
		return domain.NewRejection(domain.RejectionInvalidPeriod, "start date must not be after end date")
	}
	if p.SpanDays() > g.limits.MaxSpanDays {
		return domain.NewRejection(domain.RejectionPeriodTooLong,
			fmt.Sprintf("period may span at most %d days", g.limits.MaxSpanDays))
	}
	if p.Start.Before(today.AddDate(0, 0, -g.limits.MaxLookbackDays)) {
		return domain.NewRejection(domain.RejectionPeriodTooOld,
			fmt.Sprintf("start date may be at most %d days in the past", g.limits.MaxLookbackDays))
	}
	if p.End.After(today) {
		return domain.NewRejection(domain.RejectionPeriodInFuture, "end date must not be in the future")
	}
	return nil
}

// orderTargets returns owned targets in request order plus the ids the
// directory did not return.
func orderTargets(ids []string, owned []domain.Target) ([]domain.Target, []string) {
	byID := make(map[string]domain.Target, len(owned))
	for _, t := range owned {
		byID[t.ID] = t
	}

	targets := make([]domain.Target, 0, len(ids))
	var missing []string
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		targets = append(targets, t)
	}
	return targets, missing
}

// ListQuery is a normalized listing request.
type ListQuery struct {
	Page     int
	PageSize int
	Status   *domain.BatchStatus
}

// ValidateListParams clamps paging and checks the status filter. An empty
// filter or "all" means no filter.
func ValidateListParams(page, pageSize int, status string) (ListQuery, error) {
	q := ListQuery{Page: page, PageSize: pageSize}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = defaultPageSize
	} else if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}

	normalized := strings.ToLower(strings.TrimSpace(status))
	if normalized == "" || normalized == "all" {
		return q, nil
	}
	st, err := domain.ParseBatchStatusFromString(normalized)
	if err != nil {
		return ListQuery{}, domain.NewRejection(domain.RejectionInvalidStatusFilter,
			"status must be one of pending, processing, completed, error, all")
	}
	q.Status = &st
	return q, nil
}
