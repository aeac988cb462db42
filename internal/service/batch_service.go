package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"github.com/kursadbilgin/batch-dispatch/internal/observability"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"go.uber.org/zap"
)

const reasonCancelledByOwner = "cancelled by owner"

// BatchService is the caller-facing surface of the orchestration core.
type BatchService struct {
	guard     *AdmissionGuard
	batches   repository.BatchRepository
	units     repository.WorkUnitRepository
	artifacts repository.ArtifactRepository
	audits    repository.AuditRepository
	scheduler Scheduler
	registry  ConnectionRegistry
	audit     AuditSink
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

type BatchServiceDeps struct {
	Guard     *AdmissionGuard
	Batches   repository.BatchRepository
	Units     repository.WorkUnitRepository
	Artifacts repository.ArtifactRepository
	Audits    repository.AuditRepository
	Scheduler Scheduler
	Registry  ConnectionRegistry
	Audit     AuditSink
}

func NewBatchService(deps BatchServiceDeps, logger *zap.Logger) (*BatchService, error) {
	switch {
	case deps.Guard == nil:
		return nil, fmt.Errorf("admission guard is required")
	case deps.Batches == nil:
		return nil, fmt.Errorf("batch repository is required")
	case deps.Units == nil:
		return nil, fmt.Errorf("work unit repository is required")
	case deps.Artifacts == nil:
		return nil, fmt.Errorf("artifact repository is required")
	case deps.Audits == nil:
		return nil, fmt.Errorf("audit repository is required")
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("scheduler is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("connection registry is required")
	}
	if deps.Audit == nil {
		deps.Audit = nopAuditSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchService{
		guard:     deps.Guard,
		batches:   deps.Batches,
		units:     deps.Units,
		artifacts: deps.Artifacts,
		audits:    deps.Audits,
		scheduler: deps.Scheduler,
		registry:  deps.Registry,
		audit:     deps.Audit,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *BatchService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Submit admits a batch, persists it with one pending item per target and
// hands it to the scheduler. Rejections are returned as *domain.RejectionError.
func (s *BatchService) Submit(
	ctx context.Context,
	ownerID string,
	targetIDs []string,
	period domain.Period,
) (*domain.Batch, []domain.BatchItem, error) {
	admission, err := s.guard.Admit(ctx, ownerID, targetIDs, period)
	if err != nil {
		var rejection *domain.RejectionError
		if errors.As(err, &rejection) {
			s.countAdmission(string(rejection.Reason))
			s.logger.Info("batch rejected",
				zap.String("ownerId", ownerID),
				zap.String("reason", string(rejection.Reason)),
			)
		}
		return nil, nil, err
	}

	now := s.now().UTC()
	batch := &domain.Batch{
		ID:         newBatchID(),
		OwnerID:    ownerID,
		Status:     domain.BatchStatusPending,
		TotalCount: len(admission.Targets),
		Period:     admission.Period,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	items := make([]domain.BatchItem, len(admission.Targets))
	itemPtrs := make([]*domain.BatchItem, len(admission.Targets))
	for i, target := range admission.Targets {
		label := strings.TrimSpace(target.Name)
		if label == "" {
			label = target.ID
		}
		items[i] = domain.BatchItem{
			ID:        newItemID(),
			BatchID:   batch.ID,
			TargetID:  target.ID,
			Label:     label,
			Position:  i,
			Status:    domain.ItemStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		itemPtrs[i] = &items[i]
	}

	if err := s.batches.CreateWithItems(ctx, batch, itemPtrs); err != nil {
		s.guard.Release(admission)
		return nil, nil, fmt.Errorf("failed to persist batch: %w", err)
	}

	s.countAdmission("accepted")
	s.logger.Info("batch admitted",
		zap.String("batchId", batch.ID),
		zap.String("ownerId", ownerID),
		zap.Int("items", len(items)),
		zap.Int("connected", len(admission.Connected)),
	)
	s.audit.Emit(batchEvent(domain.AuditBatchAdmitted, batch, "accepted", now))

	if !s.scheduler.Schedule(batch.ID) {
		s.logger.Warn("batch admitted but not scheduled, left pending", zap.String("batchId", batch.ID))
	}

	return batch, items, nil
}

func (s *BatchService) countAdmission(outcome string) {
	if s.metrics != nil {
		s.metrics.IncAdmission(outcome)
	}
}

// ItemView is an item as shown to its owner.
type ItemView struct {
	domain.BatchItem
	// ResultExpired is set when the item's artifact is past its expiry;
	// ResultRef is withheld in that case.
	ResultExpired bool
}

type BatchSnapshot struct {
	Batch    domain.Batch
	Items    []ItemView
	Progress float64
}

func (s *BatchService) GetStatus(ctx context.Context, batchID, ownerID string) (*BatchSnapshot, error) {
	batch, err := s.batches.GetForOwner(ctx, strings.TrimSpace(batchID), ownerID)
	if err != nil {
		return nil, err
	}
	items, err := s.batches.ListItems(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch items: %w", err)
	}

	unitIDs := make([]string, 0, len(items))
	for _, item := range items {
		if item.Status == domain.ItemStatusCompleted && item.WorkUnitID != nil {
			unitIDs = append(unitIDs, *item.WorkUnitID)
		}
	}
	latest := make(map[string]domain.ArtifactRecord, len(unitIDs))
	if len(unitIDs) > 0 {
		artifacts, err := s.artifacts.ListForWorkUnits(ctx, unitIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load artifacts: %w", err)
		}
		for _, a := range artifacts {
			if a.WorkUnitID == nil {
				continue
			}
			if cur, ok := latest[*a.WorkUnitID]; !ok || a.IssuedAt.After(cur.IssuedAt) {
				latest[*a.WorkUnitID] = a
			}
		}
	}

	now := s.now().UTC()
	views := make([]ItemView, len(items))
	for i, item := range items {
		views[i] = ItemView{BatchItem: item}
		if item.Status != domain.ItemStatusCompleted || item.WorkUnitID == nil {
			continue
		}
		// A completed item whose artifact was already swept is expired too.
		a, ok := latest[*item.WorkUnitID]
		if !ok || a.Expired(now) {
			views[i].ResultExpired = true
			views[i].ResultRef = nil
		}
	}

	return &BatchSnapshot{
		Batch:    *batch,
		Items:    views,
		Progress: progress(batch),
	}, nil
}

func progress(b *domain.Batch) float64 {
	if b.TotalCount == 0 {
		return 0
	}
	done := float64(b.CompletedCount+b.FailedCount) / float64(b.TotalCount) * 100
	return math.Round(done*10) / 10
}

type BatchPage struct {
	Batches    []domain.Batch
	Total      int64
	Page       int
	PageSize   int
	TotalPages int
}

func (s *BatchService) List(ctx context.Context, ownerID string, page, pageSize int, status string) (*BatchPage, error) {
	q, err := ValidateListParams(page, pageSize, status)
	if err != nil {
		return nil, err
	}

	batches, total, err := s.batches.List(ctx, repository.ListParams{
		OwnerID:  ownerID,
		Status:   q.Status,
		Page:     q.Page,
		PageSize: q.PageSize,
	})
	if err != nil {
		return nil, err
	}

	return &BatchPage{
		Batches:    batches,
		Total:      total,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: int((total + int64(q.PageSize) - 1) / int64(q.PageSize)),
	}, nil
}

// Cancel fails the batch's pending items and moves the batch to error.
// Items already being fulfilled are left to their supervisor.
func (s *BatchService) Cancel(ctx context.Context, batchID, ownerID string) error {
	batchID = strings.TrimSpace(batchID)
	now := s.now().UTC()

	n, err := s.batches.Cancel(ctx, batchID, ownerID, reasonCancelledByOwner, now)
	if err != nil {
		return err
	}

	s.logger.Info("batch cancelled",
		zap.String("batchId", batchID),
		zap.String("ownerId", ownerID),
		zap.Int64("failedItems", n),
	)
	if s.metrics != nil {
		s.metrics.IncBatchFinished(domain.BatchStatusError.String())
	}
	s.audit.Emit(batchEvent(domain.AuditBatchCancelled, &domain.Batch{ID: batchID, OwnerID: ownerID},
		domain.BatchStatusError.String(), now))
	return nil
}

// AuditTrail returns the recorded events of a batch the caller owns.
func (s *BatchService) AuditTrail(ctx context.Context, batchID, ownerID string) ([]domain.AuditEvent, error) {
	batch, err := s.batches.GetForOwner(ctx, strings.TrimSpace(batchID), ownerID)
	if err != nil {
		return nil, err
	}
	return s.audits.ListByBatch(ctx, batch.ID)
}

type ArtifactInput struct {
	TargetID   string
	WorkUnitID string
	FileName   string
	Locator    string
	ExpiresAt  *time.Time
}

// RegisterArtifact records a file a target produced for a work unit and
// marks the unit delivered.
func (s *BatchService) RegisterArtifact(ctx context.Context, in ArtifactInput) (*domain.ArtifactRecord, error) {
	in.TargetID = strings.TrimSpace(in.TargetID)
	in.WorkUnitID = strings.TrimSpace(in.WorkUnitID)
	in.FileName = strings.TrimSpace(in.FileName)
	in.Locator = strings.TrimSpace(in.Locator)

	switch {
	case in.TargetID == "":
		return nil, fmt.Errorf("%w: target id is required", domain.ErrValidation)
	case in.WorkUnitID == "":
		return nil, fmt.Errorf("%w: work unit id is required", domain.ErrValidation)
	case in.FileName == "":
		return nil, fmt.Errorf("%w: file name is required", domain.ErrValidation)
	case in.Locator == "":
		return nil, fmt.Errorf("%w: locator is required", domain.ErrValidation)
	}

	unit, err := s.units.GetByID(ctx, in.WorkUnitID)
	if err != nil {
		return nil, err
	}
	if unit.TargetID != in.TargetID {
		return nil, fmt.Errorf("%w: work unit %s belongs to another target", domain.ErrValidation, unit.ID)
	}

	now := s.now().UTC()
	expiresAt := now.Add(domain.DefaultArtifactTTL)
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			return nil, fmt.Errorf("%w: expiry must be in the future", domain.ErrValidation)
		}
		expiresAt = in.ExpiresAt.UTC()
	}

	record := &domain.ArtifactRecord{
		ID:         uuid.NewString(),
		TargetID:   in.TargetID,
		FileName:   in.FileName,
		Locator:    in.Locator,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
		WorkUnitID: ptr(unit.ID),
	}
	if err := s.artifacts.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}

	delivered, err := s.units.MarkDelivered(ctx, unit.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark work unit delivered: %w", err)
	}
	if !delivered {
		s.logger.Info("artifact registered for settled work unit",
			zap.String("workUnitId", unit.ID),
			zap.String("status", unit.Status.String()),
		)
	}

	event := newAuditEvent(domain.AuditArtifactRegistered, "stored", now)
	event.WorkUnitID = ptr(unit.ID)
	event.TargetID = ptr(in.TargetID)
	event.ItemID = unit.BatchItemID
	s.audit.Emit(event)

	return record, nil
}

// ConnectedTargets lists targets with a live connection.
func (s *BatchService) ConnectedTargets() []string {
	return s.registry.Targets()
}

func newBatchID() string {
	return "batch_" + compactUUID()[:12]
}

func newItemID() string {
	return "req_" + compactUUID()[:8]
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
