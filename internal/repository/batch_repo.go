package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	OwnerID  string
	Status   *domain.BatchStatus
	Page     int
	PageSize int
}

var activeBatchStatuses = []domain.BatchStatus{domain.BatchStatusPending, domain.BatchStatusProcessing}

var openItemStatuses = []domain.ItemStatus{domain.ItemStatusPending, domain.ItemStatusProcessing}

type BatchRepository interface {
	CreateWithItems(ctx context.Context, b *domain.Batch, items []*domain.BatchItem) error
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	GetForOwner(ctx context.Context, id, ownerID string) (*domain.Batch, error)
	List(ctx context.Context, params ListParams) ([]domain.Batch, int64, error)
	CountActiveByOwner(ctx context.Context, ownerID string) (int64, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	Finalize(ctx context.Context, id string, at time.Time) (*domain.Batch, bool, error)
	ForceError(ctx context.Context, id string, at time.Time) (bool, error)
	Cancel(ctx context.Context, id, ownerID, reason string, at time.Time) (int64, error)
	ListStale(ctx context.Context, status domain.BatchStatus, updatedBefore time.Time, limit int) ([]domain.Batch, error)
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]string, error)
	DeleteWithItems(ctx context.Context, id string) error

	ListItems(ctx context.Context, batchID string) ([]domain.BatchItem, error)
	ListOpenItems(ctx context.Context, batchID string) ([]domain.BatchItem, error)
	MarkItemProcessing(ctx context.Context, itemID string) (bool, error)
	AttachWorkUnit(ctx context.Context, itemID, workUnitID string) error
	CompleteItem(ctx context.Context, batchID, itemID, resultRef string, at time.Time) (bool, error)
	FailItem(ctx context.Context, batchID, itemID, reason string, at time.Time) (bool, error)
	FailOpenItems(ctx context.Context, batchID, reason string, at time.Time) (int64, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) CreateWithItems(ctx context.Context, b *domain.Batch, items []*domain.BatchItem) error {
	model := batchModelFromDomain(b)
	if model == nil {
		return domain.ErrValidation
	}

	itemModels := make([]BatchItemModel, 0, len(items))
	for _, it := range items {
		if m := itemModelFromDomain(it); m != nil {
			itemModels = append(itemModels, *m)
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		if len(itemModels) == 0 {
			return nil
		}
		return tx.CreateInBatches(&itemModels, 100).Error
	})
	if err != nil {
		return err
	}

	*b = *batchModelToDomain(model)
	idx := 0
	for _, it := range items {
		if it == nil {
			continue
		}
		*it = *itemModelToDomain(&itemModels[idx])
		idx++
	}
	return nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

// GetForOwner hides batches owned by someone else behind ErrNotFound.
func (r *GormBatchRepo) GetForOwner(ctx context.Context, id, ownerID string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ? AND owner_id = ?", id, ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) List(ctx context.Context, params ListParams) ([]domain.Batch, int64, error) {
	query := r.db.WithContext(ctx).Model(&BatchModel{}).Where("owner_id = ?", params.OwnerID)
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 10
	}
	pageSize = min(pageSize, 100)

	var models []BatchModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	batches := make([]domain.Batch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}
	return batches, total, nil
}

func (r *GormBatchRepo) CountActiveByOwner(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("owner_id = ? AND status IN ?", ownerID, activeBatchStatuses).
		Count(&count).Error
	return count, err
}

// MarkProcessing moves a pending batch to processing. It returns false when
// another orchestrator already claimed it.
func (r *GormBatchRepo) MarkProcessing(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusPending).
		Update("status", domain.BatchStatusProcessing)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Finalize derives the terminal status from the durable counters in a single
// statement, so a concurrent cancel or reconcile cannot be overwritten. The
// bool reports whether this call settled the batch; it is false when the batch
// was already terminal.
func (r *GormBatchRepo) Finalize(ctx context.Context, id string, at time.Time) (*domain.Batch, bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status IN ?", id, activeBatchStatuses).
		Updates(map[string]any{
			"status": gorm.Expr("CASE WHEN completed_count = 0 THEN ? ELSE ? END",
				domain.BatchStatusError, domain.BatchStatusCompleted),
			"completed_at": at,
		})
	if result.Error != nil {
		return nil, false, result.Error
	}

	b, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if result.RowsAffected == 0 {
		if !b.Status.IsTerminal() {
			return b, false, domain.ErrConflict
		}
		return b, false, nil
	}
	return b, true, nil
}

func (r *GormBatchRepo) ForceError(ctx context.Context, id string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status IN ?", id, activeBatchStatuses).
		Updates(map[string]any{
			"status":       domain.BatchStatusError,
			"completed_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Cancel fails every still-pending item and moves the batch to error. Items
// already processing are left to their supervisor. It returns the number of
// items it failed.
func (r *GormBatchRepo) Cancel(ctx context.Context, id, ownerID, reason string, at time.Time) (int64, error) {
	var failed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model BatchModel
		err := tx.First(&model, "id = ? AND owner_id = ?", id, ownerID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if model.Status.IsTerminal() {
			return domain.ErrConflict
		}

		n, err := failItemsInStatus(tx, id, reason, at, []domain.ItemStatus{domain.ItemStatusPending})
		if err != nil {
			return err
		}
		failed = n

		result := tx.Model(&BatchModel{}).
			Where("id = ? AND status IN ?", id, activeBatchStatuses).
			Updates(map[string]any{
				"status":       domain.BatchStatusError,
				"failed_count": gorm.Expr("failed_count + ?", n),
				"completed_at": at,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrConflict
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return failed, nil
}

// ListStale returns batches in status that have not been touched since updatedBefore.
func (r *GormBatchRepo) ListStale(ctx context.Context, status domain.BatchStatus, updatedBefore time.Time, limit int) ([]domain.Batch, error) {
	var models []BatchModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	batches := make([]domain.Batch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}
	return batches, nil
}

func (r *GormBatchRepo) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("status IN ? AND created_at < ?",
			[]domain.BatchStatus{domain.BatchStatusCompleted, domain.BatchStatusError}, before).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// DeleteWithItems removes a batch and its items in one transaction. Items are
// deleted explicitly so correctness does not depend on a foreign key cascade.
func (r *GormBatchRepo) DeleteWithItems(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("batch_id = ?", id).Delete(&BatchItemModel{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&BatchModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (r *GormBatchRepo) ListItems(ctx context.Context, batchID string) ([]domain.BatchItem, error) {
	return r.listItems(ctx, r.db.WithContext(ctx).Where("batch_id = ?", batchID))
}

// ListOpenItems returns pending and processing items in submission order.
func (r *GormBatchRepo) ListOpenItems(ctx context.Context, batchID string) ([]domain.BatchItem, error) {
	return r.listItems(ctx, r.db.WithContext(ctx).Where("batch_id = ? AND status IN ?", batchID, openItemStatuses))
}

func (r *GormBatchRepo) listItems(_ context.Context, query *gorm.DB) ([]domain.BatchItem, error) {
	var models []BatchItemModel
	if err := query.Order("created_at ASC").Order("position ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	items := make([]domain.BatchItem, 0, len(models))
	for i := range models {
		items = append(items, *itemModelToDomain(&models[i]))
	}
	return items, nil
}

func (r *GormBatchRepo) MarkItemProcessing(ctx context.Context, itemID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchItemModel{}).
		Where("id = ? AND status = ?", itemID, domain.ItemStatusPending).
		Update("status", domain.ItemStatusProcessing)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *GormBatchRepo) AttachWorkUnit(ctx context.Context, itemID, workUnitID string) error {
	result := r.db.WithContext(ctx).
		Model(&BatchItemModel{}).
		Where("id = ?", itemID).
		Update("work_unit_id", workUnitID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CompleteItem records a success and bumps the batch counter in the same
// transaction. It returns false when the item was already terminal.
func (r *GormBatchRepo) CompleteItem(ctx context.Context, batchID, itemID, resultRef string, at time.Time) (bool, error) {
	return r.settleItem(ctx, batchID, itemID, "completed_count", map[string]any{
		"status":       domain.ItemStatusCompleted,
		"result_ref":   resultRef,
		"completed_at": at,
	})
}

// FailItem records a failure and bumps the batch counter in the same
// transaction. It returns false when the item was already terminal.
func (r *GormBatchRepo) FailItem(ctx context.Context, batchID, itemID, reason string, at time.Time) (bool, error) {
	return r.settleItem(ctx, batchID, itemID, "failed_count", map[string]any{
		"status":         domain.ItemStatusError,
		"failure_reason": reason,
		"completed_at":   at,
	})
}

func (r *GormBatchRepo) settleItem(ctx context.Context, batchID, itemID, counter string, updates map[string]any) (bool, error) {
	settled := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&BatchItemModel{}).
			Where("id = ? AND batch_id = ? AND status IN ?", itemID, batchID, openItemStatuses).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		if err := tx.Model(&BatchModel{}).
			Where("id = ?", batchID).
			Update(counter, gorm.Expr(counter+" + 1")).Error; err != nil {
			return err
		}
		settled = true
		return nil
	})
	return settled, err
}

// FailOpenItems fails every unfinished item of a batch and adds them to the
// failed counter.
func (r *GormBatchRepo) FailOpenItems(ctx context.Context, batchID, reason string, at time.Time) (int64, error) {
	var failed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := failItemsInStatus(tx, batchID, reason, at, openItemStatuses)
		if err != nil {
			return err
		}
		failed = n
		if n == 0 {
			return nil
		}
		return tx.Model(&BatchModel{}).
			Where("id = ?", batchID).
			Update("failed_count", gorm.Expr("failed_count + ?", n)).Error
	})
	return failed, err
}

func failItemsInStatus(tx *gorm.DB, batchID, reason string, at time.Time, statuses []domain.ItemStatus) (int64, error) {
	result := tx.Model(&BatchItemModel{}).
		Where("batch_id = ? AND status IN ?", batchID, statuses).
		Updates(map[string]any{
			"status":         domain.ItemStatusError,
			"failure_reason": reason,
			"completed_at":   at,
		})
	return result.RowsAffected, result.Error
}
