package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"gorm.io/gorm"
)

type WorkUnitRepository interface {
	Create(ctx context.Context, u *domain.WorkUnit) error
	GetByID(ctx context.Context, id string) (*domain.WorkUnit, error)
	ListAwaitingDelivery(ctx context.Context, createdBefore time.Time, after *WorkUnitCursor, limit int) ([]domain.WorkUnit, error)
	RecordFailedAttempt(ctx context.Context, id string, maxAttempts int) (*domain.WorkUnit, error)
	MarkDelivered(ctx context.Context, id string) (bool, error)
	Abandon(ctx context.Context, id string) (bool, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// WorkUnitCursor is the (created_at, id) position of the last unit of a page.
type WorkUnitCursor struct {
	CreatedAt time.Time
	ID        string
}

func CursorAfter(u domain.WorkUnit) *WorkUnitCursor {
	return &WorkUnitCursor{CreatedAt: u.CreatedAt, ID: u.ID}
}

// A unit is live while it has no item or its item is still open. Units whose
// item ended, or was removed by retention, are never pushed again.
const (
	liveItemCondition = "(work_units.batch_item_id IS NULL OR EXISTS (" +
		"SELECT 1 FROM batch_items WHERE batch_items.id = work_units.batch_item_id AND batch_items.status IN ?))"
	deadItemCondition = "(work_units.batch_item_id IS NULL OR NOT EXISTS (" +
		"SELECT 1 FROM batch_items WHERE batch_items.id = work_units.batch_item_id AND batch_items.status IN ?))"
)

type GormWorkUnitRepo struct {
	db *gorm.DB
}

func NewGormWorkUnitRepo(db *gorm.DB) *GormWorkUnitRepo {
	return &GormWorkUnitRepo{db: db}
}

func (r *GormWorkUnitRepo) Create(ctx context.Context, u *domain.WorkUnit) error {
	model := workUnitModelFromDomain(u)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if u != nil {
		*u = *workUnitModelToDomain(model)
	}
	return nil
}

func (r *GormWorkUnitRepo) GetByID(ctx context.Context, id string) (*domain.WorkUnit, error) {
	var model WorkUnitModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return workUnitModelToDomain(&model), nil
}

// ListAwaitingDelivery pages through undelivered units of live items in
// (created_at, id) order. Pass the cursor of the previous page's last unit to
// continue; nil starts from the oldest.
func (r *GormWorkUnitRepo) ListAwaitingDelivery(
	ctx context.Context,
	createdBefore time.Time,
	after *WorkUnitCursor,
	limit int,
) ([]domain.WorkUnit, error) {
	query := r.db.WithContext(ctx).
		Where("work_units.status = ? AND work_units.created_at < ?", domain.WorkUnitAwaitingDelivery, createdBefore).
		Where(liveItemCondition, openItemStatuses)
	if after != nil {
		query = query.Where("(work_units.created_at > ? OR (work_units.created_at = ? AND work_units.id > ?))",
			after.CreatedAt, after.CreatedAt, after.ID)
	}

	var models []WorkUnitModel
	err := query.
		Order("work_units.created_at ASC").
		Order("work_units.id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	units := make([]domain.WorkUnit, 0, len(models))
	for i := range models {
		units = append(units, *workUnitModelToDomain(&models[i]))
	}
	return units, nil
}

// RecordFailedAttempt increments the attempt counter and escalates to
// no_connection in the same statement once maxAttempts is reached.
func (r *GormWorkUnitRepo) RecordFailedAttempt(ctx context.Context, id string, maxAttempts int) (*domain.WorkUnit, error) {
	result := r.db.WithContext(ctx).
		Model(&WorkUnitModel{}).
		Where("id = ? AND status = ?", id, domain.WorkUnitAwaitingDelivery).
		Updates(map[string]any{
			"delivery_attempts": gorm.Expr("delivery_attempts + 1"),
			"status": gorm.Expr("CASE WHEN delivery_attempts + 1 >= ? THEN ? ELSE status END",
				maxAttempts, domain.WorkUnitNoConnection),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, domain.ErrConflict
	}
	return r.GetByID(ctx, id)
}

func (r *GormWorkUnitRepo) MarkDelivered(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&WorkUnitModel{}).
		Where("id = ? AND status = ?", id, domain.WorkUnitAwaitingDelivery).
		Update("status", domain.WorkUnitDelivered)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Abandon settles a unit that is still awaiting delivery after its item
// ended. It returns false when the unit had already settled.
func (r *GormWorkUnitRepo) Abandon(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&WorkUnitModel{}).
		Where("id = ? AND status = ?", id, domain.WorkUnitAwaitingDelivery).
		Update("status", domain.WorkUnitAbandoned)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// DeleteTerminalBefore removes work units created before the cutoff that no
// artifact still points at: settled units, and undelivered units whose item
// is no longer open.
func (r *GormWorkUnitRepo) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	settled := []domain.WorkUnitStatus{domain.WorkUnitDelivered, domain.WorkUnitNoConnection, domain.WorkUnitAbandoned}
	result := r.db.WithContext(ctx).
		Where("work_units.created_at < ?", before).
		Where(r.db.
			Where("work_units.status IN ?", settled).
			Or("work_units.status = ? AND "+deadItemCondition, domain.WorkUnitAwaitingDelivery, openItemStatuses)).
		Where("NOT EXISTS (SELECT 1 FROM artifacts WHERE artifacts.work_unit_id = work_units.id)").
		Delete(&WorkUnitModel{})
	return result.RowsAffected, result.Error
}
