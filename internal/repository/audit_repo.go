package repository

import (
	"context"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AuditRepository interface {
	Create(ctx context.Context, e *domain.AuditEvent) error
	ListByBatch(ctx context.Context, batchID string) ([]domain.AuditEvent, error)
}

type GormAuditRepo struct {
	db *gorm.DB
}

func NewGormAuditRepo(db *gorm.DB) *GormAuditRepo {
	return &GormAuditRepo{db: db}
}

// Create inserts the event. Re-inserting an existing event id is a no-op so
// redelivered broker messages are recorded once.
func (r *GormAuditRepo) Create(ctx context.Context, e *domain.AuditEvent) error {
	model := auditModelFromDomain(e)
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(model).Error; err != nil {
		return err
	}
	if e != nil {
		*e = *auditModelToDomain(model)
	}
	return nil
}

func (r *GormAuditRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.AuditEvent, error) {
	var models []AuditLogModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]domain.AuditEvent, 0, len(models))
	for i := range models {
		events = append(events, *auditModelToDomain(&models[i]))
	}
	return events, nil
}
