package repository

import (
	"context"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"gorm.io/gorm"
)

// GormTargetRepo is the database-backed owner directory.
type GormTargetRepo struct {
	db *gorm.DB
}

func NewGormTargetRepo(db *gorm.DB) *GormTargetRepo {
	return &GormTargetRepo{db: db}
}

// OwnedTargets returns the subset of targetIDs that belong to ownerID.
func (r *GormTargetRepo) OwnedTargets(ctx context.Context, ownerID string, targetIDs []string) ([]domain.Target, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}

	var models []TargetModel
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND id IN ?", ownerID, targetIDs).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	targets := make([]domain.Target, 0, len(models))
	for _, m := range models {
		targets = append(targets, domain.Target{ID: m.ID, OwnerID: m.OwnerID, Name: m.Name})
	}
	return targets, nil
}
