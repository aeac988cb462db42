package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"gorm.io/gorm"
)

type ArtifactRepository interface {
	Create(ctx context.Context, a *domain.ArtifactRecord) error
	LatestForWorkUnit(ctx context.Context, workUnitID string) (*domain.ArtifactRecord, error)
	ListForWorkUnits(ctx context.Context, workUnitIDs []string) ([]domain.ArtifactRecord, error)
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

type GormArtifactRepo struct {
	db *gorm.DB
}

func NewGormArtifactRepo(db *gorm.DB) *GormArtifactRepo {
	return &GormArtifactRepo{db: db}
}

func (r *GormArtifactRepo) Create(ctx context.Context, a *domain.ArtifactRecord) error {
	model := artifactModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *artifactModelToDomain(model)
	}
	return nil
}

func (r *GormArtifactRepo) LatestForWorkUnit(ctx context.Context, workUnitID string) (*domain.ArtifactRecord, error) {
	var model ArtifactModel
	err := r.db.WithContext(ctx).
		Where("work_unit_id = ?", workUnitID).
		Order("issued_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return artifactModelToDomain(&model), nil
}

func (r *GormArtifactRepo) ListForWorkUnits(ctx context.Context, workUnitIDs []string) ([]domain.ArtifactRecord, error) {
	if len(workUnitIDs) == 0 {
		return nil, nil
	}

	var models []ArtifactModel
	err := r.db.WithContext(ctx).
		Where("work_unit_id IN ?", workUnitIDs).
		Order("issued_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	artifacts := make([]domain.ArtifactRecord, 0, len(models))
	for i := range models {
		artifacts = append(artifacts, *artifactModelToDomain(&models[i]))
	}
	return artifacts, nil
}

// DeleteExpired removes expired artifacts together with the work units they
// were produced for. It returns the number of artifacts removed.
func (r *GormArtifactRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []ArtifactModel
		if err := tx.Where("expires_at <= ?", now).
			Order("expires_at ASC").
			Limit(limit).
			Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		ids := make([]string, 0, len(expired))
		unitIDs := make([]string, 0, len(expired))
		for _, a := range expired {
			ids = append(ids, a.ID)
			if a.WorkUnitID != nil {
				unitIDs = append(unitIDs, *a.WorkUnitID)
			}
		}

		result := tx.Where("id IN ?", ids).Delete(&ArtifactModel{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected

		if len(unitIDs) == 0 {
			return nil
		}
		// A unit can have several artifacts; keep it while any unexpired one remains.
		return tx.Where("id IN ?", unitIDs).
			Where("NOT EXISTS (SELECT 1 FROM artifacts WHERE artifacts.work_unit_id = work_units.id)").
			Delete(&WorkUnitModel{}).Error
	})
	return deleted, err
}
