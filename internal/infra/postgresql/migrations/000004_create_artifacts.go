package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createArtifactsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_artifacts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ArtifactModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_artifacts_work_unit ON artifacts (work_unit_id, issued_at)`,
				`CREATE INDEX IF NOT EXISTS idx_artifacts_expires_at ON artifacts (expires_at)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ArtifactModel{})
		},
	}
}
