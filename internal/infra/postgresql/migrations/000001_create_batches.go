package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createBatchesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_batches",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_batches_owner_status ON batches (owner_id, status)`,
				`CREATE INDEX IF NOT EXISTS idx_batches_owner_created ON batches (owner_id, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_batches_completed_at ON batches (completed_at) WHERE completed_at IS NOT NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchModel{})
		},
	}
}
