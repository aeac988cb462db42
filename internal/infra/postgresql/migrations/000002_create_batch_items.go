package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createBatchItemsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_batch_items",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchItemModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_batch_items_batch_created ON batch_items (batch_id, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_batch_items_work_unit ON batch_items (work_unit_id) WHERE work_unit_id IS NOT NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchItemModel{})
		},
	}
}
