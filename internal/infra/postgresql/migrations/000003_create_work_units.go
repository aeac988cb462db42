package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createWorkUnitsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_work_units",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.WorkUnitModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_work_units_awaiting ON work_units (created_at) WHERE status = 'awaiting_delivery'`,
				`CREATE INDEX IF NOT EXISTS idx_work_units_status_created ON work_units (status, created_at)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.WorkUnitModel{})
		},
	}
}
