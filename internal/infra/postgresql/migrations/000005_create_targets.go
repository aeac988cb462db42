package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createTargetsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_create_targets",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.TargetModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_targets_owner ON targets (owner_id)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.TargetModel{})
		},
	}
}
