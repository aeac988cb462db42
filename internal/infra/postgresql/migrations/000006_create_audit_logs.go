package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"gorm.io/gorm"
)

func createAuditLogsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000006_create_audit_logs",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AuditLogModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_logs_batch ON audit_logs (batch_id, created_at) WHERE batch_id IS NOT NULL`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AuditLogModel{})
		},
	}
}
