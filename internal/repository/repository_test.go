package repository

import (
	"testing"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB() error = %v", err)
	}
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&BatchModel{},
		&BatchItemModel{},
		&WorkUnitModel{},
		&ArtifactModel{},
		&TargetModel{},
		&AuditLogModel{},
	); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}
	return db
}

func seedBatch(t *testing.T, repo *GormBatchRepo, id, owner string, targets ...string) (*domain.Batch, []*domain.BatchItem) {
	t.Helper()

	b := &domain.Batch{
		ID:         id,
		OwnerID:    owner,
		Status:     domain.BatchStatusPending,
		TotalCount: len(targets),
		Period: domain.NewPeriod(
			time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		),
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	items := make([]*domain.BatchItem, 0, len(targets))
	for i, target := range targets {
		items = append(items, &domain.BatchItem{
			ID:        id + "_item_" + target,
			BatchID:   id,
			TargetID:  target,
			Label:     "target " + target,
			Position:  i,
			Status:    domain.ItemStatusPending,
			CreatedAt: testNow,
			UpdatedAt: testNow,
		})
	}
	if err := repo.CreateWithItems(t.Context(), b, items); err != nil {
		t.Fatalf("CreateWithItems() error = %v", err)
	}
	return b, items
}
