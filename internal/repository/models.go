package repository

import (
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
)

// BatchModel is the persistence model for the batches table.
type BatchModel struct {
	ID             string             `gorm:"type:varchar(32);primaryKey"`
	OwnerID        string             `gorm:"type:varchar(64);not null"`
	Status         domain.BatchStatus `gorm:"type:varchar(20);not null;default:pending"`
	TotalCount     int                `gorm:"not null"`
	CompletedCount int                `gorm:"not null;default:0"`
	FailedCount    int                `gorm:"not null;default:0"`
	PeriodStart    time.Time          `gorm:"type:date;not null"`
	PeriodEnd      time.Time          `gorm:"type:date;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

func (BatchModel) TableName() string {
	return "batches"
}

// BatchItemModel is the persistence model for batch_items.
type BatchItemModel struct {
	ID            string            `gorm:"type:varchar(32);primaryKey"`
	BatchID       string            `gorm:"type:varchar(32);not null"`
	TargetID      string            `gorm:"type:varchar(64);not null"`
	Label         string            `gorm:"type:varchar(255);not null"`
	Position      int               `gorm:"not null;default:0"`
	Status        domain.ItemStatus `gorm:"type:varchar(20);not null;default:pending"`
	ResultRef     *string           `gorm:"type:text"`
	FailureReason *string           `gorm:"type:text"`
	WorkUnitID    *string           `gorm:"type:uuid"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

func (BatchItemModel) TableName() string {
	return "batch_items"
}

// WorkUnitModel is the persistence model for work_units.
type WorkUnitModel struct {
	ID               string                `gorm:"type:uuid;primaryKey"`
	TargetID         string                `gorm:"type:varchar(64);not null"`
	BatchItemID      *string               `gorm:"type:varchar(32)"`
	PeriodStart      time.Time             `gorm:"type:date;not null"`
	PeriodEnd        time.Time             `gorm:"type:date;not null"`
	Status           domain.WorkUnitStatus `gorm:"type:varchar(20);not null"`
	DeliveryAttempts int                   `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (WorkUnitModel) TableName() string {
	return "work_units"
}

// ArtifactModel is the persistence model for artifacts.
type ArtifactModel struct {
	ID         string    `gorm:"type:uuid;primaryKey"`
	TargetID   string    `gorm:"type:varchar(64);not null"`
	FileName   string    `gorm:"type:varchar(255);not null"`
	Locator    string    `gorm:"type:text;not null"`
	IssuedAt   time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"not null"`
	WorkUnitID *string   `gorm:"type:uuid"`
}

func (ArtifactModel) TableName() string {
	return "artifacts"
}

// TargetModel is the persistence model for the owner directory.
type TargetModel struct {
	ID      string `gorm:"type:varchar(64);primaryKey"`
	OwnerID string `gorm:"type:varchar(64);not null"`
	Name    string `gorm:"type:varchar(255);not null"`
}

func (TargetModel) TableName() string {
	return "targets"
}

// AuditLogModel is the persistence model for audit_logs.
type AuditLogModel struct {
	ID         string             `gorm:"type:uuid;primaryKey"`
	Action     domain.AuditAction `gorm:"type:varchar(40);not null"`
	OwnerID    *string            `gorm:"type:varchar(64)"`
	BatchID    *string            `gorm:"type:varchar(32)"`
	ItemID     *string            `gorm:"type:varchar(32)"`
	WorkUnitID *string            `gorm:"type:uuid"`
	TargetID   *string            `gorm:"type:varchar(64)"`
	Result     string             `gorm:"type:varchar(40);not null"`
	Details    *string            `gorm:"type:text"`
	CreatedAt  time.Time
}

func (AuditLogModel) TableName() string {
	return "audit_logs"
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:             b.ID,
		OwnerID:        b.OwnerID,
		Status:         b.Status,
		TotalCount:     b.TotalCount,
		CompletedCount: b.CompletedCount,
		FailedCount:    b.FailedCount,
		PeriodStart:    b.Period.Start,
		PeriodEnd:      b.Period.End,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
		CompletedAt:    b.CompletedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:             m.ID,
		OwnerID:        m.OwnerID,
		Status:         m.Status,
		TotalCount:     m.TotalCount,
		CompletedCount: m.CompletedCount,
		FailedCount:    m.FailedCount,
		Period:         domain.NewPeriod(m.PeriodStart, m.PeriodEnd),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		CompletedAt:    m.CompletedAt,
	}
}

func itemModelFromDomain(i *domain.BatchItem) *BatchItemModel {
	if i == nil {
		return nil
	}

	return &BatchItemModel{
		ID:            i.ID,
		BatchID:       i.BatchID,
		TargetID:      i.TargetID,
		Label:         i.Label,
		Position:      i.Position,
		Status:        i.Status,
		ResultRef:     i.ResultRef,
		FailureReason: i.FailureReason,
		WorkUnitID:    i.WorkUnitID,
		CreatedAt:     i.CreatedAt,
		UpdatedAt:     i.UpdatedAt,
		CompletedAt:   i.CompletedAt,
	}
}

func itemModelToDomain(m *BatchItemModel) *domain.BatchItem {
	if m == nil {
		return nil
	}

	return &domain.BatchItem{
		ID:            m.ID,
		BatchID:       m.BatchID,
		TargetID:      m.TargetID,
		Label:         m.Label,
		Position:      m.Position,
		Status:        m.Status,
		ResultRef:     m.ResultRef,
		FailureReason: m.FailureReason,
		WorkUnitID:    m.WorkUnitID,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		CompletedAt:   m.CompletedAt,
	}
}

func workUnitModelFromDomain(u *domain.WorkUnit) *WorkUnitModel {
	if u == nil {
		return nil
	}

	return &WorkUnitModel{
		ID:               u.ID,
		TargetID:         u.TargetID,
		BatchItemID:      u.BatchItemID,
		PeriodStart:      u.Period.Start,
		PeriodEnd:        u.Period.End,
		Status:           u.Status,
		DeliveryAttempts: u.DeliveryAttempts,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

func workUnitModelToDomain(m *WorkUnitModel) *domain.WorkUnit {
	if m == nil {
		return nil
	}

	return &domain.WorkUnit{
		ID:               m.ID,
		TargetID:         m.TargetID,
		BatchItemID:      m.BatchItemID,
		Period:           domain.NewPeriod(m.PeriodStart, m.PeriodEnd),
		Status:           m.Status,
		DeliveryAttempts: m.DeliveryAttempts,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func artifactModelFromDomain(a *domain.ArtifactRecord) *ArtifactModel {
	if a == nil {
		return nil
	}

	return &ArtifactModel{
		ID:         a.ID,
		TargetID:   a.TargetID,
		FileName:   a.FileName,
		Locator:    a.Locator,
		IssuedAt:   a.IssuedAt,
		ExpiresAt:  a.ExpiresAt,
		WorkUnitID: a.WorkUnitID,
	}
}

func artifactModelToDomain(m *ArtifactModel) *domain.ArtifactRecord {
	if m == nil {
		return nil
	}

	return &domain.ArtifactRecord{
		ID:         m.ID,
		TargetID:   m.TargetID,
		FileName:   m.FileName,
		Locator:    m.Locator,
		IssuedAt:   m.IssuedAt,
		ExpiresAt:  m.ExpiresAt,
		WorkUnitID: m.WorkUnitID,
	}
}

func auditModelFromDomain(e *domain.AuditEvent) *AuditLogModel {
	if e == nil {
		return nil
	}

	return &AuditLogModel{
		ID:         e.ID,
		Action:     e.Action,
		OwnerID:    e.OwnerID,
		BatchID:    e.BatchID,
		ItemID:     e.ItemID,
		WorkUnitID: e.WorkUnitID,
		TargetID:   e.TargetID,
		Result:     e.Result,
		Details:    e.Details,
		CreatedAt:  e.CreatedAt,
	}
}

func auditModelToDomain(m *AuditLogModel) *domain.AuditEvent {
	if m == nil {
		return nil
	}

	return &domain.AuditEvent{
		ID:         m.ID,
		Action:     m.Action,
		OwnerID:    m.OwnerID,
		BatchID:    m.BatchID,
		ItemID:     m.ItemID,
		WorkUnitID: m.WorkUnitID,
		TargetID:   m.TargetID,
		Result:     m.Result,
		Details:    m.Details,
		CreatedAt:  m.CreatedAt,
	}
}
