package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/batch-dispatch/internal/domain"
)

func newAuditEvent(action domain.AuditAction, result string, at time.Time) domain.AuditEvent {
	return domain.AuditEvent{
		ID:        uuid.NewString(),
		Action:    action,
		Result:    result,
		CreatedAt: at.UTC(),
	}
}

func batchEvent(action domain.AuditAction, b *domain.Batch, result string, at time.Time) domain.AuditEvent {
	e := newAuditEvent(action, result, at)
	e.BatchID = ptr(b.ID)
	e.OwnerID = ptr(b.OwnerID)
	return e
}

func ptr[T any](v T) *T {
	return &v
}
