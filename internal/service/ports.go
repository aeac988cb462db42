package service

import (
	"context"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
)

// Directory resolves which targets belong to an owner.
type Directory interface {
	OwnedTargets(ctx context.Context, ownerID string, targetIDs []string) ([]domain.Target, error)
}

// ConnectionRegistry is the live-connection directory used for push delivery.
type ConnectionRegistry interface {
	IsConnected(targetID string) bool
	Send(ctx context.Context, targetID string, msg any) error
	Connected(ids []string) []string
	Targets() []string
}

// AuditSink receives structured events. Emit must never block the caller.
type AuditSink interface {
	Emit(event domain.AuditEvent)
}

// BatchLease marks a batch as owned by one running instance.
type BatchLease interface {
	Acquire(ctx context.Context, batchID string) (bool, error)
	Renew(ctx context.Context, batchID string) (bool, error)
	Release(ctx context.Context, batchID string) error
	Held(ctx context.Context, batchID string) (bool, error)
}

type nopAuditSink struct{}

func (nopAuditSink) Emit(domain.AuditEvent) {}
