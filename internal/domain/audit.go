package domain

import "time"

// AuditAction names a structured event emitted by the orchestration core.
type AuditAction string

const (
	AuditBatchAdmitted      AuditAction = "batch_admitted"
	AuditBatchTerminal      AuditAction = "batch_terminal"
	AuditBatchCancelled     AuditAction = "batch_cancelled"
	AuditItemTerminal       AuditAction = "item_terminal"
	AuditUnitNoConnection   AuditAction = "unit_no_connection"
	AuditBatchReconciled    AuditAction = "batch_reconciled"
	AuditArtifactRegistered AuditAction = "artifact_registered"
)

func (a AuditAction) IsValid() bool {
	switch a {
	case AuditBatchAdmitted, AuditBatchTerminal, AuditBatchCancelled, AuditItemTerminal,
		AuditUnitNoConnection, AuditBatchReconciled, AuditArtifactRegistered:
		return true
	}
	return false
}

// AuditEvent is a single audit record.
type AuditEvent struct {
	ID         string
	Action     AuditAction
	OwnerID    *string
	BatchID    *string
	ItemID     *string
	WorkUnitID *string
	TargetID   *string
	Result     string
	Details    *string
	CreatedAt  time.Time
}
