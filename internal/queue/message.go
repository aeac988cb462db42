package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/domain"
)

// AuditMessage is the broker payload for one audit event.
type AuditMessage struct {
	EventID       string             `json:"eventId"`
	CorrelationID string             `json:"correlationId,omitempty"`
	Action        domain.AuditAction `json:"action"`
	OwnerID       *string            `json:"ownerId,omitempty"`
	BatchID       *string            `json:"batchId,omitempty"`
	ItemID        *string            `json:"itemId,omitempty"`
	WorkUnitID    *string            `json:"workUnitId,omitempty"`
	TargetID      *string            `json:"targetId,omitempty"`
	Result        string             `json:"result"`
	Details       *string            `json:"details,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
}

func NewAuditMessage(e domain.AuditEvent) AuditMessage {
	msg := AuditMessage{
		EventID:    e.ID,
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
	if e.BatchID != nil {
		msg.CorrelationID = *e.BatchID
	}
	return msg
}

func (m AuditMessage) Event() domain.AuditEvent {
	return domain.AuditEvent{
		ID:         m.EventID,
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

func (m AuditMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if !m.Action.IsValid() {
		return fmt.Errorf("invalid action %q", m.Action)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("createdAt is required")
	}
	return nil
}
