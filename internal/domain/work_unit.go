package domain

import "time"

// WorkUnitStatus tracks delivery of a dispatched job to its target.
type WorkUnitStatus string

const (
	WorkUnitAwaitingDelivery WorkUnitStatus = "awaiting_delivery"
	WorkUnitDelivered        WorkUnitStatus = "delivered"
	WorkUnitNoConnection     WorkUnitStatus = "no_connection"
	// WorkUnitAbandoned closes a unit whose item ended without a delivery.
	WorkUnitAbandoned WorkUnitStatus = "abandoned"
)

func (s WorkUnitStatus) String() string { return string(s) }

func (s WorkUnitStatus) IsTerminal() bool {
	return s == WorkUnitDelivered || s == WorkUnitNoConnection || s == WorkUnitAbandoned
}

// WorkUnit is the job actually pushed to a target's live connection.
//
// Its status is authoritative only for delivery bookkeeping; the caller-visible
// outcome lives on the BatchItem it is linked to.
type WorkUnit struct {
	ID               string
	TargetID         string
	BatchItemID      *string
	Period           Period
	Status           WorkUnitStatus
	DeliveryAttempts int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ArtifactRecord describes a file produced by a target for a work unit.
type ArtifactRecord struct {
	ID         string
	TargetID   string
	FileName   string
	Locator    string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	WorkUnitID *string
}

// DefaultArtifactTTL applies when the agent does not supply an expiry.
const DefaultArtifactTTL = 24 * time.Hour

func (a *ArtifactRecord) Expired(now time.Time) bool {
	return !a.ExpiresAt.After(now)
}

// Target is a directory entry: a data source owned by an owner.
type Target struct {
	ID      string
	OwnerID string
	Name    string
}

// DeliveryMessage is the payload pushed to a target's live connection.
type DeliveryMessage struct {
	TargetID    string `json:"target_id"`
	WorkUnitID  string `json:"work_unit_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	Retry       bool   `json:"retry,omitempty"`
}

func NewDeliveryMessage(u *WorkUnit, retry bool) DeliveryMessage {
	return DeliveryMessage{
		TargetID:    u.TargetID,
		WorkUnitID:  u.ID,
		PeriodStart: u.Period.StartString(),
		PeriodEnd:   u.Period.EndString(),
		Retry:       retry,
	}
}

// ItemOutcomeMessage tells a target how the item it served ended.
type ItemOutcomeMessage struct {
	Type       string `json:"type"`
	WorkUnitID string `json:"work_unit_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

func NewItemOutcomeMessage(workUnitID string, status ItemStatus, reason string) ItemOutcomeMessage {
	return ItemOutcomeMessage{
		Type:       "item_outcome",
		WorkUnitID: workUnitID,
		Status:     status.String(),
		Reason:     reason,
	}
}
