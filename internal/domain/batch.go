package domain

import (
	"fmt"
	"strings"
	"time"
)

// BatchStatus represents the processing state of a batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusError      BatchStatus = "error"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusProcessing, BatchStatusCompleted, BatchStatusError:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusError
}

// IsActive reports whether the batch counts against the owner's active batch cap.
func (s BatchStatus) IsActive() bool {
	return s == BatchStatusPending || s == BatchStatusProcessing
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// ItemStatus represents the lifecycle state of a single batch item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusError      ItemStatus = "error"
)

func (s ItemStatus) String() string { return string(s) }

func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusError
}

// Period is an inclusive calendar date range. Both ends are truncated to UTC midnight.
type Period struct {
	Start time.Time
	End   time.Time
}

const periodDateLayout = "2006-01-02"

func NewPeriod(start, end time.Time) Period {
	return Period{Start: truncateToDay(start), End: truncateToDay(end)}
}

// ParsePeriod parses YYYY-MM-DD dates. Ordering rules are enforced by admission, not here.
func ParsePeriod(start, end string) (Period, error) {
	s, err := time.Parse(periodDateLayout, strings.TrimSpace(start))
	if err != nil {
		return Period{}, NewRejection(RejectionInvalidDate, fmt.Sprintf("start date %q must be YYYY-MM-DD", start))
	}
	e, err := time.Parse(periodDateLayout, strings.TrimSpace(end))
	if err != nil {
		return Period{}, NewRejection(RejectionInvalidDate, fmt.Sprintf("end date %q must be YYYY-MM-DD", end))
	}
	return NewPeriod(s, e), nil
}

// SpanDays returns the number of days between start and end.
func (p Period) SpanDays() int {
	return int(p.End.Sub(p.Start).Hours() / 24)
}

func (p Period) StartString() string { return p.Start.Format(periodDateLayout) }

func (p Period) EndString() string { return p.End.Format(periodDateLayout) }

func truncateToDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Batch is a single bulk request covering multiple targets and one period.
type Batch struct {
	ID             string
	OwnerID        string
	Status         BatchStatus
	TotalCount     int
	CompletedCount int
	FailedCount    int
	Period         Period
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// FinalStatus applies the aggregation policy: every item failed means error,
// anything else (including partial failure) means completed.
func (b *Batch) FinalStatus() BatchStatus {
	if b.CompletedCount == 0 {
		return BatchStatusError
	}
	return BatchStatusCompleted
}

// Settled reports whether every item has reached a terminal state.
func (b *Batch) Settled() bool {
	return b.CompletedCount+b.FailedCount >= b.TotalCount
}

// BatchItem is one target's slice of a batch.
type BatchItem struct {
	ID            string
	BatchID       string
	TargetID      string
	Label         string
	Position      int
	Status        ItemStatus
	ResultRef     *string
	FailureReason *string
	WorkUnitID    *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}
