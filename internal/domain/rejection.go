package domain

import "fmt"

// RejectionReason identifies why a batch request was not admitted.
type RejectionReason string

const (
	RejectionEmptyTargets         RejectionReason = "empty_targets"
	RejectionTooManyTargets       RejectionReason = "too_many_targets"
	RejectionInvalidTargetID      RejectionReason = "invalid_target_id"
	RejectionInvalidDate          RejectionReason = "invalid_date"
	RejectionInvalidPeriod        RejectionReason = "invalid_period"
	RejectionPeriodTooLong        RejectionReason = "period_too_long"
	RejectionPeriodTooOld         RejectionReason = "period_too_old"
	RejectionPeriodInFuture       RejectionReason = "period_in_future"
	RejectionTargetNotOwned       RejectionReason = "target_not_owned"
	RejectionNoTargetConnected    RejectionReason = "no_target_connected"
	RejectionTooManyActiveBatches RejectionReason = "too_many_active_batches"
	RejectionCooldownActive       RejectionReason = "cooldown_active"
	RejectionRateLimited          RejectionReason = "rate_limit_exceeded"
	RejectionInvalidStatusFilter  RejectionReason = "invalid_status_filter"
)

// IsThrottle reports whether the reason comes from a throttle rather than request shape.
func (r RejectionReason) IsThrottle() bool {
	switch r {
	case RejectionTooManyActiveBatches, RejectionCooldownActive, RejectionRateLimited:
		return true
	}
	return false
}

// RejectionError is returned synchronously to the caller and never persisted.
type RejectionError struct {
	Reason  RejectionReason
	Message string
}

func NewRejection(reason RejectionReason, message string) *RejectionError {
	return &RejectionError{Reason: reason, Message: message}
}

func (e *RejectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return fmt.Sprintf("request rejected: %s", e.Reason)
	}
	return fmt.Sprintf("request rejected: %s: %s", e.Reason, e.Message)
}

// Unwrap lets callers match with errors.Is(err, ErrValidation) or errors.Is(err, ErrThrottled).
func (e *RejectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	if e.Reason.IsThrottle() {
		return ErrThrottled
	}
	return ErrValidation
}
