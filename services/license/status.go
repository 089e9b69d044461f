package license

import "time"

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

func (s Status) IsActive() bool { return s == StatusActive }

// Transition reasons recorded in the status transition log.
const (
	ReasonIssueDateReached  = "Issue date reached"
	ReasonExpiryDateReached = "Expiry date reached"
	ReasonBeforeIssueDate   = "Current time before issue date"
)

// Evaluate returns StatusActive iff issuedAt <= now <= expiresAt. Both bounds
// are inclusive; the comparison is on instants, so the zone of each argument
// does not matter.
func Evaluate(now, issuedAt, expiresAt time.Time) Status {
	if now.Before(issuedAt) || now.After(expiresAt) {
		return StatusInactive
	}
	return StatusActive
}

// TransitionReason explains a change from old to new. Returns "" when the
// status did not change.
func TransitionReason(old, new Status, now, issuedAt, expiresAt time.Time) string {
	if old == new {
		return ""
	}
	if new == StatusActive {
		return ReasonIssueDateReached
	}
	if now.After(expiresAt) {
		return ReasonExpiryDateReached
	}
	return ReasonBeforeIssueDate
}
