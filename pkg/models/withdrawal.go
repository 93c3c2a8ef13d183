package models

import "time"

// Status is the lifecycle state of a withdrawal request. Transitions only
// move forward; COMPLETED and FAILED are terminal.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// statusRank orders the state machine so transitions can be validated as
// strictly forward-moving.
var statusRank = map[Status]int{
	StatusQueued:     0,
	StatusProcessing: 1,
	StatusCompleted:  2,
	StatusFailed:     2,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. Self-transitions are rejected; terminal states never move.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// WithdrawalRequest is one liquidity provider's intent to redeem pool shares
// for the underlying asset. Rows are the audit trail: they are versioned in
// the queue store and never deleted.
type WithdrawalRequest struct {
	// RequestID is assigned at creation, monotonically increasing and never
	// reused. It defines settlement order.
	RequestID uint64 `ch:"request_id" json:"request_id"`
	// Provider is the address of the requesting liquidity provider.
	Provider string `ch:"provider" json:"provider"`
	// LPAmount is the amount of pool shares being redeemed, in minor units.
	LPAmount uint64 `ch:"lp_amount" json:"lp_amount"`
	Status   Status `ch:"status" json:"status"`
	// RequestedAt gates eligibility: the processing delay is measured from it.
	RequestedAt time.Time `ch:"requested_at" json:"requested_at"`
	// ProviderAccountRef is an opaque reference to where redeemed funds land.
	ProviderAccountRef string `ch:"provider_account_ref" json:"provider_account_ref"`
	// Attempts counts transient settlement failures so far.
	Attempts uint32 `ch:"attempts" json:"attempts"`
	// NextAttemptAt is the earliest time the next settlement attempt may run,
	// stamped from the backoff schedule on each transient failure.
	NextAttemptAt time.Time `ch:"next_attempt_at" json:"next_attempt_at"`
	// UpdatedAt versions the row in the ReplacingMergeTree table.
	UpdatedAt time.Time `ch:"updated_at" json:"updated_at"`
}

// EligibleAt reports whether the request may be settled at now, given the
// configured processing delay and retry ceiling. The boundary is inclusive: a
// request whose delay elapsed exactly at now is eligible.
func (r *WithdrawalRequest) EligibleAt(now time.Time, delay time.Duration, maxAttempts uint32) bool {
	if r.Status != StatusQueued {
		return false
	}
	if r.Attempts >= maxAttempts {
		return false
	}
	if r.RequestedAt.After(now.Add(-delay)) {
		return false
	}
	return !r.NextAttemptAt.After(now)
}
