package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound indicates the withdrawal request no longer exists on the
// ledger: it was settled or cancelled through another path. This outcome is
// permanent and never retried.
var ErrNotFound = errors.New("not found on ledger")

// TransientError marks failures that may succeed on a later attempt: network
// errors, rate limiting, temporary ledger rejections.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient ledger error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transient ledger error (%s)", e.Reason)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(reason string, err error) error {
	return &TransientError{Reason: reason, Err: err}
}

// Outcome is the exhaustive classification of a ledger call result. The
// executor switches on it instead of string-matching error payloads.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNotFound
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// Classify maps a ledger call error to its outcome. Anything that is not a
// definitive not-found is treated as retryable.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	default:
		return OutcomeTransient
	}
}

// OnchainWithdrawal is the ledger's view of a pending withdrawal request.
type OnchainWithdrawal struct {
	RequestID             uint64 `json:"request_id"`
	Provider              string `json:"provider"`
	LPAmount              uint64 `json:"lp_amount"`
	SettlementKey         string `json:"settlement_key"`
	DestinationAccountRef string `json:"destination_account_ref"`
}

// SettlementInstruction asks the ledger program to execute one withdrawal.
type SettlementInstruction struct {
	Provider              string `json:"provider"`
	SettlementKey         string `json:"settlement_key"`
	DestinationAccountRef string `json:"destination_account_ref"`
}

// PoolState is the aggregate liquidity pool snapshot reported by the ledger
// and its pricing collaborator. The pipeline consumes these numbers opaquely.
type PoolState struct {
	TotalLiquidity uint64  `json:"total_liquidity"`
	TotalShares    uint64  `json:"total_shares"`
	FeeBps         uint32  `json:"fee_bps"`
	APR            float64 `json:"apr"`
}

// Client captures the ledger program calls the settlement pipeline makes.
// Implementations must return ErrNotFound (possibly wrapped) when the request
// id does not exist on the ledger.
type Client interface {
	// WithdrawalRequest fetches a pending withdrawal by id.
	WithdrawalRequest(ctx context.Context, requestID uint64) (*OnchainWithdrawal, error)
	// SubmitSettlement submits a settlement instruction. Success means the
	// instruction was accepted, not that settlement is final: completion is
	// confirmed by the event-ingestion collaborator.
	SubmitSettlement(ctx context.Context, instruction SettlementInstruction) error
	// Pool fetches the aggregate pool state.
	Pool(ctx context.Context) (*PoolState, error)
}
