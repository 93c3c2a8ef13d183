package queue

import (
	"context"
	"errors"
	"time"

	"github.com/meridian-dex/liquidityd/pkg/models"
)

// ErrNotFound is returned when no row exists for the requested id.
var ErrNotFound = errors.New("withdrawal request not found")

// ErrInvalidTransition is returned when a status update would move the state
// machine backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the durable withdrawal queue consumed by the settlement pipeline.
// It is the single source of truth for what remains to be settled; the
// pipeline keeps no state across ticks.
type Store interface {
	InitializeDB(ctx context.Context) error

	// Enqueue appends a new request row. Used by the intake path and tests.
	Enqueue(ctx context.Context, req *models.WithdrawalRequest) error

	// FindEligible returns QUEUED requests whose processing delay has elapsed
	// at now, whose backoff window is open, and whose retry budget is not
	// exhausted, ordered by ascending request id. An empty result is not an
	// error.
	FindEligible(ctx context.Context, now time.Time, delay time.Duration, maxAttempts uint32) ([]*models.WithdrawalRequest, error)

	GetRequest(ctx context.Context, requestID uint64) (*models.WithdrawalRequest, error)

	// UpdateStatus advances the request's state machine. Backward or
	// out-of-terminal transitions fail with ErrInvalidTransition.
	UpdateStatus(ctx context.Context, requestID uint64, status models.Status) error

	// RecordAttempt persists the transient-failure counters used by the
	// backoff schedule.
	RecordAttempt(ctx context.Context, requestID uint64, attempts uint32, nextAttemptAt time.Time) error

	InsertPoolSnapshot(ctx context.Context, snapshot *models.PoolSnapshot) error
	LatestPoolSnapshot(ctx context.Context) (*models.PoolSnapshot, error)

	Health(ctx context.Context) error
	Close() error
}
