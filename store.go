package outbox

import (
	"context"
	"time"
)

// ClaimOptions controls how pending messages are claimed.
type ClaimOptions struct {
	// Owner is the token recorded as lock holder.
	Owner string
	// LockDuration is the initial lease length.
	LockDuration time.Duration
	// BatchSize caps the number of claimed messages.
	BatchSize int
	// MinCreatedAt skips messages created before it when non-zero.
	MinCreatedAt time.Time
}

// Consumer claims messages for processing.
type Consumer interface {
	// Claim locks up to BatchSize pending messages (or messages whose lock
	// expired) for opts.Owner and returns them. It returns ErrNoRecords when
	// nothing is available.
	Claim(ctx context.Context, opts ClaimOptions) ([]Message, error)
}

// Store is the full lease-based outbox contract used by the Relay.
// Every settling call is guarded by the lock owner and returns ErrNotOwned
// when the lease was lost.
type Store interface {
	Consumer
	LockRenewer
	// Complete marks the message delivered and clears the lock.
	Complete(ctx context.Context, lock Lock) error
	// Fail records a delivery failure. The message returns to pending unless
	// dead is set or its attempts reach the store's limit.
	Fail(ctx context.Context, lock Lock, cause error, dead bool) error
	// Release returns the message to pending without counting an attempt.
	Release(ctx context.Context, lock Lock) error
}

// PendingCounter provides a total count of pending messages.
type PendingCounter interface {
	// PendingCount returns the current number of pending messages.
	PendingCount(ctx context.Context) (int, error)
}
