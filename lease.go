package outbox

import (
	"context"
	"time"
)

// Lock identifies a lease held by Owner over one message.
type Lock struct {
	MessageID ID
	Owner     string
	// ExpiresAt is the expiry granted at claim time. Zero means unknown.
	ExpiresAt time.Time
}

// Valid reports whether the lock is still unexpired at now.
func (l Lock) Valid(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.Before(l.ExpiresAt)
}

// LockRenewer extends leases. It is the only store capability a
// RenewalTimer needs.
type LockRenewer interface {
	// RenewLock pushes the lock expiry to the store's now+duration and
	// returns the new expiry. It returns ErrNotOwned when lock.Owner no
	// longer holds an unexpired lease, and a TransientError for failures
	// that may succeed on retry. Any other error is treated as loss.
	RenewLock(ctx context.Context, lock Lock, duration time.Duration) (time.Time, error)
}

// LockRenewerFunc adapts a function to LockRenewer.
type LockRenewerFunc func(ctx context.Context, lock Lock, duration time.Duration) (time.Time, error)

// RenewLock implements LockRenewer.
func (fn LockRenewerFunc) RenewLock(ctx context.Context, lock Lock, duration time.Duration) (time.Time, error) {
	return fn(ctx, lock, duration)
}
