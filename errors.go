package outbox

import "errors"

var (
	// ErrInvalidBatchSize indicates that the requested batch size is not positive.
	ErrInvalidBatchSize = errors.New("outbox batch size must be positive")
	// ErrNoRecords signals that no messages are available for claiming.
	ErrNoRecords = errors.New("outbox has no pending records")
	// ErrAggregateTypeRequired is returned when Entry.AggregateType is empty.
	ErrAggregateTypeRequired = errors.New("outbox aggregate type is required")
	// ErrEventTypeRequired is returned when Entry.EventType is empty.
	ErrEventTypeRequired = errors.New("outbox event type is required")
	// ErrPayloadRequired is returned when Entry.Payload is empty.
	ErrPayloadRequired = errors.New("outbox payload is required")
	// ErrInvalidPayload is returned when Entry.Payload is not valid JSON.
	ErrInvalidPayload = errors.New("outbox payload must be valid JSON")
	// ErrInvalidHeaders is returned when Entry.Headers is not valid JSON.
	ErrInvalidHeaders = errors.New("outbox headers must be valid JSON")
	// ErrInvalidID is returned when parsing or scanning an ID fails.
	ErrInvalidID = errors.New("outbox id is invalid")
	// ErrWorkerPanic indicates a relay worker panic.
	ErrWorkerPanic = errors.New("outbox worker panic")
	// ErrOwnerRequired is returned when a lock or claim carries no owner token.
	ErrOwnerRequired = errors.New("outbox lock owner is required")

	// ErrInvalidLockConfig is returned synchronously when a renewal timer is
	// requested with a non-positive lock duration or with a renewal interval
	// that is not strictly shorter than the lock duration.
	ErrInvalidLockConfig = errors.New("outbox lock renewal misconfigured")
	// ErrNotOwned is returned by a store when the lock is held by another
	// owner or has already expired.
	ErrNotOwned = errors.New("outbox lock not owned")
	// ErrLockLost wraps every cause reported through RenewalTimer.Err.
	ErrLockLost = errors.New("outbox lock lost")
	// ErrLeaseExpired indicates the lease expired before a renewal could complete.
	ErrLeaseExpired = errors.New("outbox lease expired")
	// ErrRenewRetriesExhausted indicates transient renewal failures used up all attempts.
	ErrRenewRetriesExhausted = errors.New("outbox lock renewal retries exhausted")
	// ErrFactoryClosed is returned when creating a timer from a closed Factory.
	ErrFactoryClosed = errors.New("outbox renewal timer factory closed")
	// ErrStoreRequired is returned when a Scope carries no lock store.
	ErrStoreRequired = errors.New("outbox lock store is required")
)

// TransientError marks a store failure that may succeed on retry, such as
// a dropped connection or a lock wait timeout.
type TransientError struct {
	Err error
}

// Error implements error.
func (e *TransientError) Error() string {
	if e.Err == nil {
		return "outbox transient store error"
	}

	return "outbox transient store error: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError

	return errors.As(err, &te)
}
