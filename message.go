package outbox

import (
	"encoding/json"
	"time"
)

// State represents the lifecycle state of an outbox message.
type State int16

const (
	// StatePending indicates the message is ready to be claimed.
	StatePending State = 0
	// StateLocked indicates a relay holds a lease on the message.
	StateLocked State = 1
	// StateCompleted indicates the message was delivered successfully.
	StateCompleted State = 2
	// StateFailed indicates the message exceeded its attempts or was dead-lettered.
	StateFailed State = -1
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLocked:
		return "locked"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is a stored outbox message claimed for processing.
type Message struct {
	ID            ID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Headers       json.RawMessage
	CreatedAt     time.Time
	Attempts      int
	State         State
	LockedBy      string
	LockedUntil   time.Time
}

// Lock returns the lock the claiming owner holds on the message.
func (m Message) Lock() Lock {
	return Lock{MessageID: m.ID, Owner: m.LockedBy, ExpiresAt: m.LockedUntil}
}

// Failure captures a processing error for a message.
type Failure struct {
	ID  ID
	Err error
}
