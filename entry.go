package outbox

import (
	"encoding/json"
	"time"
)

// Entry describes a new outbox message to be persisted. Stores turn it into
// a pending Message.
type Entry struct {
	// ID is optional, if zero, the store generator assigns a UUID v7.
	ID ID
	// AggregateType is a coarse-grained stream identifier (e.g., "order").
	AggregateType string
	// AggregateID optionally identifies the stream instance (e.g., order ID).
	AggregateID string
	// EventType names the specific event (e.g., "order.created").
	EventType string
	// Payload is stored as JSON by default, binary schemas may store raw bytes.
	Payload json.RawMessage
	// Headers is optional metadata (JSON object recommended).
	Headers json.RawMessage
}

// Message builds the pending message stored for this entry.
func (e Entry) Message(id ID, createdAt time.Time) Message {
	return Message{
		ID:            id,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       e.Payload,
		Headers:       e.Headers,
		CreatedAt:     createdAt,
		State:         StatePending,
	}
}

// JSONChecks selects which entry fields must hold valid JSON.
type JSONChecks uint8

const (
	// CheckPayload requires the payload to be valid JSON.
	CheckPayload JSONChecks = 1 << iota
	// CheckHeaders requires non-empty headers to be valid JSON.
	CheckHeaders

	// CheckNone only verifies required fields.
	CheckNone JSONChecks = 0
	// CheckAll validates payload and headers.
	CheckAll = CheckPayload | CheckHeaders
)

// Has reports whether every check in other is enabled.
func (c JSONChecks) Has(other JSONChecks) bool {
	return c&other == other
}

// Validate checks required fields and validates payload and headers as JSON.
func (e Entry) Validate() error {
	return e.ValidateWith(CheckAll)
}

// ValidateWith checks required fields and runs the selected JSON checks.
// Binary payload schemas pass CheckHeaders or CheckNone.
func (e Entry) ValidateWith(checks JSONChecks) error {
	switch {
	case e.AggregateType == "":
		return ErrAggregateTypeRequired
	case e.EventType == "":
		return ErrEventTypeRequired
	case len(e.Payload) == 0:
		return ErrPayloadRequired
	case checks.Has(CheckPayload) && !json.Valid(e.Payload):
		return ErrInvalidPayload
	case checks.Has(CheckHeaders) && len(e.Headers) > 0 && !json.Valid(e.Headers):
		return ErrInvalidHeaders
	}

	return nil
}
