package outbox

import (
	"fmt"

	"github.com/google/uuid"
)

// ID identifies an outbox message. New IDs are UUID v7 so that ordering by
// ID follows creation order.
type ID = uuid.UUID

// IDGenerator creates new identifiers.
type IDGenerator interface {
	// New returns a new identifier.
	New() (ID, error)
}

// UUIDv7Generator produces UUID v7 identifiers.
type UUIDv7Generator struct{}

// New creates a new UUID v7 identifier.
func (UUIDv7Generator) New() (ID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return ID{}, fmt.Errorf("outbox: generate id: %w", err)
	}

	return id, nil
}

// ParseID parses a canonical or 32-hex UUID string.
func ParseID(value string) (ID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %s", ErrInvalidID, value)
	}

	return id, nil
}

// NewOwnerToken returns a random token identifying one relay instance as a
// lock owner.
func NewOwnerToken() string {
	return uuid.NewString()
}
