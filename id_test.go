package outbox

import (
	"errors"
	"testing"
	"time"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type sequenceClock struct {
	times []time.Time
	index int
}

func (c *sequenceClock) Now() time.Time {
	if len(c.times) == 0 {
		return time.Time{}
	}
	if c.index >= len(c.times) {
		return c.times[len(c.times)-1]
	}
	t := c.times[c.index]
	c.index++

	return t
}

func TestIDStringRoundTrip(t *testing.T) {
	id, err := UUIDv7Generator{}.New()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if id.Version() != 7 {
		t.Fatalf("expected version 7, got %d", id.Version())
	}

	parsed, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("parse id: %v", err)
	}
	if parsed != id {
		t.Fatalf("expected %s, got %s", id, parsed)
	}
}

func TestIDsSortByCreation(t *testing.T) {
	gen := UUIDv7Generator{}
	prev, err := gen.New()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	for range 100 {
		next, err := gen.New()
		if err != nil {
			t.Fatalf("new id: %v", err)
		}
		if next.String() <= prev.String() {
			t.Fatalf("expected %s to sort after %s", next, prev)
		}
		prev = next
	}
}

func TestParseIDInvalid(t *testing.T) {
	_, err := ParseID("not-an-id")
	if !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestNewOwnerTokenUnique(t *testing.T) {
	if NewOwnerToken() == NewOwnerToken() {
		t.Fatalf("expected distinct owner tokens")
	}
}

func TestLockValid(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	lock := Lock{MessageID: ID{1}, Owner: "a", ExpiresAt: now.Add(time.Second)}

	if !lock.Valid(now) {
		t.Fatalf("expected lock to be valid before expiry")
	}
	if lock.Valid(now.Add(time.Second)) {
		t.Fatalf("expected lock to be invalid at expiry")
	}
	if (Lock{}).Valid(now) {
		t.Fatalf("expected zero expiry to be invalid")
	}
}
