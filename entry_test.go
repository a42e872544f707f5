package outbox

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEntryValidate(t *testing.T) {
	validPayload := json.RawMessage(`{"ok":true}`)

	cases := []struct {
		name  string
		entry Entry
		err   error
	}{
		{
			name:  "missing aggregate type",
			entry: Entry{EventType: "event", Payload: validPayload},
			err:   ErrAggregateTypeRequired,
		},
		{
			name:  "missing event type",
			entry: Entry{AggregateType: "order", Payload: validPayload},
			err:   ErrEventTypeRequired,
		},
		{
			name:  "missing payload",
			entry: Entry{AggregateType: "order", EventType: "event"},
			err:   ErrPayloadRequired,
		},
		{
			name:  "invalid payload",
			entry: Entry{AggregateType: "order", EventType: "event", Payload: json.RawMessage(`{`)},
			err:   ErrInvalidPayload,
		},
		{
			name:  "invalid headers",
			entry: Entry{AggregateType: "order", EventType: "event", Payload: validPayload, Headers: json.RawMessage(`{`)},
			err:   ErrInvalidHeaders,
		},
		{
			name:  "valid",
			entry: Entry{AggregateType: "order", EventType: "event", Payload: validPayload},
			err:   nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.entry.Validate()
			if tc.err == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.err != nil && err != tc.err {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestEntryValidateWithChecks(t *testing.T) {
	entry := Entry{
		AggregateType: "order",
		EventType:     "event",
		Payload:       json.RawMessage(`{`),
		Headers:       json.RawMessage(`{`),
	}

	cases := []struct {
		name   string
		checks JSONChecks
		want   error
	}{
		{name: "none", checks: CheckNone, want: nil},
		{name: "headers only", checks: CheckHeaders, want: ErrInvalidHeaders},
		{name: "payload only", checks: CheckPayload, want: ErrInvalidPayload},
		{name: "all", checks: CheckAll, want: ErrInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := entry.ValidateWith(tc.checks); err != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestJSONChecksHas(t *testing.T) {
	if !CheckAll.Has(CheckPayload) || !CheckAll.Has(CheckHeaders) {
		t.Fatalf("expected CheckAll to include both checks")
	}
	if CheckHeaders.Has(CheckAll) {
		t.Fatalf("expected CheckHeaders not to cover CheckAll")
	}
	if !CheckNone.Has(CheckNone) {
		t.Fatalf("expected empty set to be satisfied")
	}
}

func TestEntryMessageIsPending(t *testing.T) {
	id, err := UUIDv7Generator{}.New()
	if err != nil {
		t.Fatalf("generate id: %v", err)
	}
	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry := Entry{AggregateType: "order", AggregateID: "7", EventType: "order.created", Payload: json.RawMessage(`{}`)}

	msg := entry.Message(id, createdAt)
	if msg.ID != id || msg.AggregateID != "7" || msg.EventType != "order.created" {
		t.Fatalf("unexpected message fields: %+v", msg)
	}
	if msg.State != StatePending {
		t.Fatalf("expected pending state, got %s", msg.State)
	}
	if !msg.CreatedAt.Equal(createdAt) {
		t.Fatalf("expected created at %v, got %v", createdAt, msg.CreatedAt)
	}
	if msg.LockedBy != "" || !msg.LockedUntil.IsZero() {
		t.Fatalf("expected no lock on a new message")
	}
}
