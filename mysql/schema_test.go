package mysql

import (
	"errors"
	"strings"
	"testing"
)

func TestSchemaBinary(t *testing.T) {
	schema, err := SchemaBinary("outbox")
	if err != nil {
		t.Fatalf("schema binary: %v", err)
	}
	if !strings.Contains(schema, "payload LONGBLOB") {
		t.Fatalf("expected LONGBLOB payload in schema")
	}
	if !strings.Contains(schema, "headers JSON") {
		t.Fatalf("expected JSON headers in schema")
	}
}

func TestSchemaCarriesLeaseColumns(t *testing.T) {
	schema, err := Schema("app.outbox")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS app.outbox",
		"payload JSON",
		"locked_by VARCHAR(64) NULL",
		"locked_until DATETIME(6) NULL",
		"INDEX idx_status_locked_until (status, locked_until)",
	} {
		if !strings.Contains(schema, want) {
			t.Fatalf("expected %q in schema", want)
		}
	}
}

func TestSchemaRejectsInvalidTable(t *testing.T) {
	if _, err := Schema("outbox;drop"); !errors.Is(err, ErrInvalidTableName) {
		t.Fatalf("expected ErrInvalidTableName, got %v", err)
	}
}
