package postgres

import (
	"fmt"
	"strings"
)

// Schema returns idempotent DDL for the outbox table and its claim indexes.
func Schema(table string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}
	index := strings.ReplaceAll(name, ".", "_")

	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	headers JSONB NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NULL,
	locked_by TEXT NULL,
	locked_until TIMESTAMPTZ NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at TIMESTAMPTZ NULL
);
CREATE INDEX IF NOT EXISTS %[2]s_status_id_idx ON %[1]s (status, id);
CREATE INDEX IF NOT EXISTS %[2]s_status_locked_until_idx ON %[1]s (status, locked_until);`, name, index), nil
}

func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
		for _, r := range part {
			if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') {
				continue
			}

			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
	}

	return name, nil
}
