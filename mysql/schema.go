package mysql

import (
	"fmt"
)

// locked_until is DATETIME so the driver writes lease expiries verbatim in
// the connection location (UTC by default).
const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BINARY(16) NOT NULL,
	aggregate_type VARCHAR(128) NOT NULL,
	aggregate_id VARCHAR(128) NOT NULL,
	event_type VARCHAR(128) NOT NULL,
	payload %s NOT NULL,
	headers %s NULL,
	status SMALLINT NOT NULL DEFAULT 0,
	attempt_count INT NOT NULL DEFAULT 0,
	locked_by VARCHAR(64) NULL,
	locked_until DATETIME(6) NULL,
	last_error VARCHAR(1024) NULL,
	created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	processed_at DATETIME(6) NULL,
	created_ts BIGINT GENERATED ALWAYS AS (CONV(SUBSTR(HEX(id), 1, 12), 16, 10) DIV 1000) STORED,
	PRIMARY KEY (id),
	INDEX idx_status_id (status, id),
	INDEX idx_status_locked_until (status, locked_until)
);`

const (
	payloadJSON   = "JSON"
	payloadBinary = "LONGBLOB"
	headersJSON   = "JSON"
)

// Schema returns the outbox table schema with JSON payloads.
func Schema(table string) (string, error) {
	return buildSchema(table, payloadJSON)
}

// SchemaBinary returns a schema with LONGBLOB payload and JSON headers.
func SchemaBinary(table string) (string, error) {
	return buildSchema(table, payloadBinary)
}

func buildSchema(table, payloadType string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, name, payloadType, headersJSON), nil
}
