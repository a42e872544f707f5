package mysql

import "fmt"

const messageColumns = "id, aggregate_type, aggregate_id, event_type, payload, headers, created_at, attempt_count, status, locked_by, locked_until"

// claimable matches pending rows and rows whose lease has lapsed.
// Args: pending, locked, now.
const claimable = "(status = ? OR (status = ? AND locked_until <= ?))"

// owned guards every lease update. Args: id, locked, owner, now.
const owned = "id = ? AND status = ? AND locked_by = ? AND locked_until > ?"

type queries struct {
	insert          string
	selectClaimable string
	selectClaimTS   string
	renew           string
	complete        string
	fail            string
	release         string
	countPending    string
	get             string
	reclaimExpired  string

	cleanupCompleted string
	cleanupFailed    string
}

func newQueries(table string) queries {
	return queries{
		insert: fmt.Sprintf(
			"INSERT INTO %s (id, aggregate_type, aggregate_id, event_type, payload, headers, status) VALUES (?, ?, ?, ?, ?, ?, ?)",
			table,
		),
		selectClaimable: fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s ORDER BY id ASC LIMIT ? FOR UPDATE SKIP LOCKED",
			messageColumns,
			table,
			claimable,
		),
		selectClaimTS: fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s AND created_ts >= ? ORDER BY id ASC LIMIT ? FOR UPDATE SKIP LOCKED",
			messageColumns,
			table,
			claimable,
		),
		renew: fmt.Sprintf(
			"UPDATE %s SET locked_until = ? WHERE %s",
			table,
			owned,
		),
		complete: fmt.Sprintf(
			"UPDATE %s SET status = ?, processed_at = ?, last_error = NULL, locked_by = NULL, locked_until = NULL WHERE %s",
			table,
			owned,
		),
		// status is assigned before attempt_count: MySQL evaluates SET
		// assignments left to right against already updated values.
		fail: fmt.Sprintf(
			"UPDATE %s SET status = CASE WHEN ? OR attempt_count + 1 >= ? THEN ? ELSE ? END, "+
				"attempt_count = attempt_count + 1, last_error = ?, locked_by = NULL, locked_until = NULL WHERE %s",
			table,
			owned,
		),
		release: fmt.Sprintf(
			"UPDATE %s SET status = ?, locked_by = NULL, locked_until = NULL WHERE %s",
			table,
			owned,
		),
		countPending: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, claimable),
		get:          fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", messageColumns, table),
		reclaimExpired: fmt.Sprintf(
			"UPDATE %s SET status = ?, locked_by = NULL, locked_until = NULL WHERE status = ? AND locked_until <= ? ORDER BY id LIMIT ?",
			table,
		),
		// Completed rows age by processed_at, failed rows by their last update.
		cleanupCompleted: fmt.Sprintf(
			"DELETE FROM %s WHERE status = ? AND processed_at IS NOT NULL AND processed_at <= ? ORDER BY id LIMIT ?",
			table,
		),
		cleanupFailed: fmt.Sprintf(
			"DELETE FROM %s WHERE status = ? AND updated_at <= ? ORDER BY id LIMIT ?",
			table,
		),
	}
}
