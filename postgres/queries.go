package postgres

import "fmt"

const messageColumns = "id, aggregate_type, aggregate_id, event_type, payload, headers, created_at, attempt_count, status, locked_by, locked_until"

type queries struct {
	insert         string
	claim          string
	claimSince     string
	renew          string
	complete       string
	fail           string
	release        string
	countPending   string
	get            string
	reclaimExpired string
}

// owned guards a lease update. Args from n: id, locked state, owner, now.
func owned(n int) string {
	return fmt.Sprintf("id = $%d AND status = $%d AND locked_by = $%d AND locked_until > $%d", n, n+1, n+2, n+3)
}

// Claim args: locked, owner, expiry, now, pending, limit[, min created_at].
func claimQuery(table, filter string) string {
	return fmt.Sprintf(`UPDATE %[1]s SET status = $1, locked_by = $2, locked_until = $3, updated_at = $4
WHERE id IN (
	SELECT id FROM %[1]s
	WHERE (status = $5 OR (status = $1 AND locked_until <= $4))%[2]s
	ORDER BY id
	LIMIT $6
	FOR UPDATE SKIP LOCKED
)
RETURNING %[3]s`, table, filter, messageColumns)
}

func newQueries(table string) queries {
	return queries{
		insert: fmt.Sprintf(
			"INSERT INTO %s (id, aggregate_type, aggregate_id, event_type, payload, headers, status) VALUES ($1, $2, $3, $4, $5, $6, $7)",
			table,
		),
		claim:      claimQuery(table, ""),
		claimSince: claimQuery(table, " AND created_at >= $7"),
		renew: fmt.Sprintf(
			"UPDATE %s SET locked_until = $1, updated_at = $2 WHERE %s",
			table,
			owned(3),
		),
		complete: fmt.Sprintf(
			"UPDATE %s SET status = $1, processed_at = $2, updated_at = $2, last_error = NULL, locked_by = NULL, locked_until = NULL WHERE %s",
			table,
			owned(3),
		),
		fail: fmt.Sprintf(
			"UPDATE %s SET status = CASE WHEN $1::boolean OR attempt_count + 1 >= $2::integer THEN $3::smallint ELSE $4::smallint END, "+
				"attempt_count = attempt_count + 1, last_error = $5, updated_at = $6, locked_by = NULL, locked_until = NULL WHERE %s",
			table,
			owned(7),
		),
		release: fmt.Sprintf(
			"UPDATE %s SET status = $1, updated_at = $2, locked_by = NULL, locked_until = NULL WHERE %s",
			table,
			owned(3),
		),
		countPending: fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE status = $1 OR (status = $2 AND locked_until <= $3)",
			table,
		),
		get: fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", messageColumns, table),
		reclaimExpired: fmt.Sprintf(`UPDATE %[1]s SET status = $1, locked_by = NULL, locked_until = NULL, updated_at = $3
WHERE id IN (
	SELECT id FROM %[1]s
	WHERE status = $2 AND locked_until <= $3
	ORDER BY id
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)`, table),
	}
}
