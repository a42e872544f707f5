// Package postgres provides a lease-based PostgreSQL outbox store on pgx/v5.
//
// Claim is one UPDATE over a SELECT ... FOR UPDATE SKIP LOCKED sub-query, so
// concurrent relays never block on each other's rows and no transaction is
// held while messages are processed. Lease updates are guarded by locked_by
// and locked_until and report outbox.ErrNotOwned when no row matched.
// Serialization failures, deadlocks, lock timeouts and connection failures
// surface as outbox.TransientError.
package postgres
