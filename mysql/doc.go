// Package mysql provides a lease-based MySQL 8.0+ outbox store.
//
// Claim runs a short transaction:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE SKIP LOCKED over pending rows and rows whose lock lapsed
//   - ORDER BY id ASC (UUID v7 time ordering)
//   - one UPDATE stamping status, locked_by and locked_until
//
// The transaction commits before handlers run. RenewLock, Complete, Fail and
// Release are single statements guarded by locked_by and locked_until, so a
// worker whose lease lapsed gets outbox.ErrNotOwned instead of overwriting a
// newer owner. Lock wait timeouts, deadlocks and dropped connections surface
// as outbox.TransientError.
//
// See Schema/SchemaBinary for the table layout and CleanupMaintainer for
// periodic removal of settled rows.
package mysql
