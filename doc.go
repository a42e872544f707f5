// Package outbox provides the lease core of a transactional outbox
// dispatcher: messages are claimed under a time-bounded lock, the lock is
// renewed while a handler runs, and loss of the lock is reported exactly once.
//
// Typical flow:
//  1. Within a business transaction, enqueue outbox entries using a storage-specific writer.
//  2. Run a Relay against a storage-specific Store. The Relay claims pending
//     messages for its owner token and starts a RenewalTimer per message from
//     a Factory bound to a fresh Scope.
//  3. The timer renews every renewal interval with a sliding lock duration.
//     If the store reports the lock as not owned, or transient failures
//     cannot be resolved before expiry, the handler context is cancelled
//     with ErrLockLost and the message is left for another owner.
//  4. On success the Relay completes the message; on failure it records the
//     attempt and the store returns it to pending or marks it failed.
//
// Backends live in the mysql, postgres and memory packages (full stores) and
// in the redis and mongo packages (lease stores usable through a Factory).
package outbox
