// Package mongo keeps message leases in a MongoDB collection.
//
// Each lease is one document keyed by the message ID. Acquire upserts over
// an expired or missing lease, so a duplicate key error means another owner
// holds it. RenewLock is a FindOneAndUpdate guarded by owner and expiry and
// reports outbox.ErrNotOwned when nothing matched. Network errors, timeouts,
// write conflicts and retryable-write failures surface as
// outbox.TransientError.
package mongo
