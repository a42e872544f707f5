package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	outbox "github.com/velmie/outbox-lease"
)

const (
	// DefaultCollection is the lease collection name used by NewLeaseStore callers.
	DefaultCollection = "outbox_leases"

	codeWriteConflict   = 112
	labelRetryableWrite = "RetryableWriteError"
	labelTransientTxn   = "TransientTransactionError"
	expiryIndexName     = "locked_until_ttl"
)

var (
	// ErrCollectionRequired is returned when a nil collection is provided.
	ErrCollectionRequired = errors.New("outbox mongo: collection is required")
	// ErrLeaseHeld is returned by Acquire when another owner holds the lease.
	ErrLeaseHeld = errors.New("outbox mongo: lease held by another owner")
)

type leaseDoc struct {
	ID          string    `bson:"_id"`
	Owner       string    `bson:"owner"`
	LockedUntil time.Time `bson:"locked_until"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// LeaseStore implements outbox.LockRenewer on a MongoDB collection.
type LeaseStore struct {
	col   *mongod.Collection
	clock outbox.Clock
}

var _ outbox.LockRenewer = (*LeaseStore)(nil)

// Option configures a LeaseStore.
type Option func(*LeaseStore)

// WithClock sets the time source for lease expiry.
func WithClock(clock outbox.Clock) Option {
	return func(s *LeaseStore) {
		s.clock = clock
	}
}

// NewLeaseStore creates a lease store over col. The caller owns the client.
func NewLeaseStore(col *mongod.Collection, opts ...Option) (*LeaseStore, error) {
	if col == nil {
		return nil, ErrCollectionRequired
	}

	s := &LeaseStore{col: col, clock: outbox.SystemClock{}}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// EnsureIndexes adds a TTL index that lets MongoDB drop leases that stayed
// expired for longer than grace.
func (s *LeaseStore) EnsureIndexes(ctx context.Context, grace time.Duration) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongod.IndexModel{
		Keys: bson.D{{Key: "locked_until", Value: 1}},
		Options: options.Index().
			SetName(expiryIndexName).
			SetExpireAfterSeconds(int32(grace / time.Second)),
	})
	if err != nil {
		return fmt.Errorf("outbox mongo: ensure indexes: %w", err)
	}

	return nil
}

// Acquire takes the lease on id for owner when it is missing or expired.
func (s *LeaseStore) Acquire(ctx context.Context, id outbox.ID, owner string, duration time.Duration) (outbox.Lock, error) {
	if owner == "" {
		return outbox.Lock{}, outbox.ErrOwnerRequired
	}
	if duration <= 0 {
		return outbox.Lock{}, fmt.Errorf("%w: lock duration %s must be positive", outbox.ErrInvalidLockConfig, duration)
	}

	now := s.now()
	expiry := now.Add(duration)
	_, err := s.col.UpdateOne(ctx,
		bson.M{"_id": id.String(), "locked_until": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{
			"owner":        owner,
			"locked_until": expiry,
			"updated_at":   now,
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if mongod.IsDuplicateKeyError(err) {
		return outbox.Lock{}, ErrLeaseHeld
	}
	if err != nil {
		return outbox.Lock{}, classify(fmt.Errorf("outbox mongo: acquire: %w", err))
	}

	return outbox.Lock{MessageID: id, Owner: owner, ExpiresAt: expiry}, nil
}

// RenewLock moves the lease expiry to now+duration when lock.Owner still
// holds an unexpired lease and returns the stored expiry.
func (s *LeaseStore) RenewLock(ctx context.Context, lock outbox.Lock, duration time.Duration) (time.Time, error) {
	if lock.Owner == "" {
		return time.Time{}, outbox.ErrOwnerRequired
	}

	now := s.now()
	var doc leaseDoc
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{
			"_id":          lock.MessageID.String(),
			"owner":        lock.Owner,
			"locked_until": bson.M{"$gt": now},
		},
		bson.M{"$set": bson.M{
			"locked_until": now.Add(duration),
			"updated_at":   now,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongod.ErrNoDocuments) {
		return time.Time{}, outbox.ErrNotOwned
	}
	if err != nil {
		return time.Time{}, classify(fmt.Errorf("outbox mongo: renew: %w", err))
	}

	return doc.LockedUntil.UTC(), nil
}

// Release deletes the lease when lock.Owner still holds it.
func (s *LeaseStore) Release(ctx context.Context, lock outbox.Lock) error {
	if lock.Owner == "" {
		return outbox.ErrOwnerRequired
	}

	res, err := s.col.DeleteOne(ctx, bson.M{"_id": lock.MessageID.String(), "owner": lock.Owner})
	if err != nil {
		return classify(fmt.Errorf("outbox mongo: release: %w", err))
	}
	if res.DeletedCount == 0 {
		return outbox.ErrNotOwned
	}

	return nil
}

// Owner returns the holder of an unexpired lease, or "" when it is free.
func (s *LeaseStore) Owner(ctx context.Context, id outbox.ID) (string, error) {
	var doc leaseDoc
	err := s.col.FindOne(ctx, bson.M{"_id": id.String(), "locked_until": bson.M{"$gt": s.now()}}).Decode(&doc)
	if errors.Is(err, mongod.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", classify(fmt.Errorf("outbox mongo: owner: %w", err))
	}

	return doc.Owner, nil
}

// BSON dates carry millisecond precision.
func (s *LeaseStore) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongod.IsNetworkError(err) || mongod.IsTimeout(err) {
		return outbox.Transient(err)
	}

	var se mongod.ServerError
	if errors.As(err, &se) {
		if se.HasErrorCode(codeWriteConflict) ||
			se.HasErrorLabel(labelRetryableWrite) ||
			se.HasErrorLabel(labelTransientTxn) {
			return outbox.Transient(err)
		}
	}

	return err
}
