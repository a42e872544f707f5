package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	outbox "github.com/velmie/outbox-lease"
)

const defaultPrefix = "outbox:lease:"

// acquireScript sets the key only when absent and returns the expiry in
// Unix milliseconds, or 0 when the key exists.
var acquireScript = goredis.NewScript(`
if not redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	return 0
end
local t = redis.call("TIME")
return t[1] * 1000 + math.floor(t[2] / 1000) + tonumber(ARGV[2])
`)

// renewScript extends the TTL when ARGV[1] owns the key.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
local t = redis.call("TIME")
return t[1] * 1000 + math.floor(t[2] / 1000) + tonumber(ARGV[2])
`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
return redis.call("DEL", KEYS[1])
`)

// LeaseStore implements outbox.LockRenewer on Redis keys.
type LeaseStore struct {
	client goredis.Cmdable
	prefix string
}

var _ outbox.LockRenewer = (*LeaseStore)(nil)

// Option configures a LeaseStore.
type Option func(*LeaseStore)

// WithPrefix sets the key prefix. Defaults to "outbox:lease:".
func WithPrefix(prefix string) Option {
	return func(s *LeaseStore) {
		s.prefix = prefix
	}
}

// NewLeaseStore creates a lease store. The caller owns the client lifecycle.
func NewLeaseStore(client goredis.Cmdable, opts ...Option) *LeaseStore {
	if client == nil {
		panic(ErrClientRequired)
	}

	s := &LeaseStore{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Acquire takes the lease on id for owner. It returns ErrLeaseHeld while
// another owner holds an unexpired lease.
func (s *LeaseStore) Acquire(ctx context.Context, id outbox.ID, owner string, duration time.Duration) (outbox.Lock, error) {
	if owner == "" {
		return outbox.Lock{}, outbox.ErrOwnerRequired
	}
	if err := validDuration(duration); err != nil {
		return outbox.Lock{}, err
	}

	expiry, err := s.run(ctx, acquireScript, "acquire", id, owner, duration.Milliseconds())
	if err != nil {
		return outbox.Lock{}, err
	}
	if expiry.IsZero() {
		return outbox.Lock{}, ErrLeaseHeld
	}

	return outbox.Lock{MessageID: id, Owner: owner, ExpiresAt: expiry}, nil
}

// RenewLock extends the lease to the server's now+duration when lock.Owner
// still holds it.
func (s *LeaseStore) RenewLock(ctx context.Context, lock outbox.Lock, duration time.Duration) (time.Time, error) {
	if lock.Owner == "" {
		return time.Time{}, outbox.ErrOwnerRequired
	}
	if err := validDuration(duration); err != nil {
		return time.Time{}, err
	}

	expiry, err := s.run(ctx, renewScript, "renew", lock.MessageID, lock.Owner, duration.Milliseconds())
	if err != nil {
		return time.Time{}, err
	}
	if expiry.IsZero() {
		return time.Time{}, outbox.ErrNotOwned
	}

	return expiry, nil
}

// Release deletes the lease when lock.Owner still holds it.
func (s *LeaseStore) Release(ctx context.Context, lock outbox.Lock) error {
	if lock.Owner == "" {
		return outbox.ErrOwnerRequired
	}

	n, err := releaseScript.Run(ctx, s.client, []string{s.key(lock.MessageID)}, lock.Owner).Int64()
	if err != nil {
		return classify(fmt.Errorf("outbox redis: release: %w", err))
	}
	if n == 0 {
		return outbox.ErrNotOwned
	}

	return nil
}

// Owner returns the current lease holder, or "" when the lease is free.
func (s *LeaseStore) Owner(ctx context.Context, id outbox.ID) (string, error) {
	owner, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", classify(fmt.Errorf("outbox redis: owner: %w", err))
	}

	return owner, nil
}

func (s *LeaseStore) run(ctx context.Context, script *goredis.Script, op string, id outbox.ID, owner string, ttl int64) (time.Time, error) {
	ms, err := script.Run(ctx, s.client, []string{s.key(id)}, owner, ttl).Int64()
	if err != nil {
		return time.Time{}, classify(fmt.Errorf("outbox redis: %s: %w", op, err))
	}
	if ms == 0 {
		return time.Time{}, nil
	}

	return time.UnixMilli(ms).UTC(), nil
}

func (s *LeaseStore) key(id outbox.ID) string {
	return s.prefix + id.String()
}

// validDuration rejects durations Redis would expire immediately: PX takes
// whole milliseconds.
func validDuration(duration time.Duration) error {
	if duration < time.Millisecond {
		return fmt.Errorf("%w: lock duration %s must be at least 1ms", outbox.ErrInvalidLockConfig, duration)
	}

	return nil
}
