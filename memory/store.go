// Package memory provides an in-memory outbox Store. It follows the same
// lease rules as the SQL backends and is intended for tests and development.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	outbox "github.com/velmie/outbox-lease"
)

const defaultMaxAttempts = 5

// ErrMessageNotFound is returned by Get for unknown IDs.
var ErrMessageNotFound = errors.New("outbox memory: message not found")

var (
	_ outbox.Store          = (*Store)(nil)
	_ outbox.PendingCounter = (*Store)(nil)
)

// Config defines in-memory store behavior.
type Config struct {
	MaxAttempts int
	Clock       outbox.Clock
	Generator   outbox.IDGenerator
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Clock == nil {
		c.Clock = outbox.SystemClock{}
	}
	if c.Generator == nil {
		c.Generator = outbox.UUIDv7Generator{}
	}

	return c
}

// Option configures the store.
type Option func(*Config)

// WithMaxAttempts sets the attempt limit before a message is marked failed.
func WithMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.MaxAttempts = attempts
	}
}

// WithClock sets the time source used for lock expiry.
func WithClock(clock outbox.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithGenerator sets the ID generator.
func WithGenerator(gen outbox.IDGenerator) Option {
	return func(c *Config) {
		c.Generator = gen
	}
}

type entry struct {
	msg       outbox.Message
	lastError string
}

// Store is an in-memory lease-based outbox. Safe for concurrent use.
type Store struct {
	cfg Config

	mu       sync.Mutex
	messages map[outbox.ID]*entry
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Store{
		cfg:      cfg.withDefaults(),
		messages: make(map[outbox.ID]*entry),
	}
}

// Enqueue validates and stores a pending message.
func (s *Store) Enqueue(_ context.Context, e outbox.Entry) (outbox.ID, error) {
	if err := e.Validate(); err != nil {
		return outbox.ID{}, err
	}

	id := e.ID
	if id == (outbox.ID{}) {
		var err error
		if id, err = s.cfg.Generator.New(); err != nil {
			return outbox.ID{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[id] = &entry{msg: e.Message(id, s.cfg.Clock.Now())}

	return id, nil
}

// Get returns a copy of the stored message.
func (s *Store) Get(_ context.Context, id outbox.ID) (outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.messages[id]
	if !ok {
		return outbox.Message{}, ErrMessageNotFound
	}

	return s.view(e, s.cfg.Clock.Now()), nil
}

// LastError returns the last failure text recorded for id.
func (s *Store) LastError(id outbox.ID) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.messages[id]; ok {
		return e.lastError
	}

	return ""
}

// Claim locks up to opts.BatchSize claimable messages in ID order.
// Locked messages whose lease expired are claimable again.
func (s *Store) Claim(ctx context.Context, opts outbox.ClaimOptions) ([]outbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}
	if opts.Owner == "" {
		return nil, outbox.ErrOwnerRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	ids := make([]outbox.ID, 0, len(s.messages))
	for id, e := range s.messages {
		if !claimable(e.msg, now) {
			continue
		}
		if !opts.MinCreatedAt.IsZero() && e.msg.CreatedAt.Before(opts.MinCreatedAt) {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, outbox.ErrNoRecords
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	if len(ids) > opts.BatchSize {
		ids = ids[:opts.BatchSize]
	}

	claimed := make([]outbox.Message, 0, len(ids))
	for _, id := range ids {
		e := s.messages[id]
		e.msg.State = outbox.StateLocked
		e.msg.LockedBy = opts.Owner
		e.msg.LockedUntil = now.Add(opts.LockDuration)
		claimed = append(claimed, e.msg)
	}

	return claimed, nil
}

// RenewLock extends the lease to now+duration if lock.Owner still holds it.
func (s *Store) RenewLock(ctx context.Context, lock outbox.Lock, duration time.Duration) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, outbox.Transient(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	e, err := s.owned(lock, now)
	if err != nil {
		return time.Time{}, err
	}
	e.msg.LockedUntil = now.Add(duration)

	return e.msg.LockedUntil, nil
}

// Complete marks the message completed.
func (s *Store) Complete(_ context.Context, lock outbox.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.owned(lock, s.cfg.Clock.Now())
	if err != nil {
		return err
	}
	e.msg.State = outbox.StateCompleted
	e.lastError = ""
	unlock(&e.msg)

	return nil
}

// Fail counts an attempt and returns the message to pending, or marks it
// failed when dead is set or the attempt limit is reached.
func (s *Store) Fail(_ context.Context, lock outbox.Lock, cause error, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.owned(lock, s.cfg.Clock.Now())
	if err != nil {
		return err
	}
	e.msg.Attempts++
	if cause != nil {
		e.lastError = cause.Error()
	}
	e.msg.State = outbox.StatePending
	if dead || e.msg.Attempts >= s.cfg.MaxAttempts {
		e.msg.State = outbox.StateFailed
	}
	unlock(&e.msg)

	return nil
}

// Release returns the message to pending without counting an attempt.
func (s *Store) Release(_ context.Context, lock outbox.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.owned(lock, s.cfg.Clock.Now())
	if err != nil {
		return err
	}
	e.msg.State = outbox.StatePending
	unlock(&e.msg)

	return nil
}

// PendingCount counts claimable messages.
func (s *Store) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	count := 0
	for _, e := range s.messages {
		if claimable(e.msg, now) {
			count++
		}
	}

	return count, nil
}

func (s *Store) owned(lock outbox.Lock, now time.Time) (*entry, error) {
	e, ok := s.messages[lock.MessageID]
	if !ok {
		return nil, outbox.ErrNotOwned
	}
	if e.msg.State != outbox.StateLocked || e.msg.LockedBy != lock.Owner || !now.Before(e.msg.LockedUntil) {
		return nil, outbox.ErrNotOwned
	}

	return e, nil
}

// view reports an expired lock as pending, matching what Claim would see.
func (s *Store) view(e *entry, now time.Time) outbox.Message {
	msg := e.msg
	if msg.State == outbox.StateLocked && !now.Before(msg.LockedUntil) {
		msg.State = outbox.StatePending
	}

	return msg
}

func claimable(msg outbox.Message, now time.Time) bool {
	switch msg.State {
	case outbox.StatePending:
		return true
	case outbox.StateLocked:
		return !now.Before(msg.LockedUntil)
	default:
		return false
	}
}

func unlock(msg *outbox.Message) {
	msg.LockedBy = ""
	msg.LockedUntil = time.Time{}
}
