package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	outbox "github.com/velmie/outbox-lease"
)

const (
	maxErrorLen       = 1024
	lockFixedArgs     = 3
	placeholderGrowth = 2
)

// Executor allows enqueuing within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store implements a MySQL-backed lease outbox. Claims use a short
// READ COMMITTED transaction with SKIP LOCKED; every later update is
// guarded by the lock owner and expiry.
type Store struct {
	db      *sql.DB
	cfg     Config
	queries queries
	table   string
}

var (
	_ outbox.Store          = (*Store)(nil)
	_ outbox.PendingCounter = (*Store)(nil)
)

// NewStore constructs a MySQL store with validated configuration.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := sanitizeTableName(cfg.Table)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(table),
		table:   table,
	}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Migrate creates the outbox table with a JSON payload when it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	schema, err := Schema(s.table)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("outbox mysql: migrate failed: %w", err)
	}
	s.cfg.Logger.Info("outbox schema ready", "table", s.table)

	return nil
}

// Enqueue inserts an outbox entry using the provided executor (transaction preferred).
func (s *Store) Enqueue(ctx context.Context, exec Executor, entry outbox.Entry) (outbox.ID, error) {
	if exec == nil {
		return outbox.ID{}, ErrExecutorRequired
	}
	if err := entry.ValidateWith(s.cfg.JSONChecks); err != nil {
		return outbox.ID{}, err
	}

	id := entry.ID
	if id == (outbox.ID{}) {
		var err error
		id, err = s.cfg.Generator.New()
		if err != nil {
			return outbox.ID{}, fmt.Errorf("outbox mysql: generate id failed: %w", err)
		}
	}

	headers := any(nil)
	if len(entry.Headers) > 0 {
		headers = []byte(entry.Headers)
	}

	_, err := exec.ExecContext(
		ctx,
		s.queries.insert,
		id[:],
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		[]byte(entry.Payload),
		headers,
		outbox.StatePending,
	)
	if err != nil {
		return outbox.ID{}, fmt.Errorf("outbox mysql: insert failed: %w", err)
	}

	return id, nil
}

// Claim locks up to opts.BatchSize pending or lapsed messages for
// opts.Owner and commits immediately, so no transaction stays open while
// messages are processed.
func (s *Store) Claim(ctx context.Context, opts outbox.ClaimOptions) ([]outbox.Message, error) {
	if opts.BatchSize <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}
	if opts.Owner == "" {
		return nil, outbox.ErrOwnerRequired
	}
	if opts.LockDuration <= 0 {
		return nil, fmt.Errorf("%w: lock duration %s must be positive", outbox.ErrInvalidLockConfig, opts.LockDuration)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: begin tx failed: %w", err)
	}

	now := s.now()
	msgs, err := s.selectClaimable(ctx, tx, opts, now)
	if err != nil {
		return nil, errors.Join(err, tx.Rollback())
	}
	if len(msgs) == 0 {
		_ = tx.Rollback()

		return nil, outbox.ErrNoRecords
	}

	expiry := now.Add(opts.LockDuration)
	args := make([]any, 0, len(msgs)+lockFixedArgs)
	args = append(args, outbox.StateLocked, opts.Owner, expiry)
	for _, msg := range msgs {
		args = append(args, msg.ID[:])
	}
	if _, err := tx.ExecContext(ctx, buildLockQuery(s.table, len(msgs)), args...); err != nil {
		return nil, errors.Join(fmt.Errorf("outbox mysql: lock update failed: %w", err), tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox mysql: claim commit failed: %w", err)
	}

	for i := range msgs {
		msgs[i].State = outbox.StateLocked
		msgs[i].LockedBy = opts.Owner
		msgs[i].LockedUntil = expiry
	}

	return msgs, nil
}

func (s *Store) selectClaimable(ctx context.Context, tx *sql.Tx, opts outbox.ClaimOptions, now time.Time) ([]outbox.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if opts.MinCreatedAt.IsZero() {
		rows, err = tx.QueryContext(ctx, s.queries.selectClaimable,
			outbox.StatePending, outbox.StateLocked, now, opts.BatchSize)
	} else {
		rows, err = tx.QueryContext(ctx, s.queries.selectClaimTS,
			outbox.StatePending, outbox.StateLocked, now, createdTS(opts.MinCreatedAt), opts.BatchSize)
	}
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: select failed: %w", err)
	}
	defer rows.Close()

	msgs := make([]outbox.Message, 0, opts.BatchSize)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox mysql: rows failed: %w", err)
	}

	return msgs, nil
}

// RenewLock slides the lease to now+duration when lock.Owner still holds it.
func (s *Store) RenewLock(ctx context.Context, lock outbox.Lock, duration time.Duration) (time.Time, error) {
	return s.renewWith(ctx, s.db, lock, duration)
}

func (s *Store) renewWith(ctx context.Context, exec Executor, lock outbox.Lock, duration time.Duration) (time.Time, error) {
	now := s.now()
	expiry := now.Add(duration)
	if err := s.updateOwned(ctx, exec, "renew", s.queries.renew, lock, now, expiry); err != nil {
		return time.Time{}, err
	}

	return expiry, nil
}

// Complete marks the message completed and clears its lock.
func (s *Store) Complete(ctx context.Context, lock outbox.Lock) error {
	now := s.now()

	return s.updateOwned(ctx, s.db, "complete", s.queries.complete, lock, now, outbox.StateCompleted, now)
}

// Fail counts an attempt and returns the message to pending, or marks it
// failed when dead is set or MaxAttempts is reached.
func (s *Store) Fail(ctx context.Context, lock outbox.Lock, cause error, dead bool) error {
	return s.updateOwned(ctx, s.db, "fail", s.queries.fail, lock, s.now(),
		dead,
		s.cfg.MaxAttempts,
		outbox.StateFailed,
		outbox.StatePending,
		truncateError(cause),
	)
}

// Release returns the message to pending without counting an attempt.
func (s *Store) Release(ctx context.Context, lock outbox.Lock) error {
	return s.updateOwned(ctx, s.db, "release", s.queries.release, lock, s.now(), outbox.StatePending)
}

// updateOwned appends the ownership guard to args and reports ErrNotOwned
// when no row matched.
func (s *Store) updateOwned(
	ctx context.Context,
	exec Executor,
	op, query string,
	lock outbox.Lock,
	now time.Time,
	args ...any,
) error {
	if lock.Owner == "" {
		return outbox.ErrOwnerRequired
	}

	args = append(args, lock.MessageID[:], outbox.StateLocked, lock.Owner, now)
	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(fmt.Errorf("outbox mysql: %s failed: %w", op, err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify(fmt.Errorf("outbox mysql: %s rows failed: %w", op, err))
	}
	if affected == 0 {
		return outbox.ErrNotOwned
	}

	return nil
}

// Get returns the stored message. A lapsed lock is reported as pending.
func (s *Store) Get(ctx context.Context, id outbox.ID) (outbox.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, s.queries.get, id[:]))
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return outbox.Message{}, err
	}
	if msg.State == outbox.StateLocked && !s.now().Before(msg.LockedUntil) {
		msg.State = outbox.StatePending
	}

	return msg, nil
}

// PendingCount returns the number of claimable rows.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.queries.countPending, outbox.StatePending, outbox.StateLocked, s.now()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: pending count failed: %w", err)
	}

	return count, nil
}

// RenewalScope returns a ScopeFunc that pins a dedicated connection for the
// renewals of one claimed batch. A renewal that fails for any reason other
// than ownership drops the pinned connection, and later renewals of the
// batch go through the pool. The connection is closed with the Factory.
func (s *Store) RenewalScope(base outbox.Scope) outbox.ScopeFunc {
	return func(ctx context.Context) (outbox.Scope, error) {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return outbox.Scope{}, classify(fmt.Errorf("outbox mysql: renewal conn failed: %w", err))
		}

		renewer := &pinnedRenewer{store: s, conn: conn}
		scope := base
		scope.Store = renewer
		if scope.Clock == nil {
			scope.Clock = s.cfg.Clock
		}
		scope.Closers = append(append([]io.Closer(nil), base.Closers...), renewer)

		return scope, nil
	}
}

// pinnedRenewer renews through conn until it breaks, then through the pool.
// A *sql.Conn never reconnects, while *sql.DB retries bad connections.
type pinnedRenewer struct {
	store *Store

	mu   sync.Mutex
	conn *sql.Conn
}

func (p *pinnedRenewer) RenewLock(ctx context.Context, lock outbox.Lock, duration time.Duration) (time.Time, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return p.store.renewWith(ctx, p.store.db, lock, duration)
	}

	expiry, err := p.store.renewWith(ctx, conn, lock, duration)
	if err != nil && !errors.Is(err, outbox.ErrNotOwned) && !errors.Is(err, outbox.ErrOwnerRequired) {
		p.drop(conn, err)
	}

	return expiry, err
}

func (p *pinnedRenewer) drop(conn *sql.Conn, cause error) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.mu.Unlock()

	p.store.cfg.Logger.Debug("outbox renewal conn dropped", "err", cause)
	_ = conn.Close()
}

// Close returns the pinned connection to the pool if it is still held.
func (p *pinnedRenewer) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return nil
	}

	return conn.Close()
}

func (s *Store) now() time.Time {
	return s.cfg.Clock.Now().UTC().Truncate(time.Microsecond)
}

func scanMessage(row rowScanner) (outbox.Message, error) {
	var (
		msg         outbox.Message
		payload     []byte
		headers     []byte
		lockedBy    sql.NullString
		lockedUntil sql.NullTime
	)

	err := row.Scan(
		&msg.ID,
		&msg.AggregateType,
		&msg.AggregateID,
		&msg.EventType,
		&payload,
		&headers,
		&msg.CreatedAt,
		&msg.Attempts,
		&msg.State,
		&lockedBy,
		&lockedUntil,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Message{}, err
	}
	if err != nil {
		return outbox.Message{}, fmt.Errorf("outbox mysql: scan failed: %w", err)
	}

	msg.Payload = payload
	msg.Headers = headers
	msg.LockedBy = lockedBy.String
	if lockedUntil.Valid {
		msg.LockedUntil = lockedUntil.Time.UTC()
	}

	return msg, nil
}

func buildLockQuery(table string, count int) string {
	placeholders := makePlaceholders(count)

	return fmt.Sprintf("UPDATE %s SET status = ?, locked_by = ?, locked_until = ? WHERE id IN (%s)", table, placeholders)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*placeholderGrowth)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}

func createdTS(t time.Time) int64 {
	return t.UTC().Unix()
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}

	return string([]rune(msg)[:maxErrorLen])
}
