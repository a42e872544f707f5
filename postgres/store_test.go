package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	outbox "github.com/velmie/outbox-lease"
	"github.com/velmie/outbox-lease/backoff"
)

type fakeRow struct {
	err error
}

func (r fakeRow) Scan(...any) error { return r.err }

type fakeDB struct {
	sql  string
	args []any
	tag  pgconn.CommandTag
	err  error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = args

	return f.tag, f.err
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("query not supported")
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.sql = sql
	f.args = args

	return fakeRow{err: pgx.ErrNoRows}
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func updated(n int) pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", n))
}

func newTestStore(t *testing.T, db DB, opts ...Option) *Store {
	t.Helper()
	store, err := NewStore(db, opts...)
	require.NoError(t, err)

	return store
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(nil)
	require.ErrorIs(t, err, ErrDBRequired)

	_, err = NewStore(&fakeDB{}, WithTable("bad-name"))
	require.ErrorIs(t, err, ErrInvalidTableName)

	_, err = NewStore(&fakeDB{}, WithTable("Events"))
	require.ErrorIs(t, err, ErrInvalidTableName)
}

func TestStoreEnqueue(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("INSERT 0 1")}
	store := newTestStore(t, db)
	id := outbox.ID{0x07}

	got, err := store.Enqueue(context.Background(), db, outbox.Entry{
		ID:            id,
		AggregateType: "order",
		EventType:     "created",
		Payload:       []byte(`{"id":1}`),
	})
	require.NoError(t, err)
	require.Equal(t, id, got)
	require.Len(t, db.args, 7)
	require.Equal(t, id, db.args[0])
	require.Nil(t, db.args[5])
	require.Equal(t, int16(outbox.StatePending), db.args[6])
}

func TestStoreEnqueueValidates(t *testing.T) {
	store := newTestStore(t, &fakeDB{})

	_, err := store.Enqueue(context.Background(), nil, outbox.Entry{})
	require.ErrorIs(t, err, ErrExecutorRequired)

	_, err = store.Enqueue(context.Background(), &fakeDB{}, outbox.Entry{
		AggregateType: "order",
		EventType:     "created",
		Payload:       []byte(`{`),
	})
	require.ErrorIs(t, err, outbox.ErrInvalidPayload)
}

func TestStoreRenewGuardsOwnerAndExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 123456789, time.UTC)
	db := &fakeDB{tag: updated(1)}
	store := newTestStore(t, db, WithClock(fixedClock{now: now}))
	lock := outbox.Lock{MessageID: outbox.ID{0x03}, Owner: "relay-a"}

	expiry, err := store.RenewLock(context.Background(), lock, 30*time.Second)
	require.NoError(t, err)

	truncated := now.Truncate(time.Microsecond)
	require.Equal(t, truncated.Add(30*time.Second), expiry)
	require.Contains(t, db.sql, "locked_by = $5 AND locked_until > $6")
	require.Equal(t, []any{expiry, truncated, lock.MessageID, int16(outbox.StateLocked), "relay-a", truncated}, db.args)
}

func TestStoreUpdatesReportNotOwned(t *testing.T) {
	db := &fakeDB{tag: updated(0)}
	store := newTestStore(t, db)
	lock := outbox.Lock{MessageID: outbox.ID{1}, Owner: "relay-a"}
	ctx := context.Background()

	_, err := store.RenewLock(ctx, lock, time.Second)
	require.ErrorIs(t, err, outbox.ErrNotOwned)
	require.ErrorIs(t, store.Complete(ctx, lock), outbox.ErrNotOwned)
	require.ErrorIs(t, store.Fail(ctx, lock, errors.New("boom"), false), outbox.ErrNotOwned)
	require.ErrorIs(t, store.Release(ctx, lock), outbox.ErrNotOwned)
}

func TestStoreUpdatesRequireOwner(t *testing.T) {
	store := newTestStore(t, &fakeDB{tag: updated(1)})

	_, err := store.RenewLock(context.Background(), outbox.Lock{MessageID: outbox.ID{1}}, time.Second)
	require.ErrorIs(t, err, outbox.ErrOwnerRequired)
}

func TestStoreFailArgs(t *testing.T) {
	db := &fakeDB{tag: updated(1)}
	store := newTestStore(t, db, WithMaxAttempts(3))

	err := store.Fail(context.Background(), outbox.Lock{MessageID: outbox.ID{1}, Owner: "a"}, errors.New("boom"), true)
	require.NoError(t, err)
	require.Len(t, db.args, 10)
	require.Equal(t, true, db.args[0])
	require.Equal(t, 3, db.args[1])
	require.Equal(t, int16(outbox.StateFailed), db.args[2])
	require.Equal(t, int16(outbox.StatePending), db.args[3])
	require.Equal(t, "boom", db.args[4])
	require.True(t, strings.HasSuffix(db.sql, "WHERE "+owned(7)))
}

func TestStoreClassifiesErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "deadlock", err: &pgconn.PgError{Code: codeDeadlockDetected}, transient: true},
		{name: "serialization", err: &pgconn.PgError{Code: codeSerializationFailure}, transient: true},
		{name: "lock not available", err: &pgconn.PgError{Code: codeLockNotAvailable}, transient: true},
		{name: "statement timeout", err: &pgconn.PgError{Code: codeQueryCanceled}, transient: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, transient: true},
		{name: "undefined table", err: &pgconn.PgError{Code: "42P01"}, transient: false},
		{name: "other", err: errors.New("boom"), transient: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t, &fakeDB{err: tc.err})

			_, err := store.RenewLock(context.Background(), outbox.Lock{MessageID: outbox.ID{1}, Owner: "a"}, time.Second)
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, tc.transient, outbox.IsTransient(err), "err: %v", err)
		})
	}
}

func TestStoreClaimValidation(t *testing.T) {
	store := newTestStore(t, &fakeDB{})
	ctx := context.Background()

	_, err := store.Claim(ctx, outbox.ClaimOptions{Owner: "a", LockDuration: time.Second})
	require.ErrorIs(t, err, outbox.ErrInvalidBatchSize)
	_, err = store.Claim(ctx, outbox.ClaimOptions{BatchSize: 1, LockDuration: time.Second})
	require.ErrorIs(t, err, outbox.ErrOwnerRequired)
	_, err = store.Claim(ctx, outbox.ClaimOptions{BatchSize: 1, Owner: "a"})
	require.ErrorIs(t, err, outbox.ErrInvalidLockConfig)
}

func TestStoreGetNotFound(t *testing.T) {
	store := newTestStore(t, &fakeDB{})

	_, err := store.Get(context.Background(), outbox.ID{9})
	require.ErrorIs(t, err, ErrMessageNotFound)
}

func TestStoreReclaimExpiredDefaultsLimit(t *testing.T) {
	db := &fakeDB{tag: updated(4)}
	store := newTestStore(t, db)

	n, err := store.ReclaimExpired(context.Background(), 0)
	require.NoError(t, err)
	require.EqualValues(t, 4, n)
	require.Equal(t, defaultReclaimLimit, db.args[3])
}

func TestRenewalScopeWithoutPoolUsesStore(t *testing.T) {
	store := newTestStore(t, &fakeDB{tag: updated(1)})

	scope, err := store.RenewalScope(outbox.Scope{})(context.Background())
	require.NoError(t, err)
	require.Same(t, store, scope.Store)
	require.Empty(t, scope.Closers)
	require.NotNil(t, scope.Clock)
}

// retryableError mimics pgconn's errors for a connection that closed
// before the statement was sent.
type retryableError struct{}

func (retryableError) Error() string     { return "conn closed" }
func (retryableError) SafeToRetry() bool { return true }

type fakeConn struct {
	execs    int
	released int
	tag      pgconn.CommandTag
	err      error
}

func (c *fakeConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	c.execs++

	return c.tag, c.err
}

func (c *fakeConn) Release() { c.released++ }

func renewalLock() outbox.Lock {
	return outbox.Lock{MessageID: outbox.ID{0x07}, Owner: "relay-a"}
}

func TestPinnedRenewerRenewsOnConn(t *testing.T) {
	db := &fakeDB{tag: updated(1)}
	conn := &fakeConn{tag: updated(1)}
	renewer := &pinnedRenewer{store: newTestStore(t, db), conn: conn}

	for range 3 {
		_, err := renewer.RenewLock(context.Background(), renewalLock(), time.Minute)
		require.NoError(t, err)
	}
	require.Equal(t, 3, conn.execs)
	require.Empty(t, db.sql, "pool must not be used while the pinned conn works")

	require.NoError(t, renewer.Close())
	require.NoError(t, renewer.Close())
	require.Equal(t, 1, conn.released)
}

func TestPinnedRenewerFallsBackToPoolAfterClosedConn(t *testing.T) {
	db := &fakeDB{tag: updated(1)}
	conn := &fakeConn{err: retryableError{}}
	store := newTestStore(t, db)
	renewer := &pinnedRenewer{store: store, conn: conn}

	_, err := renewer.RenewLock(context.Background(), renewalLock(), time.Minute)
	require.True(t, outbox.IsTransient(err), "err: %v", err)
	require.Equal(t, 1, conn.released)

	_, err = renewer.RenewLock(context.Background(), renewalLock(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, conn.execs, "closed conn must not be reused")
	require.Equal(t, store.queries.renew, db.sql)

	require.NoError(t, renewer.Close())
	require.Equal(t, 1, conn.released)
}

func TestPinnedRenewerKeepsConnWhenNotOwned(t *testing.T) {
	conn := &fakeConn{tag: updated(0)}
	renewer := &pinnedRenewer{store: newTestStore(t, &fakeDB{}), conn: conn}

	_, err := renewer.RenewLock(context.Background(), renewalLock(), time.Minute)
	require.ErrorIs(t, err, outbox.ErrNotOwned)
	require.Zero(t, conn.released)
	require.NotNil(t, renewer.conn)
}

func TestPinnedRenewerKeepsLeaseAcrossClosedConn(t *testing.T) {
	conn := &fakeConn{err: retryableError{}}
	renewer := &pinnedRenewer{store: newTestStore(t, &fakeDB{tag: updated(1)}), conn: conn}

	factory, err := outbox.NewFactory(outbox.Scope{Store: renewer, Closers: []io.Closer{renewer}},
		outbox.WithRenewBackoff(backoff.NewConstant(10*time.Millisecond)),
	)
	require.NoError(t, err)

	lost := make(chan error, 1)
	timer, err := factory.CreateRenewalTimer(context.Background(), renewalLock(), 5*time.Second, 50*time.Millisecond,
		func(err error) { lost <- err })
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	select {
	case err := <-lost:
		t.Fatalf("lease lost after one closed connection: %v", err)
	default:
	}
	require.True(t, timer.Active())

	factory.Close()
	require.Equal(t, 1, conn.released)
}

func TestClaimQueryShape(t *testing.T) {
	q := newQueries("outbox")

	require.Contains(t, q.claim, "FOR UPDATE SKIP LOCKED")
	require.Contains(t, q.claim, "status = $5 OR (status = $1 AND locked_until <= $4)")
	require.NotContains(t, q.claim, "$7")
	require.Contains(t, q.claimSince, "created_at >= $7")
}
