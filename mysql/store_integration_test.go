//go:build integration

package mysql_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	outbox "github.com/velmie/outbox-lease"
	"github.com/velmie/outbox-lease/mysql"
)

func claimOpts(owner string, size int, lock time.Duration) outbox.ClaimOptions {
	return outbox.ClaimOptions{Owner: owner, BatchSize: size, LockDuration: lock}
}

func TestStoreClaimCompleteIntegration(t *testing.T) {
	ctx, db := setupIntegration(t)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)
	ids := insertEntries(t, ctx, db, store, 3)

	first, err := store.Claim(ctx, claimOpts("relay-a", 2, 30*time.Second))
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, ids[0], first[0].ID)
	require.Equal(t, ids[1], first[1].ID)
	require.Equal(t, "relay-a", first[0].LockedBy)
	require.JSONEq(t, `{"id":0}`, string(first[0].Payload))

	second, err := store.Claim(ctx, claimOpts("relay-b", 5, 30*time.Second))
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, ids[2], second[0].ID)

	_, err = store.Claim(ctx, claimOpts("relay-c", 5, 30*time.Second))
	require.ErrorIs(t, err, outbox.ErrNoRecords)

	for _, msg := range append(first, second...) {
		require.NoError(t, store.Complete(ctx, msg.Lock()))
	}
	for _, id := range ids {
		msg, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, outbox.StateCompleted, msg.State)
		require.Empty(t, msg.LockedBy)
	}
}

func TestStoreRenewLockIntegration(t *testing.T) {
	ctx, db := setupIntegration(t)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)
	insertEntries(t, ctx, db, store, 1)

	msgs, err := store.Claim(ctx, claimOpts("relay-a", 1, 30*time.Second))
	require.NoError(t, err)
	lock := msgs[0].Lock()

	expiry, err := store.RenewLock(ctx, lock, time.Minute)
	require.NoError(t, err)
	require.True(t, expiry.After(lock.ExpiresAt))

	stored, err := store.Get(ctx, lock.MessageID)
	require.NoError(t, err)
	require.True(t, stored.LockedUntil.Equal(expiry), "stored %s, returned %s", stored.LockedUntil, expiry)

	stolen := lock
	stolen.Owner = "relay-b"
	_, err = store.RenewLock(ctx, stolen, time.Minute)
	require.ErrorIs(t, err, outbox.ErrNotOwned)
}

func TestStoreLapsedLockReclaimedIntegration(t *testing.T) {
	ctx, db := setupIntegration(t)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)
	ids := insertEntries(t, ctx, db, store, 1)

	first, err := store.Claim(ctx, claimOpts("relay-a", 1, time.Second))
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	second, err := store.Claim(ctx, claimOpts("relay-b", 1, 30*time.Second))
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, ids[0], second[0].ID)

	_, err = store.RenewLock(ctx, first[0].Lock(), 30*time.Second)
	require.ErrorIs(t, err, outbox.ErrNotOwned)
	require.ErrorIs(t, store.Complete(ctx, first[0].Lock()), outbox.ErrNotOwned)
	require.NoError(t, store.Complete(ctx, second[0].Lock()))
}

func TestStoreSkipLockedIntegration(t *testing.T) {
	ctx, db := setupIntegration(t)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)
	insertEntries(t, ctx, db, store, 2)

	type result struct {
		msgs []outbox.Message
		err  error
	}
	results := make(chan result, 2)
	for _, owner := range []string{"relay-a", "relay-b"} {
		go func() {
			msgs, err := store.Claim(ctx, claimOpts(owner, 1, 30*time.Second))
			results <- result{msgs: msgs, err: err}
		}()
	}

	seen := map[outbox.ID]string{}
	for range 2 {
		res := <-results
		require.NoError(t, res.err)
		require.Len(t, res.msgs, 1)
		seen[res.msgs[0].ID] = res.msgs[0].LockedBy
	}
	require.Len(t, seen, 2)
}

func TestStoreFailureAttemptsIntegration(t *testing.T) {
	ctx, db := setupIntegration(t)

	store, err := mysql.NewStore(db, mysql.WithMaxAttempts(2))
	require.NoError(t, err)
	ids := insertEntries(t, ctx, db, store, 1)

	msgs, err := store.Claim(ctx, claimOpts("relay-a", 1, 30*time.Second))
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, msgs[0].Lock(), errors.New("boom"), false))

	state, attempts, lastError := fetchDetails(t, ctx, db, ids[0])
	require.Equal(t, outbox.StatePending, state)
	require.Equal(t, 1, attempts)
	require.Equal(t, "boom", lastError.String)

	msgs, err = store.Claim(ctx, claimOpts("relay-a", 1, 30*time.Second))
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, msgs[0].Lock(), errors.New("boom again"), false))

	state, attempts, _ = fetchDetails(t, ctx, db, ids[0])
	require.Equal(t, outbox.StateFailed, state)
	require.Equal(t, 2, attempts)

	_, err = store.Claim(ctx, claimOpts("relay-a", 1, 30*time.Second))
	require.ErrorIs(t, err, outbox.ErrNoRecords)
}

func TestStoreFailDeadIntegration(t *testing.T) {
	ctx, db := setupIntegration(t)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)
	ids := insertEntries(t, ctx, db, store, 1)

	msgs, err := store.Claim(ctx, claimOpts("relay-a", 1, 30*time.Second))
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, msgs[0].Lock(), errors.New("poison"), true))

	state, attempts, _ := fetchDetails(t, ctx, db, ids[0])
	require.Equal(t, outbox.StateFailed, state)
	require.Equal(t, 1, attempts)
}

func TestStoreReleaseIntegration(t *testing.T) {
	ctx, db := setupIntegration(t)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)
	ids := insertEntries(t, ctx, db, store, 1)

	msgs, err := store.Claim(ctx, claimOpts("relay-a", 1, 30*time.Second))
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, msgs[0].Lock()))
	require.ErrorIs(t, store.Release(ctx, msgs[0].Lock()), outbox.ErrNotOwned)

	state, attempts, _ := fetchDetails(t, ctx, db, ids[0])
	require.Equal(t, outbox.StatePending, state)
	require.Zero(t, attempts)
}

func TestRelayRenewsThroughScopeIntegration(t *testing.T) {
	ctx, db := setupIntegration(t)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)
	ids := insertEntries(t, ctx, db, store, 1)

	var stolen error
	relay, err := outbox.NewRelay(store, outbox.HandlerFunc(func(ctx context.Context, _ outbox.Message) error {
		time.Sleep(3 * time.Second)
		_, stolen = store.Claim(ctx, claimOpts("relay-b", 1, 30*time.Second))
		return nil
	}),
		outbox.WithOwner("relay-a"),
		outbox.WithLockDuration(2*time.Second, 500*time.Millisecond),
		outbox.WithScope(store.RenewalScope(outbox.Scope{})),
	)
	require.NoError(t, err)

	ok, err := relay.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, stolen, outbox.ErrNoRecords)

	msg, err := store.Get(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, outbox.StateCompleted, msg.State)
}

func setupIntegration(t *testing.T) (context.Context, *sql.DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})
	setupSchema(t, ctx, db)

	return ctx, db
}

func startMySQLContainer(t *testing.T, ctx context.Context) (testcontainers.Container, *sql.DB) {
	t.Helper()
	port := nat.Port("3306/tcp")
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0.36",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_DATABASE":      "outbox",
		},
		WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
			return fmt.Sprintf("root:secret@tcp(%s:%s)/outbox?parseTime=true", host, port.Port())
		}).WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve port: %v", err)
	}

	dsn := fmt.Sprintf("root:secret@tcp(%s:%s)/outbox?parseTime=true", host, mappedPort.Port())
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("open db: %v", err)
	}

	return container, db
}

func setupSchema(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	store, err := mysql.NewStore(db)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrate must be idempotent")
}

func insertEntries(t *testing.T, ctx context.Context, db *sql.DB, store *mysql.Store, count int) []outbox.ID {
	t.Helper()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	ids := make([]outbox.ID, 0, count)
	for i := range count {
		id, err := store.Enqueue(ctx, tx, outbox.Entry{
			AggregateType: "order",
			AggregateID:   fmt.Sprint(i),
			EventType:     "created",
			Payload:       json.RawMessage(fmt.Sprintf(`{"id":%d}`, i)),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, tx.Commit())

	return ids
}

func fetchDetails(t *testing.T, ctx context.Context, db *sql.DB, id outbox.ID) (outbox.State, int, sql.NullString) {
	t.Helper()
	var (
		state     outbox.State
		attempts  int
		lastError sql.NullString
	)
	err := db.QueryRowContext(ctx, "SELECT status, attempt_count, last_error FROM outbox WHERE id = ?", id[:]).
		Scan(&state, &attempts, &lastError)
	require.NoError(t, err)

	return state, attempts, lastError
}
