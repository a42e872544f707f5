//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	outbox "github.com/velmie/outbox-lease"
	"github.com/velmie/outbox-lease/redis"
)

func TestLeaseStoreAcquireRenewReleaseIntegration(t *testing.T) {
	ctx, client := setupIntegration(t)
	store := redis.NewLeaseStore(client)
	id := outbox.ID{0x01}

	lock, err := store.Acquire(ctx, id, "relay-a", 2*time.Second)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(2*time.Second), lock.ExpiresAt, time.Second)

	_, err = store.Acquire(ctx, id, "relay-b", 2*time.Second)
	require.ErrorIs(t, err, redis.ErrLeaseHeld)

	expiry, err := store.RenewLock(ctx, lock, 10*time.Second)
	require.NoError(t, err)
	require.True(t, expiry.After(lock.ExpiresAt))

	ttl, err := client.PTTL(ctx, "outbox:lease:"+id.String()).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, 5*time.Second)

	stolen := lock
	stolen.Owner = "relay-b"
	_, err = store.RenewLock(ctx, stolen, time.Second)
	require.ErrorIs(t, err, outbox.ErrNotOwned)
	require.ErrorIs(t, store.Release(ctx, stolen), outbox.ErrNotOwned)

	require.NoError(t, store.Release(ctx, lock))
	owner, err := store.Owner(ctx, id)
	require.NoError(t, err)
	require.Empty(t, owner)
}

func TestLeaseStoreExpiredLeaseIntegration(t *testing.T) {
	ctx, client := setupIntegration(t)
	store := redis.NewLeaseStore(client)
	id := outbox.ID{0x02}

	first, err := store.Acquire(ctx, id, "relay-a", 300*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(600 * time.Millisecond)

	_, err = store.RenewLock(ctx, first, time.Second)
	require.ErrorIs(t, err, outbox.ErrNotOwned)

	_, err = store.Acquire(ctx, id, "relay-b", time.Second)
	require.NoError(t, err)
}

func TestRenewalTimerKeepsRedisLeaseIntegration(t *testing.T) {
	ctx, client := setupIntegration(t)
	store := redis.NewLeaseStore(client)
	id := outbox.ID{0x03}

	factory, err := outbox.NewFactory(outbox.Scope{Store: store})
	require.NoError(t, err)
	defer factory.Close()

	lock, err := store.Acquire(ctx, id, "relay-a", time.Second)
	require.NoError(t, err)

	lost := make(chan error, 1)
	timer, err := factory.CreateRenewalTimer(ctx, lock, time.Second, 200*time.Millisecond, func(err error) {
		lost <- err
	})
	require.NoError(t, err)

	time.Sleep(2 * time.Second)
	owner, err := store.Owner(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "relay-a", owner)
	require.Equal(t, outbox.TimerRunning, timer.State())

	require.NoError(t, client.Set(ctx, "outbox:lease:"+id.String(), "relay-b", time.Minute).Err())
	select {
	case err := <-lost:
		require.ErrorIs(t, err, outbox.ErrLockLost)
		require.ErrorIs(t, err, outbox.ErrNotOwned)
	case <-time.After(2 * time.Second):
		t.Fatal("lease loss not reported")
	}
	<-timer.Lost()
}

func setupIntegration(t *testing.T) (context.Context, *goredis.Client) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	port := nat.Port("6379/tcp")
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{string(port)},
			WaitingFor:   wait.ForListeningPort(port).WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	client := goredis.NewClient(&goredis.Options{Addr: fmt.Sprintf("%s:%s", host, mapped.Port())})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	return ctx, client
}
