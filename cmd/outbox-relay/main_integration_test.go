//go:build integration

package main

import (
	"context"
	"strings"
	"testing"

	outbox "github.com/velmie/outbox-lease"
	"github.com/velmie/outbox-lease/cmd/internal/testutil"
)

func TestRelayCLIDrainsContainer(t *testing.T) {
	ctx := context.Background()
	env := testutil.StartMySQLContainer(t, ctx)
	store := env.Store(t)
	ids := env.Enqueue(t, ctx, store, 3)

	bin := testutil.BuildBinary(t, ".")
	args := []string{
		"-dsn", env.DSN,
		"-owner", "relay-cli",
		"-batch", "2",
		"-lock-duration", "5s",
		"-renew-every", "1s",
		"-once",
	}
	code, logs := testutil.RunCLIContainer(t, ctx, env.Network.Name, bin, args)
	if code != 0 {
		t.Fatalf("relay exit code %d logs: %s", code, logs)
	}

	if got := env.CountByState(t, ctx, outbox.StateCompleted); got != len(ids) {
		t.Fatalf("completed count = %d, want %d", got, len(ids))
	}
	for _, id := range ids {
		if !strings.Contains(logs, id.String()) {
			t.Fatalf("message %s missing from logs: %s", id, logs)
		}
	}
}
