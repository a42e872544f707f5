//go:build integration

package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/go-sql-driver/mysql"

	outbox "github.com/velmie/outbox-lease"
	"github.com/velmie/outbox-lease/mysql"
)

const (
	defaultMySQLImage   = "mysql:8.0.36"
	mysqlImageEnv       = "OUTBOX_TEST_MYSQL_IMAGE"
	mysqlAlias          = "mysql"
	mysqlDatabase       = "outbox"
	mysqlStartupTimeout = 2 * time.Minute
	cliContainerImage   = "alpine:3.20"
	cliContainerPath    = "/cli"
	cliExitTimeout      = 2 * time.Minute
)

// MySQLContainer is a MySQL server reachable from the host via DB and from
// CLI containers on Network via DSN.
type MySQLContainer struct {
	Container testcontainers.Container
	Network   *testcontainers.DockerNetwork
	DB        *sql.DB
	DSN       string
}

// mysqlDSN addresses the test database as root. The relay and cleanup
// commands rely on parseTime for DATETIME lease columns.
func mysqlDSN(host, port string) string {
	return fmt.Sprintf("root:secret@tcp(%s:%s)/%s?parseTime=true", host, port, mysqlDatabase)
}

func mysqlImage() string {
	if image := os.Getenv(mysqlImageEnv); image != "" {
		return image
	}

	return defaultMySQLImage
}

// StartMySQLContainer starts MySQL on a fresh network and migrates the outbox
// table. The test is skipped when Docker is unavailable. The image can be
// overridden with OUTBOX_TEST_MYSQL_IMAGE.
func StartMySQLContainer(t *testing.T, ctx context.Context) MySQLContainer {
	t.Helper()

	nw, err := network.New(ctx)
	if err != nil {
		t.Skipf("create network: %v", err)
	}
	t.Cleanup(func() { _ = nw.Remove(ctx) })

	port := nat.Port("3306/tcp")
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:          mysqlImage(),
			ExposedPorts:   []string{string(port)},
			Env:            map[string]string{"MYSQL_ROOT_PASSWORD": "secret", "MYSQL_DATABASE": mysqlDatabase},
			Networks:       []string{nw.Name},
			NetworkAliases: map[string][]string{nw.Name: {mysqlAlias}},
			WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
				return mysqlDSN(host, port.Port())
			}).WithStartupTimeout(mysqlStartupTimeout),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("resolve host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("resolve port: %v", err)
	}
	db, err := sql.Open("mysql", mysqlDSN(host, mapped.Port()))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c := MySQLContainer{
		Container: container,
		Network:   nw,
		DB:        db,
		DSN:       mysqlDSN(mysqlAlias, port.Port()),
	}
	if err := c.Store(t).Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return c
}

// Store opens a lease store over the container database.
func (c MySQLContainer) Store(t *testing.T, opts ...mysql.Option) *mysql.Store {
	t.Helper()
	store, err := mysql.NewStore(c.DB, opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	return store
}

// Enqueue commits count pending messages in one transaction.
func (c MySQLContainer) Enqueue(t *testing.T, ctx context.Context, store *mysql.Store, count int) []outbox.ID {
	t.Helper()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}

	ids := make([]outbox.ID, 0, count)
	for i := range count {
		id, err := store.Enqueue(ctx, tx, outbox.Entry{
			AggregateType: "order",
			AggregateID:   fmt.Sprint(i),
			EventType:     "created",
			Payload:       []byte(fmt.Sprintf(`{"id":%d}`, i)),
		})
		if err != nil {
			_ = tx.Rollback()
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	return ids
}

// CountByState counts rows in the given state.
func (c MySQLContainer) CountByState(t *testing.T, ctx context.Context, state outbox.State) int {
	t.Helper()
	var count int
	err := c.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox WHERE status = ?", state).Scan(&count)
	if err != nil {
		t.Fatalf("count %s: %v", state, err)
	}

	return count
}

// BuildBinary compiles pkg for linux so it can run inside a CLI container.
func BuildBinary(t *testing.T, pkg string) string {
	t.Helper()

	name := filepath.Base(pkg)
	if name == "." {
		wd, err := os.Getwd()
		if err != nil {
			t.Fatalf("resolve working dir: %v", err)
		}
		name = filepath.Base(wd)
	}
	bin := filepath.Join(t.TempDir(), name)
	cmd := exec.Command("go", "build", "-o", bin, pkg)
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=0",
		"GOOS=linux",
		"GOARCH="+runtime.GOARCH,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build %s: %v\n%s", pkg, err, string(out))
	}

	return bin
}

// RunCLIContainer runs the binary with args on the network and returns its
// exit code and combined logs.
func RunCLIContainer(t *testing.T, ctx context.Context, networkName, binaryPath string, args []string) (int, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:      cliContainerImage,
		Entrypoint: []string{cliContainerPath},
		Cmd:        args,
		Networks:   []string{networkName},
		Files: []testcontainers.ContainerFile{
			{
				HostFilePath:      binaryPath,
				ContainerFilePath: cliContainerPath,
				FileMode:          0o755,
			},
		},
		WaitingFor: wait.ForExit().WithExitTimeout(cliExitTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start cli container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	logsReader, err := container.Logs(ctx)
	if err != nil {
		t.Fatalf("read cli logs: %v", err)
	}
	defer logsReader.Close()

	logs, err := io.ReadAll(logsReader)
	if err != nil {
		t.Fatalf("read cli logs: %v", err)
	}

	state, err := container.State(ctx)
	if err != nil {
		t.Fatalf("read cli state: %v", err)
	}

	return state.ExitCode, string(logs)
}
