// Command outbox-cleanup removes settled rows from a MySQL outbox table and
// returns rows with lapsed locks to the pending state.
//
// It wraps mysql.CleanupMaintainer for use in cron/CronJobs when the
// application itself should not run DELETE statements.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"

	outbox "github.com/velmie/outbox-lease"
	"github.com/velmie/outbox-lease/mysql"
)

const exitUsage = 2

type options struct {
	dsn           string
	table         string
	retention     time.Duration
	checkEvery    time.Duration
	limit         int
	lockName      string
	includeFailed bool
	once          bool
	verbose       bool
	jsonLogs      bool
}

func main() {
	var opts options

	flag.StringVar(&opts.dsn, "dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	flag.StringVar(&opts.table, "table", "outbox", "Outbox table name")
	flag.DurationVar(&opts.retention, "retention", 0, "Delete settled rows older than this duration")
	flag.DurationVar(&opts.checkEvery, "check-every", time.Hour, "How often to run cleanup")
	flag.IntVar(&opts.limit, "limit", 0, "Max rows deleted or reclaimed per run (0 uses default)")
	flag.StringVar(&opts.lockName, "lock-name", "", "Advisory lock name (optional)")
	flag.BoolVar(&opts.includeFailed, "include-failed", false, "Delete failed rows as well")
	flag.BoolVar(&opts.once, "once", false, "Run once and exit")
	flag.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	flag.BoolVar(&opts.jsonLogs, "json", false, "Emit JSON logs")
	flag.Parse()

	if opts.dsn == "" {
		fmt.Fprintln(os.Stderr, "dsn is required")
		flag.Usage()
		os.Exit(exitUsage)
	}

	logger := newLogger(opts)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("outbox cleanup failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(opts options) outbox.SlogLogger {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	if opts.jsonLogs {
		handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	}

	return outbox.NewSlogLogger(slog.New(handler))
}

func run(ctx context.Context, opts options, logger outbox.Logger) error {
	db, err := sql.Open("mysql", opts.dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	maintainer, err := mysql.NewCleanupMaintainer(db, mysql.CleanupMaintainerConfig{
		Table:         opts.table,
		Retention:     opts.retention,
		CheckEvery:    opts.checkEvery,
		Limit:         opts.limit,
		IncludeFailed: opts.includeFailed,
		LockName:      opts.lockName,
		Clock:         outbox.SystemClock{},
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("init maintainer: %w", err)
	}

	if opts.once {
		result, err := maintainer.Ensure(ctx)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		logger.Info("cleanup done",
			"completed", result.Completed,
			"failed", result.Failed,
			"reclaimed", result.Reclaimed,
		)

		return nil
	}

	if err := maintainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run maintainer: %w", err)
	}

	return nil
}
