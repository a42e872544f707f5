// Command outbox-relay drains a MySQL outbox table into the log.
//
// Every claimed message is held under a renewed lease while it is written
// to stdout, then marked completed. It is meant for inspecting an outbox
// and for smoke-testing lease settings against a real database. Handling
// is traced and measured through the global OpenTelemetry API.
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
	"golang.org/x/time/rate"

	outbox "github.com/velmie/outbox-lease"
	"github.com/velmie/outbox-lease/mysql"
	"github.com/velmie/outbox-lease/telemetry"
)

const exitUsage = 2

type options struct {
	dsn            string
	table          string
	owner          string
	batchSize      int
	workers        int
	pollInterval   time.Duration
	lockDuration   time.Duration
	renewEvery     time.Duration
	handlerTimeout time.Duration
	claimRate      float64
	once           bool
	verbose        bool
	jsonLogs       bool
}

func main() {
	var opts options

	flag.StringVar(&opts.dsn, "dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	flag.StringVar(&opts.table, "table", "outbox", "Outbox table name")
	flag.StringVar(&opts.owner, "owner", "", "Lock owner token (random when empty)")
	flag.IntVar(&opts.batchSize, "batch", 50, "Messages claimed per batch")
	flag.IntVar(&opts.workers, "workers", 1, "Concurrent claim loops")
	flag.DurationVar(&opts.pollInterval, "poll", time.Second, "Idle poll interval")
	flag.DurationVar(&opts.lockDuration, "lock-duration", 30*time.Second, "Lease length")
	flag.DurationVar(&opts.renewEvery, "renew-every", 0, "Renewal interval (0 uses a third of the lease)")
	flag.DurationVar(&opts.handlerTimeout, "handler-timeout", 0, "Per-message handler timeout")
	flag.Float64Var(&opts.claimRate, "claim-rate", 0, "Max claims per second (0 disables)")
	flag.BoolVar(&opts.once, "once", false, "Drain available messages and exit")
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
		logger.Error("outbox relay failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(opts options) *slog.Logger {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}

	return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	db, err := sql.Open("mysql", opts.dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	store, err := mysql.NewStore(db, mysql.WithTable(opts.table))
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	// Instruments bind to the global OpenTelemetry providers and stay no-op
	// unless the process installs an SDK.
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	handler := outbox.Chain(logHandler(logger), telemetry.Tracing)

	relay, err := outbox.NewRelay(store, handler, relayOptions(opts, store, metrics, logger)...)
	if err != nil {
		return fmt.Errorf("init relay: %w", err)
	}
	logger.Info("outbox relay started", "owner", relay.Owner(), "table", opts.table)

	if opts.once {
		return drain(ctx, relay)
	}
	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run relay: %w", err)
	}

	return nil
}

func relayOptions(opts options, store *mysql.Store, metrics outbox.Metrics, logger *slog.Logger) []outbox.RelayOption {
	log := outbox.NewSlogLogger(logger)
	relayOpts := []outbox.RelayOption{
		outbox.WithBatchSize(opts.batchSize),
		outbox.WithWorkers(opts.workers),
		outbox.WithPollInterval(opts.pollInterval),
		outbox.WithLockDuration(opts.lockDuration, opts.renewEvery),
		outbox.WithLogger(log),
		outbox.WithMetrics(metrics),
		outbox.WithScope(store.RenewalScope(outbox.Scope{Logger: log})),
	}
	if opts.owner != "" {
		relayOpts = append(relayOpts, outbox.WithOwner(opts.owner))
	}
	if opts.handlerTimeout > 0 {
		relayOpts = append(relayOpts, outbox.WithHandlerTimeout(opts.handlerTimeout))
	}
	if opts.claimRate > 0 {
		relayOpts = append(relayOpts, outbox.WithClaimRate(rate.Limit(opts.claimRate), 1))
	}

	return relayOpts
}

func drain(ctx context.Context, relay *outbox.Relay) error {
	for {
		processed, err := relay.ProcessOnce(ctx)
		if err != nil {
			return fmt.Errorf("process batch: %w", err)
		}
		if !processed {
			return nil
		}
	}
}

func logHandler(logger *slog.Logger) outbox.Handler {
	return outbox.HandlerFunc(func(ctx context.Context, msg outbox.Message) error {
		logger.InfoContext(ctx, "outbox message",
			"message_id", msg.ID.String(),
			"aggregate_type", msg.AggregateType,
			"aggregate_id", msg.AggregateID,
			"event_type", msg.EventType,
			"attempts", msg.Attempts,
			"payload", string(msg.Payload),
		)

		return ctx.Err()
	})
}
