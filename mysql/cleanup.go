package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	outbox "github.com/velmie/outbox-lease"
)

const (
	defaultCleanupLimit      = 10000
	defaultCleanupEvery      = time.Hour
	defaultCleanupLockPrefix = "outbox:cleanup:"
)

// CleanupOptions defines how to delete settled messages.
type CleanupOptions struct {
	// Before removes rows settled before this timestamp (required).
	Before time.Time
	// Limit caps the number of rows deleted per call (0 uses the default).
	Limit int
	// IncludeFailed removes failed rows as well, using updated_at for cutoff.
	IncludeFailed bool
}

// CleanupResult reports how many rows were removed or reclaimed.
type CleanupResult struct {
	Completed int64
	Failed    int64
	// Reclaimed counts lapsed locks returned to pending by the maintainer.
	Reclaimed int64
}

// CleanupMaintainerConfig controls periodic cleanup and lapsed lock recovery.
type CleanupMaintainerConfig struct {
	// Table is the outbox table name. Use schema.table for non-default schema.
	Table string
	// Retention removes rows older than now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per run (0 uses the default).
	Limit int
	// IncludeFailed removes failed rows in addition to completed rows.
	IncludeFailed bool
	// LockName is the advisory lock name. Defaults to outbox:cleanup:<table>.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock outbox.Clock
	// Logger receives warnings about cleanup failures.
	Logger outbox.Logger
}

// CleanupMaintainer periodically deletes settled rows and hands messages
// whose lock lapsed back to pending, so an owner that died mid-lease does not
// hide them from PendingCount until the next claim.
type CleanupMaintainer struct {
	store *Store
	cfg   CleanupMaintainerConfig
}

// Cleanup removes completed rows (and optionally failed rows) settled before opts.Before.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	if opts.Before.IsZero() {
		return CleanupResult{}, ErrCleanupBeforeRequired
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultCleanupLimit
	}
	if limit < 0 {
		return CleanupResult{}, ErrCleanupLimitInvalid
	}

	remaining := limit
	completed, err := s.cleanupByState(ctx, outbox.StateCompleted, opts.Before, remaining)
	if err != nil {
		return CleanupResult{}, err
	}
	remaining -= int(completed)

	var failed int64
	if opts.IncludeFailed && remaining > 0 {
		failed, err = s.cleanupByState(ctx, outbox.StateFailed, opts.Before, remaining)
		if err != nil {
			return CleanupResult{}, err
		}
	}

	return CleanupResult{Completed: completed, Failed: failed}, nil
}

// ReclaimExpired returns up to limit messages whose lock lapsed to pending.
func (s *Store) ReclaimExpired(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}

	res, err := s.db.ExecContext(ctx, s.queries.reclaimExpired, outbox.StatePending, outbox.StateLocked, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: reclaim expired failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: reclaim rows failed: %w", err)
	}

	return affected, nil
}

// NewCleanupMaintainer creates a new cleanup maintainer with defaults applied.
func NewCleanupMaintainer(db *sql.DB, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrCleanupRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = outbox.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = outbox.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultCleanupLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrCleanupLimitInvalid
	}

	store, err := NewStore(db, WithTable(cfg.Table), WithJSONChecks(outbox.CheckNone), WithClock(cfg.Clock), WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	cfg.Table = store.table
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockPrefix + cfg.Table
	}

	return &CleanupMaintainer{store: store, cfg: cfg}, nil
}

// Run executes a pass immediately and then every CheckEvery until ctx is
// canceled. Failed passes are logged and retried on the next tick.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	for {
		m.runPass(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *CleanupMaintainer) runPass(ctx context.Context) {
	res, err := m.Ensure(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.cfg.Logger.Warn("outbox cleanup failed", "table", m.cfg.Table, "err", err)
		}
		return
	}
	m.cfg.Logger.Debug("outbox cleanup pass",
		"table", m.cfg.Table,
		"completed", res.Completed,
		"failed", res.Failed,
		"reclaimed", res.Reclaimed,
	)
}

// Ensure executes a single pass under a MySQL advisory lock. A pass that
// finds the lock held by another session returns a zero result.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	err := m.withLock(ctx, func() error {
		var err error
		result, err = m.pass(ctx)
		return err
	})

	return result, err
}

func (m *CleanupMaintainer) pass(ctx context.Context) (CleanupResult, error) {
	reclaimed, err := m.store.ReclaimExpired(ctx, m.cfg.Limit)
	if err != nil {
		return CleanupResult{}, err
	}
	if reclaimed > 0 {
		m.cfg.Logger.Info("outbox lapsed locks reclaimed", "count", reclaimed)
	}

	result, err := m.store.Cleanup(ctx, CleanupOptions{
		Before:        m.cfg.Clock.Now().Add(-m.cfg.Retention),
		Limit:         m.cfg.Limit,
		IncludeFailed: m.cfg.IncludeFailed,
	})
	result.Reclaimed = reclaimed

	return result, err
}

// withLock runs fn on a dedicated connection holding the named lock.
// GET_LOCK is session scoped, so the lock and its release share conn.
func (m *CleanupMaintainer) withLock(ctx context.Context, fn func() error) error {
	conn, err := m.store.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("outbox mysql: cleanup conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return err
	}
	if !locked {
		m.cfg.Logger.Debug("outbox cleanup lock held by another session", "lock", m.cfg.LockName)
		return nil
	}
	defer m.releaseLock(ctx, conn)

	return fn()
}

func (s *Store) cleanupByState(ctx context.Context, state outbox.State, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}

	query := s.queries.cleanupCompleted
	if state == outbox.StateFailed {
		query = s.queries.cleanupFailed
	}
	res, err := s.db.ExecContext(ctx, query, state, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: cleanup delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: cleanup rows failed: %w", err)
	}

	return affected, nil
}

func (m *CleanupMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("outbox mysql: acquire cleanup lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		return false, nil
	}

	return true, nil
}

func (m *CleanupMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("outbox cleanup release lock failed", "err", err)
	}
}
