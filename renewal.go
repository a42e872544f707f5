package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TimerState is the lifecycle state of a RenewalTimer.
type TimerState int32

const (
	// TimerRunning indicates the timer still renews its lease.
	TimerRunning TimerState = iota
	// TimerStopped indicates the timer was closed, cancelled or lost its lease.
	TimerStopped
)

// String returns the lowercase state name.
func (s TimerState) String() string {
	if s == TimerRunning {
		return "running"
	}

	return "stopped"
}

type stopReason int

const (
	stopNone stopReason = iota
	stopClosed
	stopCanceled
	stopLost
)

func (r stopReason) String() string {
	switch r {
	case stopClosed:
		return "closed"
	case stopCanceled:
		return "canceled"
	case stopLost:
		return "lost"
	default:
		return "none"
	}
}

// LockLostFunc is called at most once, from the renewal goroutine, when a
// lease is lost. err wraps ErrLockLost. It is never called after the timer
// was closed or its context cancelled.
type LockLostFunc func(err error)

// RenewalTimer keeps one message lease alive by renewing it every renewal
// interval until it is closed, its context is cancelled, or the store
// reports the lease as lost. Renewals are scheduled at multiples of the
// interval from creation and do not drift with store latency.
type RenewalTimer struct {
	lock     Lock
	duration time.Duration
	interval time.Duration
	store    LockRenewer
	logger   Logger
	metrics  Metrics
	clock    Clock
	cfg      TimerConfig
	onLost   LockLostFunc
	onStop   func(*RenewalTimer)

	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}

	mu     sync.Mutex
	state  TimerState
	reason stopReason
	expiry time.Time
	err    error
}

func validateLockConfig(lockDuration, renewalInterval time.Duration) error {
	if lockDuration <= 0 {
		return fmt.Errorf("%w: lock duration %s must be positive", ErrInvalidLockConfig, lockDuration)
	}
	if renewalInterval <= 0 {
		return fmt.Errorf("%w: renewal interval %s must be positive", ErrInvalidLockConfig, renewalInterval)
	}
	if renewalInterval >= lockDuration {
		return fmt.Errorf(
			"%w: renewal interval %s must be shorter than lock duration %s",
			ErrInvalidLockConfig,
			renewalInterval,
			lockDuration,
		)
	}

	return nil
}

func startRenewalTimer(
	ctx context.Context,
	scope Scope,
	cfg TimerConfig,
	lock Lock,
	lockDuration, renewalInterval time.Duration,
	onLost LockLostFunc,
	onStop func(*RenewalTimer),
) (*RenewalTimer, error) {
	if err := validateLockConfig(lockDuration, renewalInterval); err != nil {
		return nil, err
	}
	if lock.Owner == "" {
		return nil, ErrOwnerRequired
	}

	expiry := lock.ExpiresAt
	if expiry.IsZero() {
		expiry = scope.Clock.Now().Add(lockDuration)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t := &RenewalTimer{
		lock:     lock,
		duration: lockDuration,
		interval: renewalInterval,
		store:    scope.Store,
		logger:   scope.Logger,
		metrics:  scope.Metrics,
		clock:    scope.Clock,
		cfg:      cfg,
		onLost:   onLost,
		onStop:   onStop,
		cancel:   cancel,
		done:     make(chan struct{}),
		lost:     make(chan struct{}),
		state:    TimerRunning,
		expiry:   expiry,
	}
	go t.run(runCtx)

	return t, nil
}

// Lock returns the lock this timer renews.
func (t *RenewalTimer) Lock() Lock {
	lock := t.lock
	lock.ExpiresAt = t.Expiry()

	return lock
}

// LockDuration returns the lease length requested on every renewal.
func (t *RenewalTimer) LockDuration() time.Duration { return t.duration }

// RenewalInterval returns the renewal cadence.
func (t *RenewalTimer) RenewalInterval() time.Duration { return t.interval }

// Expiry returns the lease expiry as of the last successful renewal.
func (t *RenewalTimer) Expiry() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.expiry
}

// State returns the current timer state.
func (t *RenewalTimer) State() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Active reports whether the timer still renews its lease.
func (t *RenewalTimer) Active() bool {
	return t.State() == TimerRunning
}

// Lost returns a channel closed once the lease is reported lost. It is never
// closed when the timer stops because of Close or cancellation.
func (t *RenewalTimer) Lost() <-chan struct{} {
	return t.lost
}

// Done returns a channel closed when the renewal loop has exited.
func (t *RenewalTimer) Done() <-chan struct{} {
	return t.done
}

// Err returns the loss cause, or nil when the lease was not lost.
func (t *RenewalTimer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

// Close stops renewing, cancels any in-flight wait or store call and waits
// for the renewal loop to exit. It never triggers the loss callback and is
// safe to call repeatedly, including from inside the callback.
func (t *RenewalTimer) Close() {
	t.mu.Lock()
	if t.state == TimerRunning {
		t.state = TimerStopped
		t.reason = stopClosed
	}
	t.cancel()
	t.mu.Unlock()

	<-t.done
}

func (t *RenewalTimer) run(ctx context.Context) {
	lossErr := t.loop(ctx)
	reportLoss := t.finish(lossErr)
	t.cancel()
	if t.onStop != nil {
		t.onStop(t)
	}
	close(t.done)

	if !reportLoss {
		t.logger.Debug("outbox lock renewal stopped",
			"message_id", t.lock.MessageID,
			"owner", t.lock.Owner,
			"reason", t.stoppedBy(),
		)

		return
	}

	t.metrics.AddLocksLost(1)
	t.logger.Warn("outbox lock lost",
		"message_id", t.lock.MessageID,
		"owner", t.lock.Owner,
		"err", lossErr,
	)
	close(t.lost)
	if t.onLost != nil {
		t.onLost(lossErr)
	}
}

// finish moves the timer to TimerStopped and reports whether this call
// committed a loss. A loss is committed only if nothing stopped the timer first.
func (t *RenewalTimer) finish(lossErr error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerRunning {
		return false
	}
	t.state = TimerStopped
	if lossErr == nil {
		t.reason = stopCanceled

		return false
	}
	t.reason = stopLost
	t.err = lossErr

	return true
}

func (t *RenewalTimer) stoppedBy() stopReason {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.reason
}

// loop returns nil when stopped by cancellation and a loss error otherwise.
// Renewals are due at multiples of the interval from the start. A renewal
// that overruns its slot, through store latency or retries, skips the slots
// it missed instead of shifting later ones.
func (t *RenewalTimer) loop(ctx context.Context) error {
	due := time.Now().Add(t.interval)
	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if err := t.renew(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		now := time.Now()
		due = due.Add(t.interval)
		for !due.After(now) {
			due = due.Add(t.interval)
		}
		timer.Reset(due.Sub(now))
	}
}

func (t *RenewalTimer) renew(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := t.renewOnce(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) {
			return fmt.Errorf("%w: %w", ErrLockLost, err)
		}
		if attempt >= t.cfg.MaxRenewAttempts {
			return fmt.Errorf("%w: %w: %w", ErrLockLost, ErrRenewRetriesExhausted, err)
		}

		delay := t.cfg.Backoff.Delay(attempt)
		expiry := t.Expiry()
		if !t.clock.Now().Add(delay).Before(expiry) {
			return fmt.Errorf("%w: %w: %w", ErrLockLost, ErrLeaseExpired, err)
		}

		t.logger.Debug("outbox lock renewal retry scheduled",
			"message_id", t.lock.MessageID,
			"owner", t.lock.Owner,
			"attempt", attempt,
			"delay", delay,
			"err", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (t *RenewalTimer) renewOnce(ctx context.Context, attempt int) error {
	expiry := t.Expiry()
	now := t.clock.Now()
	if !now.Before(expiry) {
		return ErrLeaseExpired
	}

	// Expiry is in the store clock, context deadlines in wall time, so the
	// call is bounded by the remaining lease rather than by expiry itself.
	timeout := expiry.Sub(now)
	if t.cfg.RenewTimeout > 0 && t.cfg.RenewTimeout < timeout {
		timeout = t.cfg.RenewTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t.logger.Debug("outbox lock renewal",
		"message_id", t.lock.MessageID,
		"owner", t.lock.Owner,
		"attempt", attempt,
		"expires_at", expiry,
	)

	start := time.Now()
	newExpiry, err := t.store.RenewLock(callCtx, t.lock, t.duration)
	t.metrics.ObserveRenewal(time.Since(start), err)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			if !t.clock.Now().Before(expiry) {
				return fmt.Errorf("%w: %w", ErrLeaseExpired, err)
			}

			return Transient(err)
		}

		return err
	}

	if newExpiry.IsZero() {
		newExpiry = t.clock.Now().Add(t.duration)
	}
	t.mu.Lock()
	t.expiry = newExpiry
	t.mu.Unlock()

	t.logger.Debug("outbox lock renewed",
		"message_id", t.lock.MessageID,
		"owner", t.lock.Owner,
		"expires_at", newExpiry,
	)

	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
