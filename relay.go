package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// FailureHandler is called when a message handler returns an error.
type FailureHandler func(ctx context.Context, msg Message, err error)

// Relay claims messages from a Store, keeps their leases alive while a
// Handler processes them and settles each message with its owner lock.
type Relay struct {
	store   Store
	handler Handler
	cfg     RelayConfig
	limiter *rate.Limiter

	pendingMu sync.Mutex
	pendingAt time.Time
}

type batchOutcome struct {
	processed  int
	failed     int
	dead       int
	lost       int
	// settleLost counts losses found by Complete or Fail; the timer
	// already reports the ones it detects.
	settleLost int
}

type claimedLease struct {
	msg    Message
	timer  *RenewalTimer
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewRelay constructs a Relay with defaults and optional settings. It
// returns ErrInvalidLockConfig when the renewal interval does not fit in
// the lock duration.
func NewRelay(store Store, handler Handler, opts ...RelayOption) (*Relay, error) {
	if store == nil {
		panic("outbox: nil Store")
	}
	if handler == nil {
		panic("outbox: nil Handler")
	}

	var cfg RelayConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	if err := validateLockConfig(cfg.LockDuration, cfg.RenewalInterval); err != nil {
		return nil, err
	}
	if cfg.Scope == nil {
		cfg.Scope = StaticScope(Scope{
			Store:   store,
			Logger:  cfg.Logger,
			Metrics: cfg.Metrics,
			Clock:   cfg.Clock,
		})
	}

	r := &Relay{
		store:   store,
		handler: handler,
		cfg:     cfg,
	}
	if cfg.ClaimRate > 0 {
		r.limiter = rate.NewLimiter(cfg.ClaimRate, cfg.ClaimBurst)
	}

	return r, nil
}

// Owner returns the lock owner token used by this relay.
func (r *Relay) Owner() string { return r.cfg.Owner }

// Run starts the claim loop with the configured number of workers.
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < r.cfg.Workers; i++ {
		workerID := i
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					r.cfg.Logger.Error("outbox worker panic", "worker", workerID, "panic", rec)
					err = fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
				}
			}()

			if err := r.runWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.cfg.Logger.Error("outbox worker error", "worker", workerID, "err", err)

				return err
			}

			return nil
		})
	}

	return g.Wait()
}

// ProcessOnce claims and processes a single batch.
func (r *Relay) ProcessOnce(ctx context.Context) (bool, error) {
	msgs, err := r.claim(ctx)
	if err != nil {
		if errors.Is(err, ErrNoRecords) {
			r.maybeRecordPending(ctx)

			return false, nil
		}

		return false, err
	}

	if err := r.processClaimed(ctx, msgs); err != nil {
		return false, err
	}

	return true, nil
}

func (r *Relay) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := r.claim(ctx)
		if err != nil {
			if errors.Is(err, ErrNoRecords) {
				r.maybeRecordPending(ctx)
				if sleepErr := sleep(ctx, r.cfg.PollInterval); sleepErr != nil {
					return sleepErr
				}

				continue
			}

			return err
		}

		if err := r.processClaimed(ctx, msgs); err != nil {
			return err
		}
	}
}

func (r *Relay) claim(ctx context.Context) ([]Message, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	opts := ClaimOptions{
		Owner:        r.cfg.Owner,
		LockDuration: r.cfg.LockDuration,
		BatchSize:    r.cfg.BatchSize,
	}
	if r.cfg.ClaimWindow > 0 {
		opts.MinCreatedAt = r.cfg.Clock.Now().Add(-r.cfg.ClaimWindow)
	}

	msgs, err := r.store.Claim(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNoRecords
	}

	return msgs, nil
}

func (r *Relay) processClaimed(ctx context.Context, msgs []Message) error {
	start := time.Now()
	defer func() {
		r.cfg.Metrics.ObserveBatchDuration(time.Since(start))
	}()

	factory, err := OpenFactory(ctx, r.cfg.Scope, r.cfg.TimerOptions...)
	if err != nil {
		return r.releaseWith(ctx, msgs, err)
	}
	defer factory.Close()

	leases := make([]*claimedLease, 0, len(msgs))
	for _, msg := range msgs {
		lease, err := r.startLease(ctx, factory, msg)
		if err != nil {
			r.stopLeases(leases)

			return r.releaseWith(ctx, msgs, err)
		}
		leases = append(leases, lease)
	}

	var outcome batchOutcome
	for i, lease := range leases {
		if err := r.processLease(ctx, lease, &outcome); err != nil {
			rest := leases[i:]
			r.stopLeases(rest)
			pending := make([]Message, 0, len(rest))
			for _, l := range rest {
				pending = append(pending, l.msg)
			}
			r.recordOutcome(outcome)

			return r.releaseWith(ctx, pending, err)
		}
	}
	r.recordOutcome(outcome)

	return nil
}

func (r *Relay) startLease(ctx context.Context, factory *Factory, msg Message) (*claimedLease, error) {
	if msg.LockedBy == "" {
		msg.LockedBy = r.cfg.Owner
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	timer, err := factory.CreateRenewalTimer(ctx, msg.Lock(), r.cfg.LockDuration, r.cfg.RenewalInterval, func(err error) {
		cancel(err)
	})
	if err != nil {
		cancel(err)

		return nil, err
	}

	return &claimedLease{msg: msg, timer: timer, ctx: leaseCtx, cancel: cancel}, nil
}

func (r *Relay) stopLeases(leases []*claimedLease) {
	for _, lease := range leases {
		lease.timer.Close()
		lease.cancel(context.Canceled)
	}
}

// processLease returns an error only when the batch must stop: the relay
// context ended or the store could not record an outcome.
func (r *Relay) processLease(ctx context.Context, lease *claimedLease, outcome *batchOutcome) error {
	defer lease.cancel(nil)

	msg := lease.msg
	if lostErr := lease.timer.Err(); lostErr != nil {
		lease.timer.Close()
		r.lockLost(msg, lostErr, outcome)

		return nil
	}

	handleCtx := lease.ctx
	cancel := func() {}
	if r.cfg.HandlerTimeout > 0 {
		handleCtx, cancel = context.WithTimeout(lease.ctx, r.cfg.HandlerTimeout)
	}
	handleErr := r.handler.Handle(handleCtx, msg)
	cancel()

	lease.timer.Close()
	lock := lease.timer.Lock()

	if lostErr := lease.timer.Err(); lostErr != nil {
		r.lockLost(msg, lostErr, outcome)

		return nil
	}
	if handleErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	if handleErr == nil {
		if err := r.store.Complete(ctx, lock); err != nil {
			if errors.Is(err, ErrNotOwned) {
				outcome.settleLost++
				r.lockLost(msg, fmt.Errorf("%w: %w", ErrLockLost, err), outcome)

				return nil
			}

			return fmt.Errorf("outbox complete failed: %w", err)
		}
		outcome.processed++

		return nil
	}

	return r.recordFailure(ctx, msg, lock, handleErr, outcome)
}

func (r *Relay) recordFailure(ctx context.Context, msg Message, lock Lock, handleErr error, outcome *batchOutcome) error {
	if r.cfg.ErrorHandler != nil {
		r.cfg.ErrorHandler(ctx, msg, handleErr)
	}

	dead := r.cfg.FailureClassifier(ctx, msg, handleErr) == FailureDead
	if err := r.store.Fail(ctx, lock, handleErr, dead); err != nil {
		if errors.Is(err, ErrNotOwned) {
			outcome.settleLost++
			r.lockLost(msg, fmt.Errorf("%w: %w", ErrLockLost, err), outcome)

			return nil
		}

		return fmt.Errorf("outbox fail update failed: %w", err)
	}

	if dead {
		outcome.dead++
	} else {
		outcome.failed++
	}

	return nil
}

func (r *Relay) lockLost(msg Message, err error, outcome *batchOutcome) {
	outcome.lost++
	r.cfg.Logger.Warn("outbox message abandoned after lock loss",
		"message_id", msg.ID,
		"owner", r.cfg.Owner,
		"err", err,
	)
}

func (r *Relay) recordOutcome(outcome batchOutcome) {
	r.cfg.Metrics.AddProcessed(outcome.processed)
	r.cfg.Metrics.AddErrors(outcome.failed + outcome.dead)
	r.cfg.Metrics.AddRetries(outcome.failed)
	r.cfg.Metrics.AddDead(outcome.dead)
	if outcome.settleLost > 0 {
		r.cfg.Metrics.AddLocksLost(outcome.settleLost)
	}
}

// releaseWith hands unsettled messages back to pending and returns err
// joined with any release failure. Release runs even if ctx is done.
func (r *Relay) releaseWith(ctx context.Context, msgs []Message, err error) error {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultReleaseTimeout)
	defer cancel()

	var releaseErrs []error
	for _, msg := range msgs {
		lock := msg.Lock()
		if lock.Owner == "" {
			lock.Owner = r.cfg.Owner
		}
		relErr := r.store.Release(releaseCtx, lock)
		if relErr == nil || errors.Is(relErr, ErrNotOwned) {
			continue
		}
		releaseErrs = append(releaseErrs, relErr)
	}
	if len(releaseErrs) == 0 {
		return err
	}

	return errors.Join(err, fmt.Errorf("outbox release failed: %w", errors.Join(releaseErrs...)))
}

func (r *Relay) maybeRecordPending(ctx context.Context) {
	counter, ok := r.store.(PendingCounter)
	if !ok {
		return
	}
	if r.cfg.PendingInterval <= 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := r.cfg.Clock.Now()
	r.pendingMu.Lock()
	nextAllowed := r.pendingAt.Add(r.cfg.PendingInterval)
	if !r.pendingAt.IsZero() && now.Before(nextAllowed) {
		r.pendingMu.Unlock()

		return
	}
	r.pendingAt = now
	r.pendingMu.Unlock()

	count, err := counter.PendingCount(ctx)
	if err != nil {
		r.cfg.Logger.Warn("outbox pending count failed", "err", err)

		return
	}

	r.cfg.Metrics.SetPending(count)
}
