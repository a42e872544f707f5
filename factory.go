package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Scope bundles the collaborators shared by every timer of one Factory.
// The Factory owns the scope: closing the Factory closes Closers in reverse
// order, exactly once.
type Scope struct {
	Store   LockRenewer
	Logger  Logger
	Metrics Metrics
	Clock   Clock
	// Closers release resources opened for this scope, such as a dedicated
	// connection or client.
	Closers []io.Closer
}

func (s Scope) withDefaults() Scope {
	if s.Logger == nil {
		s.Logger = NopLogger{}
	}
	if s.Metrics == nil {
		s.Metrics = NopMetrics{}
	}
	if s.Clock == nil {
		s.Clock = SystemClock{}
	}

	return s
}

func (s Scope) release() error {
	var errs []error
	for i := len(s.Closers) - 1; i >= 0; i-- {
		if s.Closers[i] == nil {
			continue
		}
		if err := s.Closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ScopeFunc opens a Scope for one independent unit of work.
type ScopeFunc func(ctx context.Context) (Scope, error)

// StaticScope returns a ScopeFunc that hands out the same collaborators
// every time. Closers are not allowed because a shared scope has no single owner.
func StaticScope(scope Scope) ScopeFunc {
	scope.Closers = nil

	return func(context.Context) (Scope, error) {
		return scope, nil
	}
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close implements io.Closer.
func (fn CloserFunc) Close() error {
	return fn()
}

// Factory creates renewal timers bound to one Scope. Closing the Factory
// force-closes every timer it created that is still running and then
// releases the scope. A closed Factory refuses new timers.
type Factory struct {
	scope Scope
	cfg   TimerConfig

	mu     sync.Mutex
	closed bool
	timers map[*RenewalTimer]struct{}
}

// NewFactory constructs a Factory that owns scope.
func NewFactory(scope Scope, opts ...TimerOption) (*Factory, error) {
	if scope.Store == nil {
		return nil, ErrStoreRequired
	}

	var cfg TimerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Factory{
		scope:  scope.withDefaults(),
		cfg:    cfg.withDefaults(),
		timers: make(map[*RenewalTimer]struct{}),
	}, nil
}

// OpenFactory opens a scope with open and wraps it in a Factory. The scope
// is released if the Factory cannot be built.
func OpenFactory(ctx context.Context, open ScopeFunc, opts ...TimerOption) (*Factory, error) {
	scope, err := open(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: open scope: %w", err)
	}

	factory, err := NewFactory(scope, opts...)
	if err != nil {
		return nil, errors.Join(err, scope.release())
	}

	return factory, nil
}

// CreateRenewalTimer starts a timer that renews lock every renewalInterval
// with a fresh lockDuration lease. ctx cancellation stops the timer without
// calling onLockLost. An invalid duration/interval pair returns
// ErrInvalidLockConfig before anything starts.
func (f *Factory) CreateRenewalTimer(
	ctx context.Context,
	lock Lock,
	lockDuration, renewalInterval time.Duration,
	onLockLost LockLostFunc,
) (*RenewalTimer, error) {
	if err := validateLockConfig(lockDuration, renewalInterval); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrFactoryClosed
	}

	// untrack runs on the timer goroutine and blocks on f.mu until the
	// timer is registered below.
	timer, err := startRenewalTimer(ctx, f.scope, f.cfg, lock, lockDuration, renewalInterval, onLockLost, f.untrack)
	if err != nil {
		return nil, err
	}
	f.timers[timer] = struct{}{}

	return timer, nil
}

// Active returns the number of running timers created by this Factory.
func (f *Factory) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.timers)
}

// Close force-closes outstanding timers and releases the scope. Release
// errors are logged, never returned. Calling Close again has no effect.
func (f *Factory) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()

		return
	}
	f.closed = true
	outstanding := make([]*RenewalTimer, 0, len(f.timers))
	for timer := range f.timers {
		outstanding = append(outstanding, timer)
	}
	f.mu.Unlock()

	if len(outstanding) > 0 {
		f.scope.Logger.Warn("outbox renewal factory closed with running timers", "count", len(outstanding))
	}
	for _, timer := range outstanding {
		timer.Close()
	}

	if err := f.scope.release(); err != nil {
		f.scope.Logger.Error("outbox renewal scope release failed", "err", err)
	}
}

func (f *Factory) untrack(timer *RenewalTimer) {
	f.mu.Lock()
	delete(f.timers, timer)
	f.mu.Unlock()
}
