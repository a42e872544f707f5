package outbox

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/velmie/outbox-lease/backoff"
)

const (
	defaultBatchSize        = 50
	defaultPollInterval     = 50 * time.Millisecond
	defaultWorkers          = 1
	defaultPendingCheck     = 0
	defaultLockDuration     = 30 * time.Second
	defaultRenewalDivisor   = 3
	defaultMaxRenewAttempts = 5
	defaultReleaseTimeout   = 5 * time.Second
)

// RelayConfig defines how the Relay claims and processes messages.
type RelayConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	Workers           int
	ClaimWindow       time.Duration
	Clock             Clock
	ErrorHandler      FailureHandler
	Logger            Logger
	Metrics           Metrics
	FailureClassifier FailureClassifier
	HandlerTimeout    time.Duration
	PendingInterval   time.Duration
	// Owner is the lock owner token of this relay. Defaults to a random token.
	Owner string
	// LockDuration is the lease length requested on claim and on every renewal.
	LockDuration time.Duration
	// RenewalInterval is the renewal cadence. Defaults to LockDuration/3.
	RenewalInterval time.Duration
	// Scope opens the collaborators for one claimed batch. Defaults to the
	// relay store, logger, metrics and clock.
	Scope ScopeFunc
	// TimerOptions tune renewal retries.
	TimerOptions []TimerOption
	// ClaimRate limits claims per second across workers. Zero disables limiting.
	ClaimRate  rate.Limit
	ClaimBurst int
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.FailureClassifier == nil {
		c.FailureClassifier = defaultFailureClassifier
	}
	if c.PendingInterval <= 0 {
		c.PendingInterval = defaultPendingCheck
	}
	if c.Owner == "" {
		c.Owner = NewOwnerToken()
	}
	if c.LockDuration <= 0 {
		c.LockDuration = defaultLockDuration
	}
	if c.RenewalInterval <= 0 {
		c.RenewalInterval = c.LockDuration / defaultRenewalDivisor
	}
	if c.ClaimRate > 0 && c.ClaimBurst <= 0 {
		c.ClaimBurst = 1
	}

	return c
}

// RelayOption configures Relay behavior.
type RelayOption func(*RelayConfig)

// WithBatchSize sets the number of messages claimed per batch.
func WithBatchSize(size int) RelayOption {
	return func(c *RelayConfig) {
		c.BatchSize = size
	}
}

// WithPollInterval sets the delay between empty polls.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PollInterval = interval
	}
}

// WithWorkers sets the number of concurrent polling workers.
func WithWorkers(count int) RelayOption {
	return func(c *RelayConfig) {
		c.Workers = count
	}
}

// WithClaimWindow limits claims to messages newer than now-window.
func WithClaimWindow(window time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.ClaimWindow = window
	}
}

// WithClock sets the Relay clock.
func WithClock(clock Clock) RelayOption {
	return func(c *RelayConfig) {
		c.Clock = clock
	}
}

// WithErrorHandler registers a callback for handler failures.
func WithErrorHandler(handler FailureHandler) RelayOption {
	return func(c *RelayConfig) {
		c.ErrorHandler = handler
	}
}

// WithLogger sets the relay logger.
func WithLogger(logger Logger) RelayOption {
	return func(c *RelayConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the relay metrics recorder.
func WithMetrics(metrics Metrics) RelayOption {
	return func(c *RelayConfig) {
		c.Metrics = metrics
	}
}

// WithFailureClassifier sets the failure classifier for retry/dead-letter decisions.
func WithFailureClassifier(classifier FailureClassifier) RelayOption {
	return func(c *RelayConfig) {
		c.FailureClassifier = classifier
	}
}

// WithHandlerTimeout sets a per-message handler timeout.
func WithHandlerTimeout(timeout time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.HandlerTimeout = timeout
	}
}

// WithPendingInterval sets the minimum interval between pending count samples.
// Use a positive value to enable sampling or zero to keep it disabled.
// The default is disabled.
func WithPendingInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PendingInterval = interval
	}
}

// WithOwner sets the lock owner token.
func WithOwner(owner string) RelayOption {
	return func(c *RelayConfig) {
		c.Owner = owner
	}
}

// WithLockDuration sets the lease length and renewal cadence.
// A zero interval defaults to a third of the duration.
func WithLockDuration(duration, renewalInterval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.LockDuration = duration
		c.RenewalInterval = renewalInterval
	}
}

// WithScope sets the per-batch scope provider.
func WithScope(scope ScopeFunc) RelayOption {
	return func(c *RelayConfig) {
		c.Scope = scope
	}
}

// WithTimerOptions sets the renewal timer options.
func WithTimerOptions(opts ...TimerOption) RelayOption {
	return func(c *RelayConfig) {
		c.TimerOptions = append(c.TimerOptions, opts...)
	}
}

// WithClaimRate limits how often workers claim batches.
func WithClaimRate(limit rate.Limit, burst int) RelayOption {
	return func(c *RelayConfig) {
		c.ClaimRate = limit
		c.ClaimBurst = burst
	}
}

// TimerConfig controls how a RenewalTimer retries transient store failures.
type TimerConfig struct {
	// Backoff computes the delay between renewal retries.
	Backoff backoff.Strategy
	// MaxRenewAttempts bounds store calls per renewal, including the first.
	MaxRenewAttempts int
	// RenewTimeout caps a single store call. The call is always bounded by
	// the current lease expiry.
	RenewTimeout time.Duration
}

func (c TimerConfig) withDefaults() TimerConfig {
	if c.Backoff == nil {
		c.Backoff = backoff.Default()
	}
	if c.MaxRenewAttempts <= 0 {
		c.MaxRenewAttempts = defaultMaxRenewAttempts
	}

	return c
}

// TimerOption configures renewal timers built by a Factory.
type TimerOption func(*TimerConfig)

// WithRenewBackoff sets the renewal retry strategy.
func WithRenewBackoff(strategy backoff.Strategy) TimerOption {
	return func(c *TimerConfig) {
		c.Backoff = strategy
	}
}

// WithMaxRenewAttempts sets the number of store calls allowed per renewal.
func WithMaxRenewAttempts(attempts int) TimerOption {
	return func(c *TimerConfig) {
		c.MaxRenewAttempts = attempts
	}
}

// WithRenewTimeout caps a single renewal call.
func WithRenewTimeout(timeout time.Duration) TimerOption {
	return func(c *TimerConfig) {
		c.RenewTimeout = timeout
	}
}
