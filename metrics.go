package outbox

import "time"

// Metrics captures relay and lock renewal telemetry. Implementations must be
// safe for concurrent use: workers and renewal timers report independently.
type Metrics interface {
	// ObserveBatchDuration records the time to process a claimed batch.
	ObserveBatchDuration(duration time.Duration)
	// AddProcessed increments the count of processed messages.
	AddProcessed(count int)
	// AddErrors increments the count of handler errors.
	AddErrors(count int)
	// AddRetries increments the count of delivery retries.
	AddRetries(count int)
	// AddDead increments the count of dead-lettered messages.
	AddDead(count int)
	// SetPending updates the current pending message count.
	SetPending(count int)
	// ObserveRenewal records one lock renewal call and whether it succeeded.
	ObserveRenewal(duration time.Duration, err error)
	// AddLocksLost increments the count of leases reported lost.
	AddLocksLost(count int)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) ObserveBatchDuration(time.Duration)  {}
func (NopMetrics) AddProcessed(int)                    {}
func (NopMetrics) AddErrors(int)                       {}
func (NopMetrics) AddRetries(int)                      {}
func (NopMetrics) AddDead(int)                         {}
func (NopMetrics) SetPending(int)                      {}
func (NopMetrics) ObserveRenewal(time.Duration, error) {}
func (NopMetrics) AddLocksLost(int)                    {}
