package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	outbox "github.com/velmie/outbox-lease"
)

// scopeName is the instrumentation scope for outbox telemetry.
const scopeName = "github.com/velmie/outbox-lease"

// Renewal outcomes recorded in the status attribute.
const (
	StatusOK        = "ok"
	StatusNotOwned  = "not_owned"
	StatusTransient = "transient"
	StatusError     = "error"
)

// Metrics records relay and lease renewal telemetry.
//
// Instruments:
//   - outbox.batch.duration (Float64Histogram, s)
//   - outbox.messages.processed, .errors, .retries, .dead (Int64Counter)
//   - outbox.messages.pending (Int64Gauge)
//   - outbox.lock.renewal.duration (Float64Histogram, s) by status
//   - outbox.lock.renewals (Int64Counter) by status
//   - outbox.locks.lost (Int64Counter)
type Metrics struct {
	batchDuration   metric.Float64Histogram
	processed       metric.Int64Counter
	failures        metric.Int64Counter
	retries         metric.Int64Counter
	dead            metric.Int64Counter
	pending         metric.Int64Gauge
	renewalDuration metric.Float64Histogram
	renewals        metric.Int64Counter
	locksLost       metric.Int64Counter
}

var _ outbox.Metrics = (*Metrics)(nil)

// NewMetrics creates instruments on the global MeterProvider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(scopeName))
}

// NewMetricsWithMeter creates instruments on meter. Instruments that fail
// to register are reported in the error; the returned Metrics is still
// usable with noop fallbacks.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	var (
		m    Metrics
		errs [9]error
	)

	m.batchDuration, errs[0] = meter.Float64Histogram("outbox.batch.duration",
		metric.WithDescription("Time to process one claimed batch"),
		metric.WithUnit("s"))
	m.processed, errs[1] = meter.Int64Counter("outbox.messages.processed",
		metric.WithDescription("Messages completed"),
		metric.WithUnit("{message}"))
	m.failures, errs[2] = meter.Int64Counter("outbox.messages.errors",
		metric.WithDescription("Handler errors"),
		metric.WithUnit("{message}"))
	m.retries, errs[3] = meter.Int64Counter("outbox.messages.retries",
		metric.WithDescription("Messages returned to pending for another attempt"),
		metric.WithUnit("{message}"))
	m.dead, errs[4] = meter.Int64Counter("outbox.messages.dead",
		metric.WithDescription("Messages marked failed"),
		metric.WithUnit("{message}"))
	m.pending, errs[5] = meter.Int64Gauge("outbox.messages.pending",
		metric.WithDescription("Claimable messages"),
		metric.WithUnit("{message}"))
	m.renewalDuration, errs[6] = meter.Float64Histogram("outbox.lock.renewal.duration",
		metric.WithDescription("Duration of lock renewal calls"),
		metric.WithUnit("s"))
	m.renewals, errs[7] = meter.Int64Counter("outbox.lock.renewals",
		metric.WithDescription("Lock renewal calls"),
		metric.WithUnit("{call}"))
	m.locksLost, errs[8] = meter.Int64Counter("outbox.locks.lost",
		metric.WithDescription("Leases reported lost"),
		metric.WithUnit("{lock}"))

	return &m, errors.Join(errs[:]...)
}

// ObserveBatchDuration implements outbox.Metrics.
func (m *Metrics) ObserveBatchDuration(duration time.Duration) {
	m.batchDuration.Record(context.Background(), duration.Seconds())
}

// AddProcessed implements outbox.Metrics.
func (m *Metrics) AddProcessed(count int) {
	m.processed.Add(context.Background(), int64(count))
}

// AddErrors implements outbox.Metrics.
func (m *Metrics) AddErrors(count int) {
	m.failures.Add(context.Background(), int64(count))
}

// AddRetries implements outbox.Metrics.
func (m *Metrics) AddRetries(count int) {
	m.retries.Add(context.Background(), int64(count))
}

// AddDead implements outbox.Metrics.
func (m *Metrics) AddDead(count int) {
	m.dead.Add(context.Background(), int64(count))
}

// SetPending implements outbox.Metrics.
func (m *Metrics) SetPending(count int) {
	m.pending.Record(context.Background(), int64(count))
}

// ObserveRenewal implements outbox.Metrics.
func (m *Metrics) ObserveRenewal(duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("status", renewalStatus(err)))
	m.renewalDuration.Record(context.Background(), duration.Seconds(), attrs)
	m.renewals.Add(context.Background(), 1, attrs)
}

// AddLocksLost implements outbox.Metrics.
func (m *Metrics) AddLocksLost(count int) {
	m.locksLost.Add(context.Background(), int64(count))
}

func renewalStatus(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, outbox.ErrNotOwned):
		return StatusNotOwned
	case outbox.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return StatusTransient
	default:
		return StatusError
	}
}
