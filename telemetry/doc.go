// Package telemetry wires the relay into OpenTelemetry: Metrics implements
// outbox.Metrics with OTel instruments and Tracing wraps an outbox.Handler
// in a span per message. Without a configured global provider both fall
// back to the OTel noop implementations.
package telemetry
