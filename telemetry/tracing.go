package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	outbox "github.com/velmie/outbox-lease"
)

// SpanName is the name of the span wrapping one handler call.
const SpanName = "outbox.message.handle"

// Tracing wraps next in a span per message using the global TracerProvider.
func Tracing(next outbox.Handler) outbox.Handler {
	return TracingWithTracer(otel.Tracer(scopeName), next)
}

// TracingWithTracer wraps next in a span per message using tracer.
//
// Span attributes: outbox.message.id, outbox.aggregate.type,
// outbox.aggregate.id, outbox.event.type, outbox.attempts and
// outbox.lock.owner. When the handler context ends because the lease was
// lost, a "lock lost" event carries the cause.
func TracingWithTracer(tracer trace.Tracer, next outbox.Handler) outbox.Handler {
	return outbox.HandlerFunc(func(ctx context.Context, msg outbox.Message) error {
		ctx, span := tracer.Start(ctx, SpanName,
			trace.WithAttributes(
				attribute.String("outbox.message.id", msg.ID.String()),
				attribute.String("outbox.aggregate.type", msg.AggregateType),
				attribute.String("outbox.aggregate.id", msg.AggregateID),
				attribute.String("outbox.event.type", msg.EventType),
				attribute.Int("outbox.attempts", msg.Attempts),
				attribute.String("outbox.lock.owner", msg.LockedBy),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next.Handle(ctx, msg)
		if cause := context.Cause(ctx); errors.Is(cause, outbox.ErrLockLost) {
			span.AddEvent("lock lost", trace.WithAttributes(attribute.String("cause", cause.Error())))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	})
}
