package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/msgq"
)

// tracerName is the instrumentation scope name for msgq tracing.
const tracerName = "github.com/xraph/msgq"

// Tracing returns middleware that wraps each operation in an OpenTelemetry
// span named "msgq.<op>".
//
// Span attributes: msgq.key, msgq.channel.id, msgq.handle.id,
// msgq.message.type, msgq.blocking and, when known, msgq.message.bytes.
// Expected outcomes (would block, no message) are recorded as an event and
// leave the span status unset; other errors set codes.Error.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, op *Op, next Handler) error {
		ctx, span := tracer.Start(ctx, "msgq."+op.Name,
			trace.WithAttributes(
				attribute.Int64("msgq.key", int64(op.Key)),
				attribute.String("msgq.channel.id", op.Channel.String()),
				attribute.String("msgq.handle.id", op.Handle.String()),
				attribute.Int64("msgq.message.type", int64(op.Type)),
				attribute.Bool("msgq.blocking", op.Blocking),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if op.Bytes > 0 {
			span.SetAttributes(attribute.Int("msgq.message.bytes", op.Bytes))
		}

		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case msgq.Expected(err):
			span.AddEvent(status(err))
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return err
	}
}
