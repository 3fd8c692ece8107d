package middleware

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for msgq metrics.
const meterName = "github.com/xraph/msgq"

// Metrics returns middleware that records per-operation metrics using the
// global OTel MeterProvider.
//
// Instruments:
//   - msgq.op.duration (Float64Histogram): operation time in seconds,
//     including time spent blocked
//   - msgq.op.count (Int64Counter): total operations
//   - msgq.op.bytes (Int64Counter): payload bytes pushed or popped
//
// All carry the attributes op, key and status ("ok" or the error kind).
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	duration, dErr := meter.Float64Histogram(
		"msgq.op.duration",
		metric.WithDescription("Duration of queue operations in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	count, cErr := meter.Int64Counter(
		"msgq.op.count",
		metric.WithDescription("Total number of queue operations"),
		metric.WithUnit("{operation}"),
	)
	_ = cErr // noop fallback guaranteed by OTel API contract

	bytes, bErr := meter.Int64Counter(
		"msgq.op.bytes",
		metric.WithDescription("Payload bytes moved by push and pop"),
		metric.WithUnit("By"),
	)
	_ = bErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, op *Op, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		attrs := metric.WithAttributes(
			attribute.String("op", op.Name),
			attribute.String("key", strconv.FormatInt(int64(op.Key), 10)),
			attribute.String("status", status(err)),
		)

		duration.Record(ctx, elapsed, attrs)
		count.Add(ctx, 1, attrs)
		if err == nil && op.Bytes > 0 {
			bytes.Add(ctx, int64(op.Bytes), attrs)
		}

		return err
	}
}
