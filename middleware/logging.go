package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/msgq"
)

// Logging returns middleware that logs each operation. Successes and
// expected outcomes (would block, no message) log at debug level; other
// failures log at error level.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, op *Op, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		attrs := []any{
			slog.String("op", op.Name),
			slog.Int64("key", int64(op.Key)),
			slog.String("handle", op.Handle.String()),
			slog.Duration("elapsed", elapsed),
		}
		if op.Type != 0 {
			attrs = append(attrs, slog.Int64("type", int64(op.Type)))
		}
		if op.Bytes > 0 {
			attrs = append(attrs, slog.Int("bytes", op.Bytes))
		}

		switch {
		case err == nil:
			logger.DebugContext(ctx, "queue op completed", attrs...)
		case msgq.Expected(err):
			logger.DebugContext(ctx, "queue op not ready", append(attrs, slog.String("outcome", status(err)))...)
		default:
			logger.ErrorContext(ctx, "queue op failed", append(attrs,
				slog.String("kind", status(err)),
				slog.String("error", err.Error()),
			)...)
		}

		return err
	}
}
