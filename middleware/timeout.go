package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Timeout returns middleware that bounds how long a blocking push or pop
// may wait. Non-blocking calls and other operations pass through. When the
// deadline passes the engine returns context.DeadlineExceeded and nothing
// is enqueued or removed.
func Timeout(logger *slog.Logger, d time.Duration) Middleware {
	return func(ctx context.Context, op *Op, next Handler) error {
		if d <= 0 || !op.Blocking || (op.Name != OpPush && op.Name != OpPop) {
			return next(ctx)
		}

		logger.Debug("queue op deadline set",
			slog.String("op", op.Name),
			slog.String("handle", op.Handle.String()),
			slog.Duration("timeout", d),
		)
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
