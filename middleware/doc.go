// Package middleware provides composable middleware for queue operations.
//
// A [Middleware] wraps one engine operation (open, push, pop, stats,
// destroy, close). Middleware are composed into a chain using [Chain] and
// the first middleware in the slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs op, key, handle, duration and outcome
//   - [Recover]: catches panics and converts them to errors
//   - [Timeout]: bounds how long blocking push and pop may wait
//   - [Tracing]: wraps each operation in an OpenTelemetry span
//   - [Metrics]: records per-operation duration, count and bytes
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, op *middleware.Op, next middleware.Handler) error {
//	        err := next(ctx)
//	        // op.Bytes is set after a successful push or pop
//	        return err
//	    }
//	}
package middleware
