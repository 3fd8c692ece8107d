// Package middleware provides composable middleware for queue operations.
// Middleware wraps each engine operation synchronously and can observe or
// modify it (recover from panics, log, add tracing, bound waits).
package middleware

import (
	"context"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/id"
)

// Operation names carried in Op.Name.
const (
	OpOpen    = "open"
	OpPush    = "push"
	OpPop     = "pop"
	OpStats   = "stats"
	OpDestroy = "destroy"
	OpClose   = "close"
)

// Op describes the queue operation being executed. Handlers fill in
// fields that are only known afterwards, such as Bytes on a pop or Channel
// on an open.
type Op struct {
	Name     string
	Key      msgq.Key
	Channel  id.ChannelID
	Handle   id.HandleID
	Type     msgq.Type
	Bytes    int
	Blocking bool
}

// Handler is the terminal function that performs the operation.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. Middleware MUST call
// next to continue the chain unless short-circuiting on error.
type Middleware func(ctx context.Context, op *Op, next Handler) error

// Chain composes multiple middleware into a single Middleware. The first
// middleware in the list is the outermost wrapper.
//
// Example: Chain(logging, recover) executes as:
//
//	logging → recover → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, op *Op, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, op, prev)
			}
		}
		return h(ctx)
	}
}

// status labels an outcome for logs and metrics: "ok" or the error kind.
func status(err error) string {
	if err == nil {
		return "ok"
	}
	return msgq.KindOf(err).String()
}
