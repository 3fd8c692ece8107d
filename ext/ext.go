// Package ext defines the extension system for msgq.
// Extensions are notified of channel lifecycle events (opened, message
// pushed, destroyed, etc.) and can react to them with logging, metrics or
// event streams.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/id"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Channel lifecycle hooks
// ──────────────────────────────────────────────────

// ChannelOpened is called after a handle is opened. created reports
// whether the open created the channel.
type ChannelOpened interface {
	OnChannelOpened(ctx context.Context, info msgq.Info, handle id.HandleID, created bool) error
}

// ChannelDestroyed is called after a channel is destroyed.
type ChannelDestroyed interface {
	OnChannelDestroyed(ctx context.Context, info msgq.Info) error
}

// HandleClosed is called after a handle is released.
type HandleClosed interface {
	OnHandleClosed(ctx context.Context, info msgq.Info, handle id.HandleID) error
}

// ──────────────────────────────────────────────────
// Message hooks
// ──────────────────────────────────────────────────

// MessagePushed is called after a message is enqueued.
type MessagePushed interface {
	OnMessagePushed(ctx context.Context, info msgq.Info, typ msgq.Type, size int) error
}

// MessagePopped is called after a message is dequeued. waited is how long
// the caller was blocked before the message became available.
type MessagePopped interface {
	OnMessagePopped(ctx context.Context, info msgq.Info, typ msgq.Type, size int, waited time.Duration) error
}

// OperationFailed is called when a push, pop, stats or destroy returns an
// error, including expected outcomes such as msgq.ErrWouldBlock.
type OperationFailed interface {
	OnOperationFailed(ctx context.Context, info msgq.Info, op string, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
