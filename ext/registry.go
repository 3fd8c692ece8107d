package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/id"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time.
type channelOpenedEntry struct {
	name string
	hook ChannelOpened
}

type channelDestroyedEntry struct {
	name string
	hook ChannelDestroyed
}

type handleClosedEntry struct {
	name string
	hook HandleClosed
}

type messagePushedEntry struct {
	name string
	hook MessagePushed
}

type messagePoppedEntry struct {
	name string
	hook MessagePopped
}

type operationFailedEntry struct {
	name string
	hook OperationFailed
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. Extensions are type-cached at registration so emit calls only
// visit extensions implementing the hook. Register before the engine
// starts serving; emits may then run concurrently.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	channelOpened    []channelOpenedEntry
	channelDestroyed []channelDestroyedEntry
	handleClosed     []handleClosedEntry
	messagePushed    []messagePushedEntry
	messagePopped    []messagePoppedEntry
	operationFailed  []operationFailedEntry
	shutdown         []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension. Extensions are notified in registration
// order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(ChannelOpened); ok {
		r.channelOpened = append(r.channelOpened, channelOpenedEntry{name, h})
	}
	if h, ok := e.(ChannelDestroyed); ok {
		r.channelDestroyed = append(r.channelDestroyed, channelDestroyedEntry{name, h})
	}
	if h, ok := e.(HandleClosed); ok {
		r.handleClosed = append(r.handleClosed, handleClosedEntry{name, h})
	}
	if h, ok := e.(MessagePushed); ok {
		r.messagePushed = append(r.messagePushed, messagePushedEntry{name, h})
	}
	if h, ok := e.(MessagePopped); ok {
		r.messagePopped = append(r.messagePopped, messagePoppedEntry{name, h})
	}
	if h, ok := e.(OperationFailed); ok {
		r.operationFailed = append(r.operationFailed, operationFailedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Channel event emitters
// ──────────────────────────────────────────────────

// EmitChannelOpened notifies all extensions that implement ChannelOpened.
func (r *Registry) EmitChannelOpened(ctx context.Context, info msgq.Info, handle id.HandleID, created bool) {
	for _, e := range r.channelOpened {
		if err := e.hook.OnChannelOpened(ctx, info, handle, created); err != nil {
			r.logHookError("OnChannelOpened", e.name, err)
		}
	}
}

// EmitChannelDestroyed notifies all extensions that implement ChannelDestroyed.
func (r *Registry) EmitChannelDestroyed(ctx context.Context, info msgq.Info) {
	for _, e := range r.channelDestroyed {
		if err := e.hook.OnChannelDestroyed(ctx, info); err != nil {
			r.logHookError("OnChannelDestroyed", e.name, err)
		}
	}
}

// EmitHandleClosed notifies all extensions that implement HandleClosed.
func (r *Registry) EmitHandleClosed(ctx context.Context, info msgq.Info, handle id.HandleID) {
	for _, e := range r.handleClosed {
		if err := e.hook.OnHandleClosed(ctx, info, handle); err != nil {
			r.logHookError("OnHandleClosed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Message event emitters
// ──────────────────────────────────────────────────

// EmitMessagePushed notifies all extensions that implement MessagePushed.
func (r *Registry) EmitMessagePushed(ctx context.Context, info msgq.Info, typ msgq.Type, size int) {
	for _, e := range r.messagePushed {
		if err := e.hook.OnMessagePushed(ctx, info, typ, size); err != nil {
			r.logHookError("OnMessagePushed", e.name, err)
		}
	}
}

// EmitMessagePopped notifies all extensions that implement MessagePopped.
func (r *Registry) EmitMessagePopped(ctx context.Context, info msgq.Info, typ msgq.Type, size int, waited time.Duration) {
	for _, e := range r.messagePopped {
		if err := e.hook.OnMessagePopped(ctx, info, typ, size, waited); err != nil {
			r.logHookError("OnMessagePopped", e.name, err)
		}
	}
}

// EmitOperationFailed notifies all extensions that implement OperationFailed.
func (r *Registry) EmitOperationFailed(ctx context.Context, info msgq.Info, op string, opErr error) {
	for _, e := range r.operationFailed {
		if err := e.hook.OnOperationFailed(ctx, info, op, opErr); err != nil {
			r.logHookError("OnOperationFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors are never propagated to the caller of the queue operation.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
