package client

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/dwp"
	"github.com/xraph/msgq/id"
)

// Compile-time interface check.
var _ msgq.Queue = (*Queue)(nil)

// Queue is a remote handle to a channel. Like an engine handle, its
// blocking mode is its own and Close releases it without touching the
// channel.
type Queue struct {
	c      *Client
	handle id.HandleID
	info   msgq.Info

	blocking atomic.Bool
	closed   atomic.Bool
}

func newQueue(c *Client, handle id.HandleID, info msgq.Info, blocking bool) *Queue {
	q := &Queue{c: c, handle: handle, info: info}
	q.blocking.Store(blocking)
	return q
}

// HandleID returns the broker-side handle ID.
func (q *Queue) HandleID() id.HandleID { return q.handle }

// Key returns the channel key.
func (q *Queue) Key() msgq.Key { return q.info.Key }

// Info returns the channel description captured at open.
func (q *Queue) Info() msgq.Info { return q.info }

// FetchInfo asks the broker for the channel description.
func (q *Queue) FetchInfo(ctx context.Context) (msgq.Info, error) {
	var info msgq.Info
	if err := q.call(ctx, dwp.MethodInfo, dwp.HandleRequest{Handle: q.handle}, &info); err != nil {
		return msgq.Info{}, err
	}
	return info, nil
}

// SetBlocking changes the mode used by calls that start after it returns.
// The broker is updated before SetBlocking returns; if that fails the
// error is logged and the next call reports the broken connection.
func (q *Queue) SetBlocking(enabled bool) {
	q.blocking.Store(enabled)
	ctx, cancel := context.WithTimeout(context.Background(), q.c.controlTimeout)
	defer cancel()
	if err := q.call(ctx, dwp.MethodSetBlocking, dwp.SetBlockingRequest{Handle: q.handle, Blocking: enabled}, nil); err != nil {
		q.c.logger.Warn("msgq client: set blocking failed",
			slog.String("handle", q.handle.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Blocking reports the current mode.
func (q *Queue) Blocking() bool { return q.blocking.Load() }

// Push enqueues payload tagged with typ.
func (q *Queue) Push(ctx context.Context, payload []byte, typ msgq.Type) error {
	if err := msgq.ValidatePushType(typ); err != nil {
		return err
	}
	return q.call(ctx, dwp.MethodPush, dwp.PushRequest{Handle: q.handle, Type: typ, Payload: payload}, nil)
}

// Pop dequeues the oldest message matching typ.
func (q *Queue) Pop(ctx context.Context, typ msgq.Type, maxLength int64) ([]byte, error) {
	msg, err := q.Receive(ctx, typ, maxLength)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// Receive is Pop that also returns the popped message's type.
func (q *Queue) Receive(ctx context.Context, typ msgq.Type, maxLength int64) (msgq.Message, error) {
	if err := msgq.ValidatePopType(typ); err != nil {
		return msgq.Message{}, err
	}
	var msg msgq.Message
	if err := q.call(ctx, dwp.MethodPop, dwp.PopRequest{Handle: q.handle, Type: typ, MaxLength: maxLength}, &msg); err != nil {
		return msgq.Message{}, err
	}
	if msg.Payload == nil {
		msg.Payload = []byte{}
	}
	return msg, nil
}

// Stats returns the channel's pending message and byte counts.
func (q *Queue) Stats(ctx context.Context) (msgq.Stats, error) {
	var stats msgq.Stats
	if err := q.call(ctx, dwp.MethodStats, dwp.HandleRequest{Handle: q.handle}, &stats); err != nil {
		return msgq.Stats{}, err
	}
	return stats, nil
}

// Destroy removes the channel for every handle, local and remote.
func (q *Queue) Destroy(ctx context.Context) error {
	return q.call(ctx, dwp.MethodDestroy, dwp.HandleRequest{Handle: q.handle}, nil)
}

// Close releases the handle on the broker. It is idempotent and never
// destroys the channel.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.c.controlTimeout)
	defer cancel()
	err := q.c.request(ctx, dwp.MethodClose, dwp.HandleRequest{Handle: q.handle}, nil)
	if err != nil && q.c.closed.Load() {
		// The session is gone, and the broker released the handle with it.
		return nil
	}
	return err
}

func (q *Queue) call(ctx context.Context, method string, data, out any) error {
	if q.closed.Load() {
		return msgq.ErrHandleClosed
	}
	return q.c.request(ctx, method, data, out)
}
