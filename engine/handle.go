package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/id"
	mw "github.com/xraph/msgq/middleware"
	"github.com/xraph/msgq/store"
)

// Compile-time interface check.
var _ msgq.Queue = (*Handle)(nil)

// Handle is a process-local reference to a channel. Blocking mode belongs
// to the handle; other handles on the same channel are unaffected by
// SetBlocking.
type Handle struct {
	eng  *Engine
	id   id.HandleID
	info msgq.Info
	ref  store.Ref

	blocking atomic.Bool
	closed   atomic.Bool

	// done is closed by Close to release calls blocked on this handle.
	done chan struct{}
}

func newHandle(eng *Engine, info msgq.Info, blocking bool) *Handle {
	h := &Handle{
		eng:  eng,
		id:   id.NewHandleID(),
		info: info,
		ref:  store.Ref{Key: info.Key, ID: info.ID},
		done: make(chan struct{}),
	}
	h.blocking.Store(blocking)
	return h
}

// ID returns the handle identifier.
func (h *Handle) ID() id.HandleID { return h.id }

// Key returns the channel key. For PrivateKey opens it is the allocated key.
func (h *Handle) Key() msgq.Key { return h.info.Key }

// Info returns the channel description captured at open.
func (h *Handle) Info() msgq.Info { return h.info }

// SetBlocking sets the mode used by calls that start after it returns.
// Calls already waiting keep the mode they started with.
func (h *Handle) SetBlocking(enabled bool) { h.blocking.Store(enabled) }

// Blocking reports the current mode.
func (h *Handle) Blocking() bool { return h.blocking.Load() }

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool { return h.closed.Load() }

func (h *Handle) op(name string, typ msgq.Type, blocking bool) *mw.Op {
	return &mw.Op{
		Name:     name,
		Key:      h.info.Key,
		Channel:  h.info.ID,
		Handle:   h.id,
		Type:     typ,
		Blocking: blocking,
	}
}

// Push enqueues payload tagged with typ.
func (h *Handle) Push(ctx context.Context, payload []byte, typ msgq.Type) error {
	if h.closed.Load() {
		return msgq.ErrHandleClosed
	}
	if err := msgq.ValidatePushType(typ); err != nil {
		return err
	}
	size := int64(len(payload))
	if size > h.info.MaxMessageSize || size > h.info.Capacity {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", msgq.ErrMessageTooLarge, size, min(h.info.MaxMessageSize, h.info.Capacity))
	}

	blocking := h.blocking.Load()
	op := h.op(mw.OpPush, typ, blocking)
	op.Bytes = len(payload)

	err := h.eng.chain(ctx, op, func(ctx context.Context) error {
		return h.retry(ctx, blocking, msgq.ErrWouldBlock, func(ctx context.Context) error {
			return h.eng.store.Push(ctx, h.ref, typ, payload)
		})
	})
	if err != nil {
		err = classify(err, msgq.ErrPush)
		h.eng.extensions.EmitOperationFailed(ctx, h.info, mw.OpPush, err)
		return err
	}

	h.eng.extensions.EmitMessagePushed(ctx, h.info, typ, len(payload))
	return nil
}

// Pop dequeues the oldest message matching typ and returns its payload.
func (h *Handle) Pop(ctx context.Context, typ msgq.Type, maxLength int64) ([]byte, error) {
	m, err := h.Receive(ctx, typ, maxLength)
	if err != nil {
		return nil, err
	}
	return m.Payload, nil
}

// Receive dequeues the oldest message matching typ.
func (h *Handle) Receive(ctx context.Context, typ msgq.Type, maxLength int64) (msgq.Message, error) {
	if h.closed.Load() {
		return msgq.Message{}, msgq.ErrHandleClosed
	}
	if err := msgq.ValidatePopType(typ); err != nil {
		return msgq.Message{}, err
	}
	if maxLength <= 0 {
		maxLength = h.info.MaxMessageSize
	}

	blocking := h.blocking.Load()
	op := h.op(mw.OpPop, typ, blocking)
	start := time.Now()

	var msg msgq.Message
	err := h.eng.chain(ctx, op, func(ctx context.Context) error {
		return h.retry(ctx, blocking, msgq.ErrNoMessage, func(ctx context.Context) error {
			m, popErr := h.eng.store.Pop(ctx, h.ref, typ, maxLength)
			if popErr != nil {
				return popErr
			}
			msg = m
			op.Bytes = len(m.Payload)
			return nil
		})
	})
	if err != nil {
		err = classify(err, msgq.ErrPop)
		h.eng.extensions.EmitOperationFailed(ctx, h.info, mw.OpPop, err)
		return msgq.Message{}, err
	}

	h.eng.extensions.EmitMessagePopped(ctx, h.info, msg.Type, len(msg.Payload), time.Since(start))
	return msg, nil
}

// Stats returns the pending message and byte counts.
func (h *Handle) Stats(ctx context.Context) (msgq.Stats, error) {
	if h.closed.Load() {
		return msgq.Stats{}, msgq.ErrHandleClosed
	}

	var st msgq.Stats
	err := h.eng.chain(ctx, h.op(mw.OpStats, 0, false), func(ctx context.Context) error {
		var statsErr error
		st, statsErr = h.eng.store.Stats(ctx, h.ref)
		return statsErr
	})
	if err != nil {
		err = classify(err, msgq.ErrStats)
		h.eng.extensions.EmitOperationFailed(ctx, h.info, mw.OpStats, err)
		return msgq.Stats{}, err
	}
	return st, nil
}

// Destroy removes the channel for every handle. Destroying a channel that
// is already gone returns an error matching both msgq.ErrDestroy and
// msgq.ErrChannelGone.
func (h *Handle) Destroy(ctx context.Context) error {
	if h.closed.Load() {
		return msgq.ErrHandleClosed
	}

	err := h.eng.chain(ctx, h.op(mw.OpDestroy, 0, false), func(ctx context.Context) error {
		return h.eng.store.Destroy(ctx, h.ref)
	})
	if err != nil {
		if !errors.Is(err, msgq.ErrDestroy) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", msgq.ErrDestroy, err)
		}
		h.eng.extensions.EmitOperationFailed(ctx, h.info, mw.OpDestroy, err)
		return err
	}

	h.eng.logger.Info("channel destroyed",
		slog.Int64("key", int64(h.info.Key)),
		slog.String("channel", h.info.ID.String()),
		slog.String("handle", h.id.String()),
	)
	h.eng.extensions.EmitChannelDestroyed(ctx, h.info)
	return nil
}

// Close releases the handle. It is idempotent, never touches the channel,
// and wakes calls blocked on this handle with msgq.ErrHandleClosed.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	close(h.done)
	h.eng.forget(h)

	ctx := context.Background()
	_ = h.eng.chain(ctx, h.op(mw.OpClose, 0, false), func(context.Context) error { return nil }) //nolint:errcheck // close always succeeds
	h.eng.extensions.EmitHandleClosed(ctx, h.info, h.id)
	return nil
}

// retry runs attempt until it succeeds, fails with something other than
// notReady, or (in blocking mode) the wait is interrupted. The change
// channel is taken before each attempt so a change racing the attempt
// still wakes the waiter.
func (h *Handle) retry(ctx context.Context, blocking bool, notReady error, attempt func(context.Context) error) error {
	n := 0
	for {
		if h.closed.Load() {
			return msgq.ErrHandleClosed
		}

		changes := h.eng.store.Changes(h.info.Key)
		err := attempt(ctx)
		if err == nil || !blocking || !errors.Is(err, notReady) {
			return err
		}

		n++
		timer := time.NewTimer(h.eng.wait.Delay(n))
		select {
		case <-changes:
			n = 0
		case <-timer.C:
		case <-h.done:
			timer.Stop()
			return msgq.ErrHandleClosed
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}
