package dwp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/engine"
	"github.com/xraph/msgq/id"
	"github.com/xraph/msgq/ratelimit"
	"github.com/xraph/msgq/stream"
)

// Handler dispatches request frames to engine operations on behalf of a
// session.
type Handler struct {
	eng     *engine.Engine
	broker  *stream.Broker
	limiter *ratelimit.Manager
	conns   *ConnectionManager
	logger  *slog.Logger
}

// NewHandler creates a method handler. broker and limiter may be nil, in
// which case subscriptions are refused and admission is unlimited.
func NewHandler(eng *engine.Engine, broker *stream.Broker, limiter *ratelimit.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{eng: eng, broker: broker, limiter: limiter, logger: logger}
}

// Handle processes a single request frame and returns the response or
// error frame to send back.
func (h *Handler) Handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	resp, err := h.dispatch(ctx, frame, conn)
	if err != nil {
		return NewErrorFrameFor(frame.ID, err)
	}
	out, err := NewResponseFrame(conn.Codec, frame.ID, resp)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return out
}

func (h *Handler) dispatch(ctx context.Context, frame *Frame, conn *Connection) (any, error) {
	switch frame.Method {
	case MethodOpen:
		return h.handleOpen(ctx, frame, conn)
	case MethodPush:
		return h.handlePush(ctx, frame, conn)
	case MethodPop:
		return h.handlePop(ctx, frame, conn)
	case MethodSetBlocking:
		return h.handleSetBlocking(frame, conn)
	case MethodStats:
		return h.handleStats(ctx, frame, conn)
	case MethodInfo:
		return h.handleInfo(frame, conn)
	case MethodDestroy:
		return h.handleDestroy(ctx, frame, conn)
	case MethodClose:
		return h.handleClose(frame, conn)
	case MethodCancel:
		return h.handleCancel(frame, conn)
	case MethodSubscribe:
		return h.handleSubscribe(frame, conn)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(frame, conn)
	case MethodServerStats:
		return h.handleServerStats(ctx)
	case MethodHello:
		return nil, fmt.Errorf("%w: session already established", ErrProtocol)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, frame.Method)
	}
}

func decode(conn *Connection, frame *Frame, v any) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("%w: missing request data", ErrProtocol)
	}
	if err := conn.Codec.Unmarshal(frame.Data, v); err != nil {
		return fmt.Errorf("%w: invalid request: %w", ErrProtocol, err)
	}
	return nil
}

// lookup resolves a handle owned by conn. Unknown handles are reported as
// closed.
func lookup(conn *Connection, handleID id.HandleID) (*engine.Handle, error) {
	h, ok := conn.Handle(handleID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown handle %s", msgq.ErrHandleClosed, handleID)
	}
	return h, nil
}

// admit applies rate limits for an operation on key. The returned release
// must be called when the operation ends.
func (h *Handler) admit(key msgq.Key, conn *Connection) (release func(), err error) {
	if h.limiter == nil {
		return func() {}, nil
	}
	session := conn.ID.String()
	if !h.limiter.Acquire(key, session) {
		return nil, fmt.Errorf("%w: channel %s", msgq.ErrRateLimited, key)
	}
	return func() { h.limiter.Release(key, session) }, nil
}

func (h *Handler) handleOpen(ctx context.Context, frame *Frame, conn *Connection) (any, error) {
	var req OpenRequest
	if err := decode(conn, frame, &req); err != nil {
		return nil, err
	}
	handle, err := h.eng.Open(ctx, req.Key, req.Options.Options())
	if err != nil {
		return nil, err
	}
	if !conn.AddHandle(handle) {
		_ = handle.Close() //nolint:errcheck // session ended during open
		return nil, fmt.Errorf("%w: session closed", msgq.ErrHandleClosed)
	}
	return OpenResponse{Handle: handle.ID(), Info: handle.Info()}, nil
}

func (h *Handler) handlePush(ctx context.Context, frame *Frame, conn *Connection) (any, error) {
	var req PushRequest
	if err := decode(conn, frame, &req); err != nil {
		return nil, err
	}
	handle, err := lookup(conn, req.Handle)
	if err != nil {
		return nil, err
	}
	release, err := h.admit(handle.Key(), conn)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := handle.Push(ctx, req.Payload, req.Type); err != nil {
		return nil, err
	}
	return StatusResponse{Status: "ok"}, nil
}

func (h *Handler) handlePop(ctx context.Context, frame *Frame, conn *Connection) (any, error) {
	var req PopRequest
	if err := decode(conn, frame, &req); err != nil {
		return nil, err
	}
	handle, err := lookup(conn, req.Handle)
	if err != nil {
		return nil, err
	}
	release, err := h.admit(handle.Key(), conn)
	if err != nil {
		return nil, err
	}
	defer release()
	return handle.Receive(ctx, req.Type, req.MaxLength)
}

func (h *Handler) handleSetBlocking(frame *Frame, conn *Connection) (any, error) {
	var req SetBlockingRequest
	if err := decode(conn, frame, &req); err != nil {
		return nil, err
	}
	handle, err := lookup(conn, req.Handle)
	if err != nil {
		return nil, err
	}
	handle.SetBlocking(req.Blocking)
	return StatusResponse{Status: "ok"}, nil
}

func (h *Handler) handleStats(ctx context.Context, frame *Frame, conn *Connection) (any, error) {
	var req HandleRequest
	if err := decode(conn, frame, &req); err != nil {
		return nil, err
	}
	handle, err := lookup(conn, req.Handle)
	if err != nil {
		return nil, err
	}
	return handle.Stats(ctx)
}

func (h *Handler) handleInfo(frame *Frame, conn *Connection) (any, error) {
	var req HandleRequest
	if err := decode(conn, frame, &req); err != nil {
		return nil, err
	}
	handle, err := lookup(conn, req.Handle)
	if err != nil {
		return nil, err
	}
	return handle.Info(), nil
}

func (h *Handler) handleDestroy(ctx context.Context, frame *Frame, conn *Connection) (any, error) {
	var req HandleRequest
	if err := decode(conn, frame, &req); err != nil {
		return nil, err
	}
	handle, err := lookup(conn, req.Handle)
	if err != nil {
		return nil, err
	}
	if err := handle.Destroy(ctx); err != nil {
		return nil, err
	}
	return StatusResponse{Status: "destroyed"}, nil
}

func (h *Handler) handleClose(frame *Frame, conn *Connection) (any, error) {
	var req HandleRequest
	if err := decode(conn, frame, &req); err != nil {
		return nil, err
	}
	handle, ok := conn.RemoveHandle(req.Handle)
	if !ok {
		return nil, fmt.Errorf("%w: unknown handle %s", msgq.ErrHandleClosed, req.Handle)
	}
	if err := handle.Close(); err != nil {
		return nil, err
	}
	return StatusResponse{Status: "closed"}, nil
}

func (h *Handler) handleCancel(frame *Frame, conn *Connection) (any, error) {
	var req CancelRequest
	if err := decode(conn, frame, &req); err != nil {
		return nil, err
	}
	return CancelResponse{Cancelled: conn.CancelRequest(req.RequestID)}, nil
}

func (h *Handler) handleSubscribe(frame *Frame, conn *Connection) (any, error) {
	var req SubscribeRequest
	if err := decode(conn, frame, &req); err != nil {
		return nil, err
	}
	if err := stream.ValidateTopic(req.Channel); err != nil {
		return nil, fmt.Errorf("%w: %w", msgq.ErrInvalidArgument, err)
	}
	if h.broker == nil || !h.broker.SubscribeTo(conn.ID.String(), req.Channel) {
		return nil, fmt.Errorf("%w: event streaming unavailable", ErrProtocol)
	}
	conn.AddSubscription(req.Channel)
	return SubscriptionResponse{Channel: req.Channel, Status: "subscribed"}, nil
}

func (h *Handler) handleUnsubscribe(frame *Frame, conn *Connection) (any, error) {
	var req UnsubscribeRequest
	if err := decode(conn, frame, &req); err != nil {
		return nil, err
	}
	if h.broker != nil {
		h.broker.Unsubscribe(conn.ID.String(), req.Channel)
	}
	conn.RemoveSubscription(req.Channel)
	return SubscriptionResponse{Channel: req.Channel, Status: "unsubscribed"}, nil
}

func (h *Handler) handleServerStats(ctx context.Context) (any, error) {
	channels, err := h.eng.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats := ServerStats{Channels: channels}
	if h.conns != nil {
		stats.Connections = h.conns.Count()
		stats.Handles = h.conns.Handles()
	}
	if h.broker != nil {
		stats.Broker = h.broker.Stats()
	}
	return stats, nil
}
