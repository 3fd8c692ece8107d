package dwp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	gu "github.com/xraph/go-utils/metrics"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/engine"
	"github.com/xraph/msgq/id"
	"github.com/xraph/msgq/ratelimit"
	"github.com/xraph/msgq/store/memory"
	"github.com/xraph/msgq/stream"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	all := append([]engine.Option{
		engine.WithLogger(testLogger()),
		engine.WithMetricFactory(gu.NewMetricsCollector("test")),
	}, opts...)
	eng, err := engine.New(memory.New(), all...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

type handlerEnv struct {
	eng     *engine.Engine
	broker  *stream.Broker
	handler *Handler
	conn    *Connection
}

func newHandlerEnv(t *testing.T, codec Codec, limiter *ratelimit.Manager) *handlerEnv {
	t.Helper()
	broker := stream.NewBroker(testLogger())
	eng := newTestEngine(t, engine.WithExtension(broker))
	h := NewHandler(eng, broker, limiter, testLogger())
	h.conns = NewConnectionManager()
	conn := NewConnection(id.NewSessionID(), codec)
	h.conns.Add(conn)
	return &handlerEnv{eng: eng, broker: broker, handler: h, conn: conn}
}

// call sends a request through the handler and returns the reply frame.
func (e *handlerEnv) call(t *testing.T, method string, data any) *Frame {
	t.Helper()
	req, err := NewRequestFrame(e.conn.Codec, method, data)
	if err != nil {
		t.Fatalf("NewRequestFrame(%s): %v", method, err)
	}
	resp := e.handler.Handle(context.Background(), req, e.conn)
	if resp == nil {
		t.Fatalf("%s: nil response", method)
	}
	if resp.CorrelID != req.ID {
		t.Fatalf("%s: CorrelID = %q, want %q", method, resp.CorrelID, req.ID)
	}
	return resp
}

// ok calls method, fails on an error frame and decodes the result into out.
func (e *handlerEnv) ok(t *testing.T, method string, data, out any) {
	t.Helper()
	resp := e.call(t, method, data)
	if resp.Type != FrameResponse {
		t.Fatalf("%s: got %s frame: %+v", method, resp.Type, resp.Error)
	}
	if out != nil {
		if err := e.conn.Codec.Unmarshal(resp.Data, out); err != nil {
			t.Fatalf("%s: decode response: %v", method, err)
		}
	}
}

// fail calls method and returns the error it reports.
func (e *handlerEnv) fail(t *testing.T, method string, data any) (*ErrorDetail, error) {
	t.Helper()
	resp := e.call(t, method, data)
	if resp.Type != FrameErr || resp.Error == nil {
		t.Fatalf("%s: got %s frame, want error", method, resp.Type)
	}
	return resp.Error, ErrorFor(resp.Error)
}

func (e *handlerEnv) open(t *testing.T, key msgq.Key, opts ...msgq.OpenOption) OpenResponse {
	t.Helper()
	var resp OpenResponse
	e.ok(t, MethodOpen, OpenRequest{Key: key, Options: msgq.ApplyOpenOptions(opts...)}, &resp)
	return resp
}

// ──────────────────────────────────────────────────
// Queue methods
// ──────────────────────────────────────────────────

func TestHandler_OpenPushPop(t *testing.T) {
	t.Parallel()

	for _, codec := range []Codec{&JSONCodec{}, &MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			env := newHandlerEnv(t, codec, nil)

			opened := env.open(t, 100, msgq.WithCapacity(64))
			if opened.Handle.IsNil() {
				t.Fatal("open should return a handle ID")
			}
			if opened.Info.Key != 100 || opened.Info.Capacity != 64 {
				t.Errorf("Info = %+v, want key 100 capacity 64", opened.Info)
			}
			if env.conn.HandleCount() != 1 {
				t.Errorf("HandleCount = %d, want 1", env.conn.HandleCount())
			}

			env.ok(t, MethodPush, PushRequest{Handle: opened.Handle, Type: 3, Payload: []byte("abc")}, nil)
			env.ok(t, MethodPush, PushRequest{Handle: opened.Handle, Type: 4, Payload: []byte{0, 1}}, nil)

			var stats msgq.Stats
			env.ok(t, MethodStats, HandleRequest{Handle: opened.Handle}, &stats)
			if stats.Messages != 2 || stats.Bytes != 5 {
				t.Errorf("Stats = %+v, want {2 5}", stats)
			}

			var msg msgq.Message
			env.ok(t, MethodPop, PopRequest{Handle: opened.Handle, Type: msgq.AnyType}, &msg)
			if msg.Type != 3 || string(msg.Payload) != "abc" {
				t.Errorf("pop = %+v, want type 3 abc", msg)
			}

			var info msgq.Info
			env.ok(t, MethodInfo, HandleRequest{Handle: opened.Handle}, &info)
			if info.ID.String() != opened.Info.ID.String() {
				t.Errorf("Info.ID = %s, want %s", info.ID, opened.Info.ID)
			}
		})
	}
}

func TestHandler_NonBlockingPopEmpty(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)

	opened := env.open(t, 101, msgq.NonBlocking())
	detail, err := env.fail(t, MethodPop, PopRequest{Handle: opened.Handle, Type: 1})
	if detail.Code != ErrCodeNotFound || detail.Reason != "no_message" {
		t.Errorf("error = %+v, want 404 no_message", detail)
	}
	if !errors.Is(err, msgq.ErrNoMessage) {
		t.Errorf("err = %v, want ErrNoMessage", err)
	}
}

func TestHandler_SetBlocking(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)

	opened := env.open(t, 102)
	env.ok(t, MethodSetBlocking, SetBlockingRequest{Handle: opened.Handle, Blocking: false}, nil)

	h, _ := env.conn.Handle(opened.Handle)
	if h.Blocking() {
		t.Fatal("handle should be non-blocking")
	}
	if _, err := env.fail(t, MethodPop, PopRequest{Handle: opened.Handle}); !errors.Is(err, msgq.ErrNoMessage) {
		t.Errorf("pop err = %v, want ErrNoMessage", err)
	}
}

func TestHandler_BlockingPopCancelled(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)

	opened := env.open(t, 103)
	req, _ := NewRequestFrame(env.conn.Codec, MethodPop, PopRequest{Handle: opened.Handle})

	ctx, cancel := context.WithCancel(context.Background())
	done := env.conn.StartRequest(req.ID, cancel)
	defer done()

	out := make(chan *Frame, 1)
	go func() { out <- env.handler.Handle(ctx, req, env.conn) }()

	var cancelled CancelResponse
	env.ok(t, MethodCancel, CancelRequest{RequestID: req.ID}, &cancelled)
	if !cancelled.Cancelled {
		t.Error("cancel should find the in-flight pop")
	}

	resp := <-out
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeCanceled {
		t.Fatalf("pop after cancel = %+v, want 499", resp.Error)
	}
}

func TestHandler_DestroyAndClose(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)

	a := env.open(t, 104)
	b := env.open(t, 104)

	env.ok(t, MethodDestroy, HandleRequest{Handle: a.Handle}, nil)

	_, err := env.fail(t, MethodPush, PushRequest{Handle: b.Handle, Type: 1, Payload: []byte("x")})
	if !errors.Is(err, msgq.ErrChannelGone) {
		t.Errorf("push after destroy = %v, want ErrChannelGone", err)
	}

	detail, err := env.fail(t, MethodDestroy, HandleRequest{Handle: b.Handle})
	if detail.Code != ErrCodeDestroy {
		t.Errorf("second destroy code = %d, want %d", detail.Code, ErrCodeDestroy)
	}
	if !errors.Is(err, msgq.ErrDestroy) || !errors.Is(err, msgq.ErrChannelGone) {
		t.Errorf("second destroy = %v, want ErrDestroy and ErrChannelGone", err)
	}

	env.ok(t, MethodClose, HandleRequest{Handle: a.Handle}, nil)
	detail, err = env.fail(t, MethodStats, HandleRequest{Handle: a.Handle})
	if detail.Code != ErrCodeHandleClosed || !errors.Is(err, msgq.ErrHandleClosed) {
		t.Errorf("stats on closed handle = %+v", detail)
	}
	if _, err := env.fail(t, MethodClose, HandleRequest{Handle: a.Handle}); !errors.Is(err, msgq.ErrHandleClosed) {
		t.Errorf("second close = %v, want ErrHandleClosed", err)
	}
}

func TestHandler_OpenErrors(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)

	env.open(t, 105)
	detail, err := env.fail(t, MethodOpen, OpenRequest{Key: 105, Options: msgq.ApplyOpenOptions(msgq.Exclusive())})
	if detail.Code != ErrCodeConflict || detail.Reason != "exists" {
		t.Errorf("exclusive open = %+v, want 409 exists", detail)
	}
	if !errors.Is(err, msgq.ErrExists) {
		t.Errorf("err = %v, want ErrExists", err)
	}

	_, err = env.fail(t, MethodOpen, OpenRequest{Key: -1})
	if !errors.Is(err, msgq.ErrInvalidKey) {
		t.Errorf("negative key = %v, want ErrInvalidKey", err)
	}
}

func TestHandler_InvalidPushType(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)

	opened := env.open(t, 106)
	_, err := env.fail(t, MethodPush, PushRequest{Handle: opened.Handle, Type: 0, Payload: []byte("x")})
	if !errors.Is(err, msgq.ErrInvalidType) {
		t.Errorf("push type 0 = %v, want ErrInvalidType", err)
	}
}

func TestHandler_UnknownHandle(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)

	detail, _ := env.fail(t, MethodPop, PopRequest{Handle: id.NewHandleID()})
	if detail.Code != ErrCodeHandleClosed {
		t.Errorf("code = %d, want %d", detail.Code, ErrCodeHandleClosed)
	}
}

// ──────────────────────────────────────────────────
// Protocol errors
// ──────────────────────────────────────────────────

func TestHandler_HandleUnknownMethod(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)

	detail, err := env.fail(t, "queue.teleport", nil)
	if detail.Code != ErrCodeMethodNotFound {
		t.Errorf("code = %d, want %d", detail.Code, ErrCodeMethodNotFound)
	}
	if !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("err = %v, want ErrUnknownMethod", err)
	}
}

func TestHandler_HandleBadData(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)

	frame := &Frame{ID: "bad-1", Type: FrameRequest, Method: MethodPush, Data: []byte("{not json")}
	resp := env.handler.Handle(context.Background(), frame, env.conn)
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeBadRequest {
		t.Errorf("bad data = %+v, want 400", resp.Error)
	}

	frame = &Frame{ID: "bad-2", Type: FrameRequest, Method: MethodPop}
	resp = env.handler.Handle(context.Background(), frame, env.conn)
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeBadRequest {
		t.Errorf("missing data = %+v, want 400", resp.Error)
	}
}

func TestHandler_RepeatedHello(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)

	detail, _ := env.fail(t, MethodHello, HelloRequest{})
	if detail.Code != ErrCodeBadRequest {
		t.Errorf("code = %d, want %d", detail.Code, ErrCodeBadRequest)
	}
}

// ──────────────────────────────────────────────────
// Subscriptions and admission
// ──────────────────────────────────────────────────

func TestHandler_Subscribe(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)

	sub := env.broker.Subscribe(env.conn.ID.String())

	var resp SubscriptionResponse
	env.ok(t, MethodSubscribe, SubscribeRequest{Channel: stream.ChannelTopic(107)}, &resp)
	if resp.Status != "subscribed" {
		t.Errorf("Status = %q, want subscribed", resp.Status)
	}
	if subs := env.conn.Subscriptions(); len(subs) != 1 || subs[0] != "channel:107" {
		t.Errorf("Subscriptions = %v", subs)
	}

	env.open(t, 107)
	select {
	case evt := <-sub.C():
		if evt.Type != stream.EventChannelOpened {
			t.Errorf("event = %s, want %s", evt.Type, stream.EventChannelOpened)
		}
	default:
		t.Fatal("subscriber should have received the open event")
	}

	env.ok(t, MethodUnsubscribe, UnsubscribeRequest{Channel: "channel:107"}, &resp)
	if resp.Status != "unsubscribed" {
		t.Errorf("Status = %q, want unsubscribed", resp.Status)
	}
	if len(env.conn.Subscriptions()) != 0 {
		t.Error("subscription should be removed")
	}
}

func TestHandler_SubscribeInvalidTopic(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)
	env.broker.Subscribe(env.conn.ID.String())

	detail, err := env.fail(t, MethodSubscribe, SubscribeRequest{Channel: "jobs"})
	if detail.Code != ErrCodeBadRequest || !errors.Is(err, msgq.ErrInvalidArgument) {
		t.Errorf("invalid topic = %+v", detail)
	}
}

func TestHandler_SubscribeWithoutSubscriber(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)

	detail, _ := env.fail(t, MethodSubscribe, SubscribeRequest{Channel: stream.TopicChannels})
	if detail.Code != ErrCodeBadRequest {
		t.Errorf("code = %d, want %d", detail.Code, ErrCodeBadRequest)
	}
}

func TestHandler_RateLimited(t *testing.T) {
	t.Parallel()
	limiter := ratelimit.NewManager(ratelimit.WithKeyConfig(ratelimit.Config{
		Key:       108,
		RateLimit: 0.001,
		RateBurst: 1,
	}))
	env := newHandlerEnv(t, &JSONCodec{}, limiter)

	opened := env.open(t, 108)
	env.ok(t, MethodPush, PushRequest{Handle: opened.Handle, Type: 1, Payload: []byte("a")}, nil)

	detail, err := env.fail(t, MethodPush, PushRequest{Handle: opened.Handle, Type: 1, Payload: []byte("b")})
	if detail.Code != ErrCodeRateLimited || !errors.Is(err, msgq.ErrRateLimited) {
		t.Errorf("second push = %+v, want 429", detail)
	}
	if limiter.ActiveCount(108) != 0 {
		t.Errorf("ActiveCount = %d, want 0 after completion", limiter.ActiveCount(108))
	}

	// Other keys are unaffected.
	other := env.open(t, 109)
	env.ok(t, MethodPush, PushRequest{Handle: other.Handle, Type: 1, Payload: []byte("c")}, nil)
}

func TestHandler_ServerStats(t *testing.T) {
	t.Parallel()
	env := newHandlerEnv(t, &JSONCodec{}, nil)

	a := env.open(t, 110)
	env.open(t, 111)
	env.ok(t, MethodPush, PushRequest{Handle: a.Handle, Type: 1, Payload: []byte("xyz")}, nil)

	var stats ServerStats
	env.ok(t, MethodServerStats, nil, &stats)
	if stats.Connections != 1 || stats.Handles != 2 {
		t.Errorf("Connections/Handles = %d/%d, want 1/2", stats.Connections, stats.Handles)
	}
	if len(stats.Channels) != 2 {
		t.Fatalf("Channels = %d, want 2", len(stats.Channels))
	}
	if stats.Channels[0].Info.Key != 110 || stats.Channels[0].Stats.Bytes != 3 {
		t.Errorf("Channels[0] = %+v, want key 110 with 3 bytes", stats.Channels[0])
	}
}
