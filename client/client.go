// Package client provides a Go client for using channels held by a remote
// msgq broker over the wire protocol.
//
// Usage:
//
//	c, err := client.Dial("ws://broker:7480/msgq",
//	    client.WithFormat("msgpack"),
//	)
//	defer c.Close()
//
//	q, err := c.Open(ctx, 42, msgq.WithCapacity(1<<20))
//	defer q.Close()
//
//	err = q.Push(ctx, []byte("hello"), 1)
//	payload, err := q.Pop(ctx, 1, 0)
//
// Queue satisfies msgq.Queue, and errors returned by the broker match the
// same msgq sentinels with errors.Is as in-process errors do.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/backoff"
	"github.com/xraph/msgq/dwp"
	"github.com/xraph/msgq/id"
)

// Client errors.
var (
	// ErrClosed is returned by calls made after Close. It matches
	// msgq.ErrHandleClosed.
	ErrClosed = fmt.Errorf("%w: client closed", msgq.ErrHandleClosed)

	// ErrConnectionLost is returned by calls whose connection dropped
	// before the broker answered. Whether the operation took effect is
	// unknown.
	ErrConnectionLost = errors.New("msgq/client: connection lost")
)

// Client is a wire-protocol client. It is safe for concurrent use; calls
// are multiplexed over one WebSocket connection.
type Client struct {
	url            string
	format         string
	name           string
	logger         *slog.Logger
	helloTimeout   time.Duration
	controlTimeout time.Duration

	// Reconnection.
	reconnect  bool
	maxRetries int
	strategy   backoff.Strategy

	codec dwp.Codec

	// Connection state.
	connMu    sync.RWMutex
	conn      net.Conn
	lost      chan struct{} // closed when the current connection drops
	sessionID id.SessionID
	limits    dwp.SessionLimits

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}

	// Request-response correlation.
	pending sync.Map // frameID → chan *dwp.Frame

	// Subscriptions.
	subs   sync.Map // topic → *Subscription
	events atomic.Int64
}

// creditBatch is how many events are received before credits are
// returned to the broker.
const creditBatch = 100

// Dial connects to a broker and opens a session.
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to a broker with a context.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:            url,
		format:         dwp.CodecNameJSON,
		logger:         slog.Default(),
		helloTimeout:   10 * time.Second,
		controlTimeout: 10 * time.Second,
		maxRetries:     5,
		strategy:       backoff.ReconnectStrategy(),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	codec, err := dwp.LookupCodec(c.format)
	if err != nil {
		return nil, fmt.Errorf("msgq/client: dial: %w", err)
	}
	c.codec = codec

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("msgq/client: dial: %w", err)
	}
	return c, nil
}

// connect establishes the WebSocket connection, sends the hello frame and
// starts the read loop. It reads the hello response directly since the
// read loop has not started yet.
func (c *Client) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The hello is always JSON; the response uses the negotiated codec.
	hello, err := dwp.NewRequestFrame(&dwp.JSONCodec{}, dwp.MethodHello, dwp.HelloRequest{
		Format: c.codec.Name(),
		Client: c.name,
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal hello: %w", err)
	}
	data, err := json.Marshal(hello)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal hello: %w", err)
	}
	if err := wsutil.WriteClientText(conn, data); err != nil {
		_ = conn.Close()
		return fmt.Errorf("write hello frame: %w", err)
	}

	type readResult struct {
		resp *dwp.Frame
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		data, _, readErr := wsutil.ReadServerData(conn)
		if readErr != nil {
			resultCh <- readResult{err: fmt.Errorf("read hello response: %w", readErr)}
			return
		}
		frame, decErr := c.codec.Decode(data)
		if decErr != nil {
			// A rejected hello is answered in JSON whatever format was asked for.
			var jsonFrame dwp.Frame
			if json.Unmarshal(data, &jsonFrame) != nil {
				resultCh <- readResult{err: fmt.Errorf("decode hello response: %w", decErr)}
				return
			}
			frame = &jsonFrame
		}
		resultCh <- readResult{resp: frame}
	}()

	var resp *dwp.Frame
	select {
	case result := <-resultCh:
		if result.err != nil {
			_ = conn.Close()
			return result.err
		}
		resp = result.resp
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-time.After(c.helloTimeout):
		_ = conn.Close()
		return fmt.Errorf("hello timeout")
	}

	if resp.Type == dwp.FrameErr {
		_ = conn.Close()
		return fmt.Errorf("hello rejected: %w", dwp.ErrorFor(resp.Error))
	}
	var helloResp dwp.HelloResponse
	if err := c.codec.Unmarshal(resp.Data, &helloResp); err != nil {
		_ = conn.Close()
		return fmt.Errorf("decode hello response: %w", err)
	}

	lost := make(chan struct{})
	c.connMu.Lock()
	c.conn = conn
	c.lost = lost
	c.sessionID = helloResp.SessionID
	c.limits = helloResp.Limits
	c.connMu.Unlock()
	c.events.Store(0)

	if c.closed.Load() {
		// Close ran while a reconnect was dialing.
		_ = conn.Close()
		return ErrClosed
	}

	c.logger.Info("msgq client connected",
		slog.String("session_id", helloResp.SessionID.String()),
		slog.String("format", helloResp.Format),
	)

	go c.readLoop(conn, lost)
	return nil
}

// readLoop reads frames from conn and routes them until conn fails.
func (c *Client) readLoop(conn net.Conn, lost chan struct{}) {
	defer close(lost)

	for {
		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("msgq client read error", slog.String("error", err.Error()))
			if c.reconnect {
				go c.tryReconnect()
			}
			return
		}

		frame, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warn("msgq client: invalid frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case dwp.FrameResponse, dwp.FrameErr:
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *dwp.Frame) //nolint:errcheck,forcetypeassert // pending map always stores chan *dwp.Frame
				select {
				case ch <- frame:
				default:
				}
			}
		case dwp.FrameEvent:
			if val, ok := c.subs.Load(frame.Channel); ok {
				val.(*Subscription).deliver(c.codec, frame) //nolint:forcetypeassert // subs map always stores *Subscription
			}
			c.replenish(conn)
		case dwp.FramePong:
			// Ignore pong frames.
		}
	}
}

// tryReconnect dials a new session using the reconnect strategy and
// restores subscriptions. Queues opened on the old session are not
// restored; their calls fail with msgq.ErrHandleClosed.
func (c *Client) tryReconnect() {
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		delay := c.strategy.Delay(attempt)
		c.logger.Info("msgq client reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		select {
		case <-time.After(delay):
		case <-c.done:
			return
		}

		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("msgq client reconnect failed", slog.String("error", err.Error()))
			continue
		}

		c.logger.Info("msgq client reconnected")
		c.resubscribe()
		return
	}
	c.logger.Error("msgq client: max reconnection attempts reached")
}

func (c *Client) resubscribe() {
	c.subs.Range(func(key, _ any) bool {
		topic := key.(string) //nolint:errcheck,forcetypeassert // subs map always keys by topic
		ctx, cancel := context.WithTimeout(context.Background(), c.controlTimeout)
		defer cancel()
		if err := c.request(ctx, dwp.MethodSubscribe, dwp.SubscribeRequest{Channel: topic}, nil); err != nil {
			c.logger.Warn("msgq client resubscribe failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
		}
		return true
	})
}

func (c *Client) current() (net.Conn, chan struct{}) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn, c.lost
}

// request sends a request frame and waits for the correlated response,
// decoding its data into out when out is non-nil. If ctx ends first the
// broker is asked to cancel the request.
func (c *Client) request(ctx context.Context, method string, data, out any) error {
	if c.closed.Load() {
		return ErrClosed
	}

	frame, err := dwp.NewRequestFrame(c.codec, method, data)
	if err != nil {
		return fmt.Errorf("msgq/client: marshal request data: %w", err)
	}

	respCh := make(chan *dwp.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	conn, lost := c.current()
	if err := c.writeFrame(conn, frame); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	select {
	case resp := <-respCh:
		if resp.Type == dwp.FrameErr {
			return dwp.ErrorFor(resp.Error)
		}
		if out != nil {
			if err := c.codec.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("msgq/client: decode %s response: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.cancelRemote(conn, frame.ID)
		return ctx.Err()
	case <-lost:
		if c.closed.Load() {
			return ErrClosed
		}
		return ErrConnectionLost
	}
}

// cancelRemote asks the broker to abandon an in-flight request. The reply
// is not awaited.
func (c *Client) cancelRemote(conn net.Conn, frameID string) {
	frame, err := dwp.NewRequestFrame(c.codec, dwp.MethodCancel, dwp.CancelRequest{RequestID: frameID})
	if err != nil {
		return
	}
	if err := c.writeFrame(conn, frame); err != nil {
		c.logger.Debug("msgq client: cancel not sent", slog.String("error", err.Error()))
	}
}

// replenish returns event credits to the broker once a batch has been
// received.
func (c *Client) replenish(conn net.Conn) {
	if c.events.Add(1)%creditBatch != 0 {
		return
	}
	frame := &dwp.Frame{
		ID:        dwp.GenerateFrameID(),
		Type:      dwp.FrameCredit,
		Credits:   creditBatch,
		Timestamp: time.Now().UTC(),
	}
	if err := c.writeFrame(conn, frame); err != nil {
		c.logger.Debug("msgq client: credits not sent", slog.String("error", err.Error()))
	}
}

// writeFrame encodes and sends a frame over conn.
func (c *Client) writeFrame(conn net.Conn, frame *dwp.Frame) error {
	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	op := ws.OpText
	if c.codec.Binary() {
		op = ws.OpBinary
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, op, data)
}

// SessionID returns the session ID assigned by the broker.
func (c *Client) SessionID() id.SessionID {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.sessionID
}

// Limits returns the broker defaults advertised in the hello response.
func (c *Client) Limits() dwp.SessionLimits {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.limits
}

// Format returns the negotiated wire format.
func (c *Client) Format() string { return c.codec.Name() }

// Open creates or attaches to the channel for key. The returned Queue is
// owned by this client's session.
func (c *Client) Open(ctx context.Context, key msgq.Key, opts ...msgq.OpenOption) (*Queue, error) {
	o := msgq.ApplyOpenOptions(opts...)
	var resp dwp.OpenResponse
	if err := c.request(ctx, dwp.MethodOpen, dwp.OpenRequest{Key: key, Options: o}, &resp); err != nil {
		return nil, err
	}
	return newQueue(c, resp.Handle, resp.Info, !o.NonBlocking), nil
}

// Stats retrieves connection, channel and broker statistics.
func (c *Client) Stats(ctx context.Context) (*dwp.ServerStats, error) {
	var stats dwp.ServerStats
	if err := c.request(ctx, dwp.MethodServerStats, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Ping sends a ping frame. The pong is not awaited.
func (c *Client) Ping() error {
	conn, _ := c.current()
	return c.writeFrame(conn, &dwp.Frame{
		ID:        dwp.GenerateFrameID(),
		Type:      dwp.FramePing,
		Timestamp: time.Now().UTC(),
	})
}

// Close closes the connection. The broker closes every queue the session
// opened; channels are left in place.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.subs.Range(func(key, val any) bool {
		val.(*Subscription).close() //nolint:forcetypeassert // subs map always stores *Subscription
		c.subs.Delete(key)
		return true
	})

	conn, _ := c.current()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
