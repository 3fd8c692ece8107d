package dwp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/msgq/engine"
	"github.com/xraph/msgq/id"
	"github.com/xraph/msgq/observability"
	"github.com/xraph/msgq/ratelimit"
	"github.com/xraph/msgq/stream"
)

// Server accepts WebSocket sessions and serves the wire protocol against an
// engine. Handles opened by a session are owned by it and are closed, never
// destroyed, when the session ends.
type Server struct {
	eng          *engine.Engine
	broker       *stream.Broker
	limiter      *ratelimit.Manager
	handler      *Handler
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
	path         string
	helloTimeout time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	closing  atomic.Bool
	wg       sync.WaitGroup
	sessions sync.Map // session ID → net.Conn
}

// NewServer creates a server for eng. broker may be nil to disable event
// subscriptions.
func NewServer(eng *engine.Engine, broker *stream.Broker, opts ...Option) *Server {
	s := &Server{
		eng:          eng,
		broker:       broker,
		defaultCodec: &JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
		path:         "/msgq",
		helloTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handler = NewHandler(eng, broker, s.limiter, s.logger)
	s.handler.conns = s.conns
	return s
}

// Broker returns the event broker, if any.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Path returns the WebSocket endpoint path.
func (s *Server) Path() string { return s.path }

// Mux returns an http.ServeMux serving the WebSocket endpoint, Prometheus
// metrics at /metrics and a store health check at /healthz.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(s.path, s)
	mux.Handle("/metrics", observability.Handler(s.eng))
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if err := s.eng.Store().Ping(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n")) //nolint:errcheck // client went away
}

// ServeHTTP upgrades the request to a WebSocket and serves the session
// until the peer disconnects or the server shuts down.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("msgq websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.serveConn(conn)
}

// session pairs a connection's state with its socket. Writes are
// serialized because responses and events are produced concurrently.
type session struct {
	conn  net.Conn
	state *Connection
	mu    sync.Mutex
}

func (ss *session) write(frame *Frame) error {
	data, err := ss.state.Codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("dwp: encode frame: %w", err)
	}
	op := ws.OpText
	if ss.state.Codec.Binary() {
		op = ws.OpBinary
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return wsutil.WriteServerMessage(ss.conn, op, data)
}

// writeJSON sends a frame as JSON text, before a codec is negotiated.
func writeJSON(conn net.Conn, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return wsutil.WriteServerText(conn, data)
}

// hello reads and answers the opening frame. It always arrives as JSON.
func (s *Server) hello(conn net.Conn) (*Connection, *Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.helloTimeout)); err != nil {
		return nil, nil, err
	}
	data, err := wsutil.ReadClientText(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("dwp: read hello frame: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, nil, err
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		_ = writeJSON(conn, NewErrorFrame("", ErrCodeBadRequest, "invalid hello frame")) //nolint:errcheck // best-effort error response before disconnect
		return nil, nil, fmt.Errorf("dwp: unmarshal hello frame: %w", err)
	}
	if frame.Method != MethodHello {
		_ = writeJSON(conn, NewErrorFrame(frame.ID, ErrCodeBadRequest, "first frame must be hello")) //nolint:errcheck // best-effort error response before disconnect
		return nil, nil, fmt.Errorf("dwp: expected hello frame, got %q", frame.Method)
	}

	var req HelloRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			_ = writeJSON(conn, NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid hello data")) //nolint:errcheck // best-effort error response before disconnect
			return nil, nil, fmt.Errorf("dwp: unmarshal hello data: %w", err)
		}
	}

	codec := s.defaultCodec
	if req.Format != "" {
		codec, err = LookupCodec(req.Format)
		if err != nil {
			_ = writeJSON(conn, NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())) //nolint:errcheck // best-effort error response before disconnect
			return nil, nil, err
		}
	}

	state := NewConnection(id.NewSessionID(), codec)
	state.Client = req.Client

	cfg := s.eng.Config()
	resp, err := NewResponseFrame(codec, frame.ID, HelloResponse{
		Format:    codec.Name(),
		SessionID: state.ID,
		Version:   Version,
		Limits: SessionLimits{
			DefaultCapacity: cfg.DefaultCapacity,
			MaxMessageSize:  cfg.MaxMessageSize,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dwp: marshal hello response: %w", err)
	}
	return state, resp, nil
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	state, resp, err := s.hello(conn)
	if err != nil {
		s.logger.Warn("msgq session rejected",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()),
		)
		return
	}

	ss := &session{conn: conn, state: state}
	sessionID := state.ID.String()
	s.conns.Add(state)
	s.sessions.Store(sessionID, conn)
	if s.closing.Load() {
		// Shutdown may have swept sessions before this one registered.
		_ = conn.Close() //nolint:errcheck // read loop exits on the closed conn
	}

	var sub *stream.Subscriber
	if s.broker != nil {
		sub = s.broker.Subscribe(sessionID)
		go s.forwardEvents(ss, sub)
	}

	s.logger.Info("msgq session opened",
		slog.String("session_id", sessionID),
		slog.String("client", state.Client),
		slog.String("codec", state.Codec.Name()),
		slog.String("remote", conn.RemoteAddr().String()),
	)

	var requests sync.WaitGroup
	defer func() {
		// Unblock writers first so in-flight requests can finish.
		_ = conn.Close() //nolint:errcheck // already closed by the peer in most cases
		closed := state.Close()
		requests.Wait()

		if s.broker != nil {
			s.broker.RemoveSubscriber(sessionID)
		}
		if s.limiter != nil {
			s.limiter.ForgetSession(sessionID)
		}
		s.sessions.Delete(sessionID)
		s.conns.Remove(state.ID)
		s.logger.Info("msgq session closed",
			slog.String("session_id", sessionID),
			slog.Int("handles_closed", closed),
		)
	}()

	// The session is registered before the hello response so a client
	// can subscribe as soon as it is answered.
	if err := ss.write(resp); err != nil {
		return
	}

	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		state.Touch()

		frame, err := state.Codec.Decode(data)
		if err != nil {
			s.writeOrWarn(ss, NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+err.Error()))
			continue
		}

		switch {
		case frame.Type == FramePing:
			s.writeOrWarn(ss, &Frame{
				ID:        GenerateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: time.Now().UTC(),
			})
		case frame.Credits > 0:
			if sub != nil {
				sub.AddCredits(int64(frame.Credits))
			}
		case frame.Type != FrameRequest:
			s.writeOrWarn(ss, NewErrorFrame(frame.ID, ErrCodeBadRequest, "unexpected frame type: "+string(frame.Type)))
		case frame.Method == MethodCancel:
			s.writeOrWarn(ss, s.handler.Handle(s.ctx, frame, state))
		default:
			ctx, cancel := context.WithCancel(s.ctx)
			done := state.StartRequest(frame.ID, cancel)
			requests.Add(1)
			go func() {
				defer requests.Done()
				defer done()
				s.writeOrWarn(ss, s.handler.Handle(ctx, frame, state))
			}()
		}
	}
}

func (s *Server) writeOrWarn(ss *session, frame *Frame) {
	if err := ss.write(frame); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("failed to write frame",
			slog.String("session_id", ss.state.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// forwardEvents relays broker events to the session until the subscriber
// is closed.
func (s *Server) forwardEvents(ss *session, sub *stream.Subscriber) {
	for evt := range sub.C() {
		frame, err := NewEventFrame(ss.state.Codec, evt.Topic, evt)
		if err != nil {
			continue
		}
		if err := ss.write(frame); err != nil {
			return
		}
	}
}

// CloseIdle disconnects sessions that have sent nothing for longer than
// idle and have no request in flight. It returns the number disconnected.
func (s *Server) CloseIdle(_ context.Context, idle time.Duration) int {
	n := 0
	for _, c := range s.conns.Idle(time.Now().Add(-idle)) {
		if c.InFlight() > 0 {
			continue
		}
		if conn, ok := s.sessions.Load(c.ID.String()); ok {
			_ = conn.(net.Conn).Close() //nolint:errcheck,forcetypeassert // sessions always stores net.Conn
			n++
		}
	}
	if n > 0 {
		s.logger.Info("closed idle msgq sessions", slog.Int("count", n), slog.Duration("idle", idle))
	}
	return n
}

// Shutdown stops accepting sessions, disconnects the open ones and waits
// for their cleanup to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closing.Swap(true) {
		return nil
	}
	s.cancel()
	s.sessions.Range(func(_, v any) bool {
		_ = v.(net.Conn).Close() //nolint:errcheck,forcetypeassert // sessions always stores net.Conn
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
