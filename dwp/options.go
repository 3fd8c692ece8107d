package dwp

import (
	"log/slog"
	"time"

	"github.com/xraph/msgq/ratelimit"
)

// Option configures a Server.
type Option func(*Server)

// WithCodec sets the codec used when a hello names no format.
func WithCodec(codec Codec) Option {
	return func(s *Server) { s.defaultCodec = codec }
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithPath sets the WebSocket endpoint path. Default is "/msgq".
func WithPath(path string) Option {
	return func(s *Server) { s.path = path }
}

// WithRateLimiter applies per-key and per-session admission limits to push
// and pop requests.
func WithRateLimiter(m *ratelimit.Manager) Option {
	return func(s *Server) { s.limiter = m }
}

// WithHelloTimeout bounds how long a new connection may take to send its
// hello frame. Default is 10s.
func WithHelloTimeout(d time.Duration) Option {
	return func(s *Server) { s.helloTimeout = d }
}
