package client

import (
	"log/slog"
	"time"

	"github.com/xraph/msgq/backoff"
)

// Option configures a Client.
type Option func(*Client)

// WithFormat sets the wire format for frame encoding.
// Supported values: "json" (default), "msgpack".
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// WithName sets the client name reported to the broker in the hello.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReconnect enables automatic reconnection. Delays between attempts
// come from strategy; nil keeps the default jittered exponential backoff.
func WithReconnect(maxRetries int, strategy backoff.Strategy) Option {
	return func(c *Client) {
		c.reconnect = true
		c.maxRetries = maxRetries
		if strategy != nil {
			c.strategy = strategy
		}
	}
}

// WithHelloTimeout bounds the session handshake. Default is 10s.
func WithHelloTimeout(d time.Duration) Option {
	return func(c *Client) { c.helloTimeout = d }
}

// WithControlTimeout bounds calls that take no context: SetBlocking,
// Queue.Close and resubscription after a reconnect. Default is 10s.
func WithControlTimeout(d time.Duration) Option {
	return func(c *Client) { c.controlTimeout = d }
}
