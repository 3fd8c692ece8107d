package dwp

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/msgq/engine"
	"github.com/xraph/msgq/id"
)

// Connection is the server-side state of one session. Handles opened over
// the session belong to it and are closed when it ends.
type Connection struct {
	// ID uniquely identifies this session.
	ID id.SessionID

	// Client is the name the peer sent in its hello, if any.
	Client string

	// Codec is the negotiated wire format.
	Codec Codec

	// ConnectedAt records when the session was established.
	ConnectedAt time.Time

	lastActivity atomic.Int64 // unix nanoseconds

	mu            sync.Mutex
	handles       map[string]*engine.Handle
	requests      map[string]context.CancelFunc
	subscriptions map[string]struct{}
	closed        bool
}

// NewConnection creates the state for a new session.
func NewConnection(sessionID id.SessionID, codec Codec) *Connection {
	now := time.Now().UTC()
	c := &Connection{
		ID:            sessionID,
		Codec:         codec,
		ConnectedAt:   now,
		handles:       make(map[string]*engine.Handle),
		requests:      make(map[string]context.CancelFunc),
		subscriptions: make(map[string]struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Touch updates the last activity timestamp.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when the last frame was received.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load()).UTC()
}

// AddHandle records a handle owned by the session. It reports false when
// the session has already ended; the caller must close the handle itself.
func (c *Connection) AddHandle(h *engine.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.handles[h.ID().String()] = h
	return true
}

// Handle returns an owned handle by ID.
func (c *Connection) Handle(handleID id.HandleID) (*engine.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[handleID.String()]
	return h, ok
}

// RemoveHandle forgets an owned handle and returns it.
func (c *Connection) RemoveHandle(handleID id.HandleID) (*engine.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[handleID.String()]
	delete(c.handles, handleID.String())
	return h, ok
}

// HandleCount returns the number of handles the session owns.
func (c *Connection) HandleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// StartRequest registers an in-flight request so request.cancel can reach
// it. The returned function must be called when the request completes.
func (c *Connection) StartRequest(frameID string, cancel context.CancelFunc) (done func()) {
	c.mu.Lock()
	c.requests[frameID] = cancel
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.requests, frameID)
		c.mu.Unlock()
		cancel()
	}
}

// CancelRequest cancels an in-flight request. It reports whether the
// request was still running.
func (c *Connection) CancelRequest(frameID string) bool {
	c.mu.Lock()
	cancel, ok := c.requests[frameID]
	delete(c.requests, frameID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// InFlight returns the number of requests still running.
func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// AddSubscription records a topic subscription.
func (c *Connection) AddSubscription(topic string) {
	c.mu.Lock()
	c.subscriptions[topic] = struct{}{}
	c.mu.Unlock()
}

// RemoveSubscription removes a topic subscription.
func (c *Connection) RemoveSubscription(topic string) {
	c.mu.Lock()
	delete(c.subscriptions, topic)
	c.mu.Unlock()
}

// Subscriptions returns the subscribed topics, sorted.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Close ends the session: it cancels in-flight requests and closes every
// owned handle. Channels are left in place. It returns the number of
// handles closed.
func (c *Connection) Close() int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	c.closed = true
	cancels := make([]context.CancelFunc, 0, len(c.requests))
	for _, cancel := range c.requests {
		cancels = append(cancels, cancel)
	}
	handles := make([]*engine.Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.requests = make(map[string]context.CancelFunc)
	c.handles = make(map[string]*engine.Handle)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, h := range handles {
		_ = h.Close() //nolint:errcheck // Close is idempotent
	}
	return len(handles)
}

// ConnectionManager tracks active sessions.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.conns[conn.ID.String()] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection.
func (cm *ConnectionManager) Remove(sessionID id.SessionID) {
	cm.mu.Lock()
	delete(cm.conns, sessionID.String())
	cm.mu.Unlock()
}

// Get returns a connection by session ID.
func (cm *ConnectionManager) Get(sessionID id.SessionID) (*Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.conns[sessionID.String()]
	return c, ok
}

// Count returns the number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// Handles returns the number of handles owned across all sessions.
func (cm *ConnectionManager) Handles() int {
	n := 0
	for _, c := range cm.All() {
		n += c.HandleCount()
	}
	return n
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	return out
}

// Idle returns the connections with no activity since before cutoff.
func (cm *ConnectionManager) Idle(cutoff time.Time) []*Connection {
	var out []*Connection
	for _, c := range cm.All() {
		if c.LastActivity().Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}
