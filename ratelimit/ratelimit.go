package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/xraph/msgq"
)

// Config defines limits for one channel key.
type Config struct {
	// Key is the channel key this config applies to. It is ignored for the
	// default config.
	Key msgq.Key

	// RateLimit is the maximum sustained operations per second. Zero
	// disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token bucket. Defaults to 1 if
	// RateLimit is set but RateBurst is zero.
	RateBurst int

	// MaxInFlight caps concurrent operations. Zero means no cap.
	MaxInFlight int
}

// limited reports whether the config imposes any limit.
func (c Config) limited() bool { return c.RateLimit > 0 || c.MaxInFlight > 0 }

// gate is the runtime state for one key or session.
type gate struct {
	limiter     *rate.Limiter
	maxInFlight int
	active      int
}

func newGate(rateLimit float64, burst, maxInFlight int) *gate {
	g := &gate{maxInFlight: maxInFlight}
	if rateLimit > 0 {
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	}
	return g
}

// full reports whether the gate has no free in-flight slot.
func (g *gate) full() bool { return g.maxInFlight > 0 && g.active >= g.maxInFlight }

// Manager controls per-key and per-session admission. It is safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	keys     map[msgq.Key]*gate
	sessions map[string]*gate

	defaults       Config
	sessionDefault SessionConfig
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeyConfig adds limits for specific keys.
func WithKeyConfig(cfgs ...Config) Option {
	return func(m *Manager) {
		for _, cfg := range cfgs {
			m.keys[cfg.Key] = newGate(cfg.RateLimit, cfg.RateBurst, cfg.MaxInFlight)
		}
	}
}

// WithDefault sets the limits applied to keys without their own config.
func WithDefault(cfg Config) Option {
	return func(m *Manager) { m.defaults = cfg }
}

// WithSessionLimits sets the limits applied to every session.
func WithSessionLimits(cfg SessionConfig) Option {
	return func(m *Manager) { m.sessionDefault = cfg }
}

// NewManager creates a Manager. Without options it admits everything.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		keys:     make(map[msgq.Key]*gate),
		sessions: make(map[string]*gate),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// keyGate returns the gate for key, creating it from the default config.
// Must be called with m.mu held.
func (m *Manager) keyGate(key msgq.Key) *gate {
	if g, ok := m.keys[key]; ok {
		return g
	}
	if !m.defaults.limited() {
		return nil
	}
	g := newGate(m.defaults.RateLimit, m.defaults.RateBurst, m.defaults.MaxInFlight)
	m.keys[key] = g
	return g
}

// Acquire checks the limits for key and session. If the operation may
// proceed it takes an in-flight slot and returns true; the caller MUST
// call Release when the operation completes. An empty session skips the
// session checks.
func (m *Manager) Acquire(key msgq.Key, session string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	kg := m.keyGate(key)
	if kg != nil && kg.full() {
		return false
	}
	sg := m.sessionGate(session)
	if sg != nil && sg.full() {
		return false
	}

	// Tokens are spent only once both in-flight gates have room.
	if kg != nil && kg.limiter != nil && !kg.limiter.Allow() {
		return false
	}
	if sg != nil && sg.limiter != nil && !sg.limiter.Allow() {
		return false
	}

	if kg != nil {
		kg.active++
	}
	if sg != nil {
		sg.active++
	}
	return true
}

// Release frees the in-flight slot taken by Acquire.
func (m *Manager) Release(key msgq.Key, session string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g := m.keys[key]; g != nil && g.active > 0 {
		g.active--
	}
	if session != "" {
		if g := m.sessions[session]; g != nil && g.active > 0 {
			g.active--
		}
	}
}

// SetKeyConfig updates (or creates) the limits for a key. The current
// in-flight count is preserved.
func (m *Manager) SetKeyConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := newGate(cfg.RateLimit, cfg.RateBurst, cfg.MaxInFlight)
	if existing := m.keys[cfg.Key]; existing != nil {
		g.active = existing.active
	}
	m.keys[cfg.Key] = g
}

// ActiveCount returns the in-flight operations on key.
func (m *Manager) ActiveCount(key msgq.Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.keys[key]; g != nil {
		return g.active
	}
	return 0
}
