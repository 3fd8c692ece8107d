package ratelimit

import "golang.org/x/time/rate"

// SessionConfig defines limits applied to each wire session independently.
type SessionConfig struct {
	// RateLimit is the sustained operations per second for one session.
	RateLimit float64

	// RateBurst is the burst size for the session's token bucket.
	RateBurst int

	// MaxInFlight caps concurrent operations for one session.
	MaxInFlight int
}

func (c SessionConfig) limited() bool { return c.RateLimit > 0 || c.MaxInFlight > 0 }

// sessionGate returns the gate for session, creating it on first use.
// Must be called with m.mu held.
func (m *Manager) sessionGate(session string) *gate {
	if session == "" {
		return nil
	}
	if g, ok := m.sessions[session]; ok {
		return g
	}
	if !m.sessionDefault.limited() {
		return nil
	}
	g := newGate(m.sessionDefault.RateLimit, m.sessionDefault.RateBurst, m.sessionDefault.MaxInFlight)
	m.sessions[session] = g
	return g
}

// SetSessionConfig overrides the limits for one session. The current
// in-flight count is preserved.
func (m *Manager) SetSessionConfig(session string, cfg SessionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := &gate{maxInFlight: cfg.MaxInFlight}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if existing := m.sessions[session]; existing != nil {
		g.active = existing.active
	}
	m.sessions[session] = g
}

// ForgetSession drops the state for a session that has disconnected.
func (m *Manager) ForgetSession(session string) {
	m.mu.Lock()
	delete(m.sessions, session)
	m.mu.Unlock()
}

// SessionActiveCount returns the in-flight operations for a session.
func (m *Manager) SessionActiveCount(session string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.sessions[session]; g != nil {
		return g.active
	}
	return 0
}
