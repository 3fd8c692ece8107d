// Package backoff provides delay strategies for blocked-call re-checks and
// client reconnects. All strategies are stateless and safe for concurrent
// use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before attempt n.
type Strategy interface {
	// Delay returns how long to wait before attempt n (1-indexed).
	// Values of n below 1 are treated as 1.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return exp(e.Initial, e.Max, attempt)
}

// ──────────────────────────────────────────────────
// EqualJitter
// ──────────────────────────────────────────────────

// EqualJitter keeps half of the exponential delay and randomizes the other
// half, so the delay is never zero. Waiters woken together spread out
// without ever spinning.
// Delay = b/2 + random[0, b/2] where b = min(Initial * 2^(attempt-1), Max).
type EqualJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewEqualJitter creates an exponential strategy with equal jitter.
func NewEqualJitter(initial, maxDelay time.Duration) *EqualJitter {
	return &EqualJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a duration in [b/2, b].
func (e *EqualJitter) Delay(attempt int) time.Duration {
	b := exp(e.Initial, e.Max, attempt)
	half := b / 2
	return half + time.Duration(rand.Float64()*float64(b-half)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

func exp(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ──────────────────────────────────────────────────
// Defaults
// ──────────────────────────────────────────────────

// WaitStrategy returns the re-check strategy used by blocked engine calls.
func WaitStrategy(minDelay, maxDelay time.Duration) Strategy {
	return NewEqualJitter(minDelay, maxDelay)
}

// ReconnectStrategy returns the default client reconnect strategy:
// equal jitter from 100ms up to 10s.
func ReconnectStrategy() Strategy {
	return NewEqualJitter(100*time.Millisecond, 10*time.Second)
}
