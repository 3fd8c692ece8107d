// Package ratelimit provides admission control for remote queue
// operations: per-key and per-session token buckets plus in-flight caps.
//
// A blocked pop holds its in-flight slot while it waits, so MaxInFlight
// bounds how many calls may be parked on one key or opened by one session.
//
// # Per-Key Configuration
//
//	ratelimit.Config{
//	    Key:         42,
//	    RateLimit:   500, // operations per second on key 42
//	    RateBurst:   1000,
//	    MaxInFlight: 64,  // concurrent push/pop calls on key 42
//	}
//
// Keys without a Config fall back to the manager's default Config, if set.
//
// # Manager
//
// [Manager] enforces the limits with a token-bucket rate limiter
// (golang.org/x/time/rate) and an active-count gate.
//
//	m := ratelimit.NewManager(ratelimit.WithKeyConfig(cfg))
//	if m.Acquire(key, sessionID) {
//	    defer m.Release(key, sessionID)
//	    // run the operation
//	}
package ratelimit
