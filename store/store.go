// Package store defines the channel persistence interface. A backend holds
// channels and their pending messages and performs every push and pop
// atomically. Backends: Memory, Redis and Postgres.
package store

import (
	"context"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/id"
)

// Ref addresses one incarnation of a channel. A key may be destroyed and
// re-created; operations through a stale Ref fail with msgq.ErrChannelGone.
type Ref struct {
	Key msgq.Key
	ID  id.ChannelID
}

// OpenParams describes a create-or-attach request with every default
// already resolved.
type OpenParams struct {
	Key            msgq.Key
	Perm           uint32
	Capacity       int64
	MaxMessageSize int64

	// Exclusive fails with msgq.ErrExists when the key is taken.
	Exclusive bool

	// MaxChannels fails creation with msgq.ErrTooManyChannels once this
	// many channels exist. Zero means unlimited.
	MaxChannels int
}

// Store is the channel persistence interface.
//
// Push and Pop never wait. A full channel yields msgq.ErrWouldBlock and an
// empty one msgq.ErrNoMessage; callers that want to block wait on Changes
// and retry.
type Store interface {
	// Open attaches to the channel for p.Key or creates it. created reports
	// whether this call created it.
	Open(ctx context.Context, p OpenParams) (info msgq.Info, created bool, err error)

	// Push appends a message. It returns msgq.ErrWouldBlock when the
	// channel lacks space and msgq.ErrMessageTooLarge when the payload
	// could never fit.
	Push(ctx context.Context, ref Ref, typ msgq.Type, payload []byte) error

	// Pop removes and returns the oldest message matching typ. If that
	// message is longer than maxLength it returns msgq.ErrBufferTooSmall
	// and leaves the message in place.
	Pop(ctx context.Context, ref Ref, typ msgq.Type, maxLength int64) (msgq.Message, error)

	// Stats returns the pending message and byte counts.
	Stats(ctx context.Context, ref Ref) (msgq.Stats, error)

	// Destroy removes the channel and every pending message.
	Destroy(ctx context.Context, ref Ref) error

	// List returns every live channel ordered by key.
	List(ctx context.Context) ([]msgq.Info, error)

	// Changes returns a channel that is closed on the next push, pop or
	// destroy affecting key. Take it before attempting an operation so no
	// change between the attempt and the wait is missed.
	Changes(key msgq.Key) <-chan struct{}

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
