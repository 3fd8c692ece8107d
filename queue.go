package msgq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/msgq/id"
)

// Key identifies a channel. Every caller presenting the same key attaches
// to the same channel.
type Key int64

// PrivateKey asks the broker to allocate a fresh, unused key and create a
// new channel under it.
const PrivateKey Key = 0

// String returns the decimal form of the key.
func (k Key) String() string { return strconv.FormatInt(int64(k), 10) }

// ParseKey parses a decimal key.
func ParseKey(s string) (Key, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d is negative", ErrInvalidKey, n)
	}
	return Key(n), nil
}

// Type is a caller-chosen message tag. Pushed messages carry a type of at
// least 1; the zero type selects any message on pop.
type Type int64

const (
	// AnyType pops the oldest message regardless of its type.
	AnyType Type = 0

	// DefaultType is the type used when the caller has no preference.
	DefaultType Type = 1
)

// MaxPerm is the largest accepted permission mode.
const MaxPerm uint32 = 0o777

// ValidatePushType reports whether t may be attached to a pushed message.
func ValidatePushType(t Type) error {
	if t <= 0 {
		return fmt.Errorf("%w: push type %d must be positive", ErrInvalidType, t)
	}
	return nil
}

// ValidatePopType reports whether t is a valid pop selector.
func ValidatePopType(t Type) error {
	if t < 0 {
		return fmt.Errorf("%w: pop type %d must not be negative", ErrInvalidType, t)
	}
	return nil
}

// Stats is an instantaneous snapshot of a channel's pending contents.
type Stats struct {
	Messages int64 `json:"messages" msgpack:"messages"`
	Bytes    int64 `json:"bytes"    msgpack:"bytes"`
}

// Info describes a channel as it was created.
type Info struct {
	Key            Key          `json:"key"              msgpack:"key"`
	ID             id.ChannelID `json:"id"               msgpack:"id"`
	Perm           uint32       `json:"perm"             msgpack:"perm"`
	Capacity       int64        `json:"capacity"         msgpack:"capacity"`
	MaxMessageSize int64        `json:"max_message_size" msgpack:"max_message_size"`
	CreatedAt      time.Time    `json:"created_at"       msgpack:"created_at"`
}

// ChannelStats pairs a channel with a snapshot of its contents.
type ChannelStats struct {
	Info  Info  `json:"info"  msgpack:"info"`
	Stats Stats `json:"stats" msgpack:"stats"`
}

// Message is a popped message together with the type it was pushed with.
type Message struct {
	Type    Type   `json:"type"    msgpack:"type"`
	Payload []byte `json:"payload" msgpack:"payload"`
}

// Queue is a handle to a channel. Handles returned by the engine and by the
// wire client both satisfy it.
type Queue interface {
	// Info returns the channel description captured when the handle was
	// opened.
	Info() Info

	// Push enqueues payload with the given type. In blocking mode it waits
	// for free space; otherwise a full channel yields ErrWouldBlock.
	Push(ctx context.Context, payload []byte, typ Type) error

	// Pop dequeues the oldest message matching typ (AnyType matches all).
	// A maxLength of zero or less means the channel's max message size.
	// In blocking mode it waits for a match; otherwise it yields
	// ErrNoMessage.
	Pop(ctx context.Context, typ Type, maxLength int64) ([]byte, error)

	// Receive is Pop that also reports the popped message's type, which
	// differs from typ when typ is AnyType.
	Receive(ctx context.Context, typ Type, maxLength int64) (Message, error)

	// SetBlocking changes the mode used by calls that start afterwards.
	SetBlocking(enabled bool)

	// Blocking reports the current mode.
	Blocking() bool

	// Stats returns the pending message and byte counts.
	Stats(ctx context.Context) (Stats, error)

	// Destroy removes the channel for every handle.
	Destroy(ctx context.Context) error

	// Close releases this handle. It never destroys the channel.
	Close() error
}
