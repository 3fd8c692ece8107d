package msgq

import (
	"context"
	"errors"
	"fmt"
)

// Error classes. Every error returned by a Queue matches exactly one class
// with errors.Is, except a repeated destroy which matches both ErrDestroy
// and ErrChannelGone.
var (
	ErrCreation        = errors.New("msgq: cannot create channel")
	ErrInvalidArgument = errors.New("msgq: invalid argument")
	ErrPush            = errors.New("msgq: push failed")
	ErrPop             = errors.New("msgq: pop failed")
	ErrWouldBlock      = errors.New("msgq: operation would block")
	ErrNotFound        = errors.New("msgq: not found")
	ErrBufferTooSmall  = errors.New("msgq: message exceeds receive buffer")
	ErrStats           = errors.New("msgq: stats unavailable")
	ErrDestroy         = errors.New("msgq: destroy failed")
	ErrHandleClosed    = errors.New("msgq: handle closed")
	ErrRateLimited     = errors.New("msgq: rate limited")
	ErrStoreClosed     = errors.New("msgq: store closed")
)

// Creation errors.
var (
	ErrExists          = fmt.Errorf("%w: channel already exists", ErrCreation)
	ErrTooManyChannels = fmt.Errorf("%w: too many channels", ErrCreation)
)

// Invalid argument errors.
var (
	ErrInvalidType     = fmt.Errorf("%w: message type", ErrInvalidArgument)
	ErrMessageTooLarge = fmt.Errorf("%w: message too large", ErrInvalidArgument)
	ErrInvalidKey      = fmt.Errorf("%w: key", ErrInvalidArgument)
	ErrInvalidPerm     = fmt.Errorf("%w: permissions", ErrInvalidArgument)
)

// Not found errors.
var (
	ErrNoMessage   = fmt.Errorf("%w: no matching message", ErrNotFound)
	ErrChannelGone = fmt.Errorf("%w: channel destroyed", ErrNotFound)
)

// Kind is the error class of a queue error, for layers that cannot carry Go
// error values (wire codes, exit statuses).
type Kind int

// Error kinds.
const (
	KindNone Kind = iota
	KindCreation
	KindInvalidArgument
	KindPush
	KindPop
	KindWouldBlock
	KindNotFound
	KindBufferTooSmall
	KindStats
	KindDestroy
	KindHandleClosed
	KindRateLimited
	KindCanceled
	KindInternal
)

var kindNames = map[Kind]string{
	KindNone:            "none",
	KindCreation:        "creation",
	KindInvalidArgument: "invalid_argument",
	KindPush:            "push",
	KindPop:             "pop",
	KindWouldBlock:      "would_block",
	KindNotFound:        "not_found",
	KindBufferTooSmall:  "buffer_too_small",
	KindStats:           "stats",
	KindDestroy:         "destroy",
	KindHandleClosed:    "handle_closed",
	KindRateLimited:     "rate_limited",
	KindCanceled:        "canceled",
	KindInternal:        "internal",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindOf classifies err. The order matters: a repeated destroy wraps both
// ErrDestroy and ErrChannelGone and is reported as KindDestroy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrHandleClosed):
		return KindHandleClosed
	case errors.Is(err, ErrWouldBlock):
		return KindWouldBlock
	case errors.Is(err, ErrBufferTooSmall):
		return KindBufferTooSmall
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrCreation):
		return KindCreation
	case errors.Is(err, ErrDestroy):
		return KindDestroy
	case errors.Is(err, ErrStats):
		return KindStats
	case errors.Is(err, ErrPush):
		return KindPush
	case errors.Is(err, ErrPop):
		return KindPop
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// Expected reports whether err is a recoverable outcome a polling caller
// should expect (would block, nothing to pop) rather than a failure.
func Expected(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrNoMessage)
}
