package dwp

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/msgq"
)

// Error codes carried in ErrorDetail.Code. They follow HTTP status codes
// where one fits; the 52x range covers backend failures.
const (
	ErrCodeBadRequest     = 400
	ErrCodeNotFound       = 404
	ErrCodeMethodNotFound = 405
	ErrCodeConflict       = 409
	ErrCodeHandleClosed   = 410
	ErrCodeBufferTooSmall = 413
	ErrCodeWouldBlock     = 423
	ErrCodeRateLimited    = 429
	ErrCodeCanceled       = 499
	ErrCodeInternal       = 500
	ErrCodePush           = 520
	ErrCodePop            = 521
	ErrCodeStats          = 522
	ErrCodeDestroy        = 523
)

// Protocol errors.
var (
	ErrUnknownMethod = errors.New("dwp: unknown method")
	ErrProtocol      = errors.New("dwp: protocol error")
	ErrInternal      = errors.New("dwp: internal server error")
)

// reasons maps a reason string to the specific error it names. The order
// of reasonOrder decides which reason is reported for an error matching
// more than one.
var reasons = map[string]error{
	"exists":            msgq.ErrExists,
	"too_many_channels": msgq.ErrTooManyChannels,
	"invalid_type":      msgq.ErrInvalidType,
	"message_too_large": msgq.ErrMessageTooLarge,
	"invalid_key":       msgq.ErrInvalidKey,
	"invalid_perm":      msgq.ErrInvalidPerm,
	"no_message":        msgq.ErrNoMessage,
	"channel_gone":      msgq.ErrChannelGone,
	"store_closed":      msgq.ErrStoreClosed,
	"deadline_exceeded": context.DeadlineExceeded,
}

var reasonOrder = []string{
	"exists", "too_many_channels",
	"invalid_type", "message_too_large", "invalid_key", "invalid_perm",
	"no_message", "channel_gone",
	"store_closed", "deadline_exceeded",
}

var kindCodes = map[msgq.Kind]int{
	msgq.KindCreation:        ErrCodeConflict,
	msgq.KindInvalidArgument: ErrCodeBadRequest,
	msgq.KindPush:            ErrCodePush,
	msgq.KindPop:             ErrCodePop,
	msgq.KindWouldBlock:      ErrCodeWouldBlock,
	msgq.KindNotFound:        ErrCodeNotFound,
	msgq.KindBufferTooSmall:  ErrCodeBufferTooSmall,
	msgq.KindStats:           ErrCodeStats,
	msgq.KindDestroy:         ErrCodeDestroy,
	msgq.KindHandleClosed:    ErrCodeHandleClosed,
	msgq.KindRateLimited:     ErrCodeRateLimited,
	msgq.KindCanceled:        ErrCodeCanceled,
	msgq.KindInternal:        ErrCodeInternal,
}

var codeErrors = map[int]error{
	ErrCodeBadRequest:     msgq.ErrInvalidArgument,
	ErrCodeNotFound:       msgq.ErrNotFound,
	ErrCodeMethodNotFound: ErrUnknownMethod,
	ErrCodeConflict:       msgq.ErrCreation,
	ErrCodeHandleClosed:   msgq.ErrHandleClosed,
	ErrCodeBufferTooSmall: msgq.ErrBufferTooSmall,
	ErrCodeWouldBlock:     msgq.ErrWouldBlock,
	ErrCodeRateLimited:    msgq.ErrRateLimited,
	ErrCodeCanceled:       context.Canceled,
	ErrCodePush:           msgq.ErrPush,
	ErrCodePop:            msgq.ErrPop,
	ErrCodeStats:          msgq.ErrStats,
	ErrCodeDestroy:        msgq.ErrDestroy,
	ErrCodeInternal:       ErrInternal,
}

// CodeFor returns the wire code and reason for err.
func CodeFor(err error) (int, string) {
	if errors.Is(err, ErrUnknownMethod) {
		return ErrCodeMethodNotFound, ""
	}
	if errors.Is(err, ErrProtocol) {
		return ErrCodeBadRequest, ""
	}
	code, ok := kindCodes[msgq.KindOf(err)]
	if !ok {
		code = ErrCodeInternal
	}
	for _, r := range reasonOrder {
		if errors.Is(err, reasons[r]) {
			return code, r
		}
	}
	return code, ""
}

// NewErrorFrameFor creates an error response describing err.
func NewErrorFrameFor(correlID string, err error) *Frame {
	code, reason := CodeFor(err)
	f := NewErrorFrame(correlID, code, err.Error())
	f.Error.Reason = reason
	return f
}

// ErrorFor rebuilds a Go error from an error frame. The result matches the
// same msgq sentinels with errors.Is as the error the server reported.
func ErrorFor(d *ErrorDetail) error {
	if d == nil {
		return nil
	}
	base, ok := codeErrors[d.Code]
	if !ok {
		base = ErrProtocol
	}
	specific, ok := reasons[d.Reason]
	switch {
	case !ok:
		return &RemoteError{Code: d.Code, Message: d.Message, err: base}
	case errors.Is(specific, base), d.Code == ErrCodeCanceled:
		return &RemoteError{Code: d.Code, Message: d.Message, err: specific}
	default:
		return &RemoteError{Code: d.Code, Message: d.Message, err: fmt.Errorf("%w: %w", base, specific)}
	}
}

// RemoteError is an error reported by the server.
type RemoteError struct {
	Code    int
	Message string
	err     error
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.err.Error()
}

func (e *RemoteError) Unwrap() error { return e.err }
