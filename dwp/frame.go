// Package dwp implements the msgq wire protocol: request, response and
// event frames exchanged over a WebSocket so processes on other hosts can
// open and use channels held by a broker.
package dwp

import (
	"encoding/json"
	"time"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/id"
	"github.com/xraph/msgq/stream"
)

// Version is the protocol version reported in the hello response.
const Version = "1"

// FrameType identifies the frame category.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
	FrameErr      FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
	FrameCredit   FrameType = "credit"
)

// Frame is the wire envelope. Every message exchanged over the protocol is
// a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// Method names the operation for request frames (e.g., "queue.push").
	Method string `json:"method,omitempty" msgpack:"method,omitempty"`

	// CorrelID links a response to its originating request.
	CorrelID string `json:"correl_id,omitempty" msgpack:"correl_id,omitempty"`

	// Data carries the method-specific payload, encoded with the session
	// codec.
	Data json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`

	// Error carries error details for error frames.
	Error *ErrorDetail `json:"error,omitempty" msgpack:"error,omitempty"`

	// Channel identifies the subscription topic for event frames.
	Channel string `json:"channel,omitempty" msgpack:"channel,omitempty"`

	// Credits replenishes event flow-control credits.
	Credits int `json:"credits,omitempty" msgpack:"credits,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// ErrorDetail describes an error in an error frame. Reason names the
// specific condition within the code's class, when there is one.
type ErrorDetail struct {
	Code    int    `json:"code" msgpack:"code"`
	Reason  string `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Message string `json:"message" msgpack:"message"`
}

// ── Well-known methods ──────────────────────────────

const (
	// Session methods.
	MethodHello  = "hello"
	MethodCancel = "request.cancel"

	// Queue methods.
	MethodOpen        = "queue.open"
	MethodPush        = "queue.push"
	MethodPop         = "queue.pop"
	MethodSetBlocking = "queue.set_blocking"
	MethodStats       = "queue.stats"
	MethodInfo        = "queue.info"
	MethodDestroy     = "queue.destroy"
	MethodClose       = "queue.close"

	// Subscription methods.
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"

	// Admin methods.
	MethodServerStats = "stats"
)

// ── Request/Response payloads ───────────────────────

// HelloRequest opens a session. It is always sent as JSON.
type HelloRequest struct {
	Format string `json:"format,omitempty" msgpack:"format,omitempty"` // "json" (default) or "msgpack"
	Client string `json:"client,omitempty" msgpack:"client,omitempty"`
}

// HelloResponse confirms the session and the negotiated format.
type HelloResponse struct {
	Format    string        `json:"format" msgpack:"format"`
	SessionID id.SessionID  `json:"session_id" msgpack:"session_id"`
	Version   string        `json:"version" msgpack:"version"`
	Limits    SessionLimits `json:"limits" msgpack:"limits"`
}

// SessionLimits advertises broker defaults to the client.
type SessionLimits struct {
	DefaultCapacity int64 `json:"default_capacity" msgpack:"default_capacity"`
	MaxMessageSize  int64 `json:"max_message_size" msgpack:"max_message_size"`
}

// OpenRequest creates or attaches to the channel for Key.
type OpenRequest struct {
	Key     msgq.Key         `json:"key" msgpack:"key"`
	Options msgq.OpenOptions `json:"options" msgpack:"options"`
}

// OpenResponse returns the session-owned handle.
type OpenResponse struct {
	Handle id.HandleID `json:"handle" msgpack:"handle"`
	Info   msgq.Info   `json:"info" msgpack:"info"`
}

// HandleRequest addresses an open handle.
type HandleRequest struct {
	Handle id.HandleID `json:"handle" msgpack:"handle"`
}

// PushRequest enqueues Payload with Type.
type PushRequest struct {
	Handle  id.HandleID `json:"handle" msgpack:"handle"`
	Type    msgq.Type   `json:"type" msgpack:"type"`
	Payload []byte      `json:"payload" msgpack:"payload"`
}

// PopRequest dequeues a message matching Type.
type PopRequest struct {
	Handle    id.HandleID `json:"handle" msgpack:"handle"`
	Type      msgq.Type   `json:"type" msgpack:"type"`
	MaxLength int64       `json:"max_length,omitempty" msgpack:"max_length,omitempty"`
}

// SetBlockingRequest changes a handle's blocking mode.
type SetBlockingRequest struct {
	Handle   id.HandleID `json:"handle" msgpack:"handle"`
	Blocking bool        `json:"blocking" msgpack:"blocking"`
}

// CancelRequest cancels an in-flight request on the same session.
type CancelRequest struct {
	RequestID string `json:"request_id" msgpack:"request_id"`
}

// CancelResponse reports whether the request was still in flight.
type CancelResponse struct {
	Cancelled bool `json:"cancelled" msgpack:"cancelled"`
}

// SubscribeRequest subscribes to a stream topic.
type SubscribeRequest struct {
	Channel string `json:"channel" msgpack:"channel"`
}

// UnsubscribeRequest removes a subscription.
type UnsubscribeRequest struct {
	Channel string `json:"channel" msgpack:"channel"`
}

// SubscriptionResponse confirms a subscribe or unsubscribe.
type SubscriptionResponse struct {
	Channel string `json:"channel" msgpack:"channel"`
	Status  string `json:"status" msgpack:"status"`
}

// StatusResponse is returned by methods with no other result.
type StatusResponse struct {
	Status string `json:"status" msgpack:"status"`
}

// ServerStats is the result of the stats method.
type ServerStats struct {
	Connections int                 `json:"connections" msgpack:"connections"`
	Handles     int                 `json:"handles" msgpack:"handles"`
	Channels    []msgq.ChannelStats `json:"channels" msgpack:"channels"`
	Broker      stream.BrokerStats  `json:"broker" msgpack:"broker"`
}

// ── Frame constructors ──────────────────────────────

// NewRequestFrame creates a request frame with data encoded by codec.
func NewRequestFrame(codec Codec, method string, data any) (*Frame, error) {
	f := &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameRequest,
		Method:    method,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := codec.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return f, nil
}

// NewResponseFrame creates a response to a request.
func NewResponseFrame(codec Codec, correlID string, data any) (*Frame, error) {
	raw, err := codec.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameResponse,
		CorrelID:  correlID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewErrorFrame creates an error response to a request.
func NewErrorFrame(correlID string, code int, message string) *Frame {
	return &Frame{
		ID:       GenerateFrameID(),
		Type:     FrameErr,
		CorrelID: correlID,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewEventFrame creates an event frame for a subscription topic.
func NewEventFrame(codec Codec, channel string, data any) (*Frame, error) {
	raw, err := codec.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        GenerateFrameID(),
		Type:      FrameEvent,
		Channel:   channel,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GenerateFrameID returns a new unique frame ID.
func GenerateFrameID() string { return id.NewFrameID().String() }
