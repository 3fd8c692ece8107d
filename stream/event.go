// Package stream fans engine lifecycle events out to live subscribers.
// A Broker registers as an ext.Extension and republishes every hook it
// receives as an Event on topic-based pub/sub, so wire clients can watch a
// channel without polling it.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Channel events.
	EventChannelOpened    EventType = "channel.opened"
	EventChannelDestroyed EventType = "channel.destroyed"
	EventHandleClosed     EventType = "channel.handle_closed"

	// Message events.
	EventMessagePushed   EventType = "message.pushed"
	EventMessagePopped   EventType = "message.popped"
	EventOperationFailed EventType = "message.failed"

	// Broker events.
	EventStatsReport EventType = "broker.stats"
)

// Event is the envelope sent to subscribers on a topic.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type" msgpack:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts" msgpack:"ts"`

	// Topic is the channel-specific topic this event was published on.
	Topic string `json:"topic" msgpack:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data" msgpack:"data"`
}

// ChannelEventData is the payload for channel and message events.
type ChannelEventData struct {
	Key       int64  `json:"key"`
	ChannelID string `json:"channel_id"`
	HandleID  string `json:"handle_id,omitempty"`
	Created   bool   `json:"created,omitempty"`
	Type      int64  `json:"type,omitempty"`
	Size      int    `json:"size,omitempty"`
	WaitedMs  int64  `json:"waited_ms,omitempty"`
	Op        string `json:"op,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatsEventData is the payload for periodic broker stats reports.
type StatsEventData struct {
	Channels int   `json:"channels"`
	Messages int64 `json:"messages"`
	Bytes    int64 `json:"bytes"`
}
