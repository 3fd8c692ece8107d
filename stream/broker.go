package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/ext"
	"github.com/xraph/msgq/id"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*Broker)(nil)
	_ ext.ChannelOpened    = (*Broker)(nil)
	_ ext.ChannelDestroyed = (*Broker)(nil)
	_ ext.HandleClosed     = (*Broker)(nil)
	_ ext.MessagePushed    = (*Broker)(nil)
	_ ext.MessagePopped    = (*Broker)(nil)
	_ ext.OperationFailed  = (*Broker)(nil)
	_ ext.Shutdown         = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker receives engine lifecycle hooks and fans them out to subscribers
// via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize     int
	defaultCredits int64
	now            func() time.Time
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a subscriber on the given topics. An existing
// subscriber with the same ID is replaced and closed.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	if old, loaded := b.subscribers.Swap(subscriberID, sub); loaded {
		b.topics.UnsubscribeAll(subscriberID)
		old.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics. It reports
// false when the subscriber is unknown.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) bool {
	sub, ok := b.GetSubscriber(subscriberID)
	if !ok {
		return false
	}
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return true
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count" msgpack:"topic_count"`
	SubscriberCount int   `json:"subscriber_count" msgpack:"subscriber_count"`
	TotalPublished  int64 `json:"total_published" msgpack:"total_published"`
	TotalDropped    int64 `json:"total_dropped" msgpack:"total_dropped"`
}

// PublishStats emits a broker-wide stats report on the firehose.
func (b *Broker) PublishStats(data StatsEventData) {
	b.publish(&Event{
		Type:      EventStatsReport,
		Timestamp: b.now(),
		Data:      mustMarshal(data),
	})
}

func (b *Broker) publish(evt *Event) {
	delivered, dropped := b.topics.Broadcast(resolveTopics(evt), evt)
	b.totalPublished.Add(int64(delivered))
	b.totalDropped.Add(int64(dropped))
}

func (b *Broker) publishChannel(typ EventType, info msgq.Info, data ChannelEventData) {
	data.Key = int64(info.Key)
	data.ChannelID = info.ID.String()
	b.publish(&Event{
		Type:      typ,
		Timestamp: b.now(),
		Topic:     ChannelTopic(info.Key),
		Data:      mustMarshal(data),
	})
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// ── Channel lifecycle hooks ─────────────────────────

func (b *Broker) OnChannelOpened(_ context.Context, info msgq.Info, handle id.HandleID, created bool) error {
	b.publishChannel(EventChannelOpened, info, ChannelEventData{
		HandleID: handle.String(),
		Created:  created,
	})
	return nil
}

func (b *Broker) OnChannelDestroyed(_ context.Context, info msgq.Info) error {
	b.publishChannel(EventChannelDestroyed, info, ChannelEventData{})
	return nil
}

func (b *Broker) OnHandleClosed(_ context.Context, info msgq.Info, handle id.HandleID) error {
	b.publishChannel(EventHandleClosed, info, ChannelEventData{HandleID: handle.String()})
	return nil
}

// ── Message hooks ───────────────────────────────────

func (b *Broker) OnMessagePushed(_ context.Context, info msgq.Info, typ msgq.Type, size int) error {
	b.publishChannel(EventMessagePushed, info, ChannelEventData{
		Type: int64(typ),
		Size: size,
	})
	return nil
}

func (b *Broker) OnMessagePopped(_ context.Context, info msgq.Info, typ msgq.Type, size int, waited time.Duration) error {
	b.publishChannel(EventMessagePopped, info, ChannelEventData{
		Type:     int64(typ),
		Size:     size,
		WaitedMs: waited.Milliseconds(),
	})
	return nil
}

func (b *Broker) OnOperationFailed(_ context.Context, info msgq.Info, op string, err error) error {
	b.publishChannel(EventOperationFailed, info, ChannelEventData{
		Op:    op,
		Kind:  msgq.KindOf(err).String(),
		Error: err.Error(),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(_, value any) bool {
		b.RemoveSubscriber(value.(*Subscriber).ID()) //nolint:errcheck // sync.Map always stores *Subscriber
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
