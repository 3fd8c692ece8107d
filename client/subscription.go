package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/dwp"
	"github.com/xraph/msgq/stream"
)

// subscriptionBuffer is the local event buffer per subscription.
const subscriptionBuffer = 64

// Subscription receives events for one stream topic. Events that arrive
// while the buffer is full are dropped and counted.
type Subscription struct {
	topic   string
	ch      chan *stream.Event
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func newSubscription(topic string) *Subscription {
	return &Subscription{topic: topic, ch: make(chan *stream.Event, subscriptionBuffer)}
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// C returns the event channel. It is closed by Unsubscribe and by
// Client.Close.
func (s *Subscription) C() <-chan *stream.Event { return s.ch }

// Dropped returns the number of events dropped locally.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) deliver(codec dwp.Codec, frame *dwp.Frame) {
	var evt stream.Event
	if err := codec.Unmarshal(frame.Data, &evt); err != nil {
		s.dropped.Add(1)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- &evt:
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Subscribe subscribes to a stream topic:
//   - "channel:<key>"  events for one channel
//   - "channels"       every channel and message event
//   - "firehose"       everything, including broker stats reports
func (c *Client) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	sub := newSubscription(topic)
	if old, loaded := c.subs.Swap(topic, sub); loaded {
		old.(*Subscription).close() //nolint:forcetypeassert // subs map always stores *Subscription
	}

	if err := c.request(ctx, dwp.MethodSubscribe, dwp.SubscribeRequest{Channel: topic}, nil); err != nil {
		c.subs.CompareAndDelete(topic, sub)
		sub.close()
		return nil, fmt.Errorf("subscribe to %q: %w", topic, err)
	}
	return sub, nil
}

// Watch subscribes to the events of the channel for key.
func (c *Client) Watch(ctx context.Context, key msgq.Key) (*Subscription, error) {
	return c.Subscribe(ctx, stream.ChannelTopic(key))
}

// Unsubscribe removes a subscription and closes its event channel.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	err := c.request(ctx, dwp.MethodUnsubscribe, dwp.UnsubscribeRequest{Channel: topic}, nil)

	// Close and remove the local channel regardless.
	if val, ok := c.subs.LoadAndDelete(topic); ok {
		val.(*Subscription).close() //nolint:forcetypeassert // subs map always stores *Subscription
	}
	return err
}
