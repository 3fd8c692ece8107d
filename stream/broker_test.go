package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/engine"
	"github.com/xraph/msgq/id"
	"github.com/xraph/msgq/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testInfo(key msgq.Key) msgq.Info {
	return msgq.Info{Key: key, ID: id.NewChannelID(), Perm: 0o666, Capacity: 1024, MaxMessageSize: 512}
}

func receive(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case evt := <-sub.C():
		return evt
	case <-time.After(time.Second):
		t.Fatalf("subscriber %s timed out", sub.ID())
		return nil
	}
}

func assertNoEvent(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case evt := <-sub.C():
		t.Fatalf("unexpected event %s on %s", evt.Type, sub.ID())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerChannelTopic(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("sub-1", ChannelTopic(42))

	_ = b.OnMessagePushed(context.Background(), testInfo(42), 3, 17)

	evt := receive(t, sub)
	if evt.Type != EventMessagePushed {
		t.Errorf("Type = %q, want %q", evt.Type, EventMessagePushed)
	}
	if evt.Topic != "channel:42" {
		t.Errorf("Topic = %q, want channel:42", evt.Topic)
	}

	var data ChannelEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Key != 42 || data.Type != 3 || data.Size != 17 {
		t.Errorf("unexpected data %+v", data)
	}

	// Events for another key must not arrive.
	_ = b.OnMessagePushed(context.Background(), testInfo(43), 1, 1)
	assertNoEvent(t, sub)
}

func TestBrokerFanOut(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	firehose := b.Subscribe("firehose-sub", TopicFirehose)
	channels := b.Subscribe("channels-sub", TopicChannels)
	both := b.Subscribe("both-sub", TopicChannels, ChannelTopic(7))

	_ = b.OnChannelDestroyed(context.Background(), testInfo(7))

	for _, sub := range []*Subscriber{firehose, channels, both} {
		if evt := receive(t, sub); evt.Type != EventChannelDestroyed {
			t.Errorf("%s: Type = %q", sub.ID(), evt.Type)
		}
	}
	// Subscribed to two matching topics, delivered once.
	assertNoEvent(t, both)

	b.PublishStats(StatsEventData{Channels: 1, Messages: 2, Bytes: 3})
	if evt := receive(t, firehose); evt.Type != EventStatsReport {
		t.Errorf("firehose: Type = %q, want %q", evt.Type, EventStatsReport)
	}
	assertNoEvent(t, channels)

	if got := b.Stats().TotalPublished; got != 4 {
		t.Errorf("TotalPublished = %d, want 4", got)
	}
}

func TestBrokerOperationFailedCarriesKind(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("sub", TopicChannels)

	_ = b.OnOperationFailed(context.Background(), testInfo(5), "pop", msgq.ErrNoMessage)

	var data ChannelEventData
	if err := json.Unmarshal(receive(t, sub).Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data.Op != "pop" || data.Kind != "not_found" {
		t.Errorf("unexpected data %+v", data)
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	sub := b.Subscribe("sub-rm", TopicFirehose)
	b.RemoveSubscriber("sub-rm")

	_ = b.OnChannelDestroyed(context.Background(), testInfo(1))

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("channel should be closed after RemoveSubscriber")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel should be closed after RemoveSubscriber")
	}
}

func TestBrokerResubscribeReplaces(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	old := b.Subscribe("dup", TopicFirehose)
	fresh := b.Subscribe("dup", ChannelTopic(9))

	if _, ok := <-old.C(); ok {
		t.Fatal("replaced subscriber should be closed")
	}
	if got := b.Stats().SubscriberCount; got != 1 {
		t.Errorf("SubscriberCount = %d, want 1", got)
	}
	if !b.SubscribeTo("dup", TopicChannels) {
		t.Fatal("SubscribeTo existing subscriber should succeed")
	}
	if b.SubscribeTo("missing", TopicChannels) {
		t.Fatal("SubscribeTo unknown subscriber should fail")
	}
	if len(fresh.Topics()) != 2 {
		t.Errorf("Topics = %v, want 2 entries", fresh.Topics())
	}
}

func TestBrokerShutdownClosesSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	s1 := b.Subscribe("s1", TopicFirehose)
	s2 := b.Subscribe("s2", ChannelTopic(1))

	_ = b.OnShutdown(context.Background())

	for _, sub := range []*Subscriber{s1, s2} {
		if _, ok := <-sub.C(); ok {
			t.Errorf("%s should be closed", sub.ID())
		}
	}
	if st := b.Stats(); st.SubscriberCount != 0 || st.TopicCount != 0 {
		t.Errorf("stats after shutdown = %+v", st)
	}
}

func TestBrokerAsEngineExtension(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	eng, err := engine.New(memory.New(), engine.WithLogger(testLogger()), engine.WithExtension(b))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	defer eng.Close(context.Background())

	ctx := context.Background()
	sub := b.Subscribe("watcher", ChannelTopic(77))

	h, err := eng.Open(ctx, 77, msgq.NonBlocking())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.Push(ctx, []byte("hello"), 2); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, err := h.Pop(ctx, 2, 0); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if _, err := h.Pop(ctx, 2, 0); !errors.Is(err, msgq.ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage, got %v", err)
	}

	want := []EventType{EventChannelOpened, EventMessagePushed, EventMessagePopped, EventOperationFailed}
	for _, typ := range want {
		if evt := receive(t, sub); evt.Type != typ {
			t.Errorf("Type = %q, want %q", evt.Type, typ)
		}
	}
}

func TestSubscriberCredits(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("credit-sub", 10, 2)
	evt := &Event{Type: EventMessagePushed, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	if !sub.send(evt) || !sub.send(evt) {
		t.Fatal("sends within credits should succeed")
	}
	if sub.send(evt) {
		t.Fatal("third send should fail (no credits)")
	}
	if sub.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", sub.Dropped())
	}

	sub.AddCredits(5)
	if sub.Credits() != 5 {
		t.Errorf("Credits = %d, want 5", sub.Credits())
	}
	if !sub.send(evt) {
		t.Fatal("send after credit replenishment should succeed")
	}
}

func TestSubscriberFullBufferRestoresCredit(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("full-sub", 1, 10)
	evt := &Event{Type: EventMessagePushed}

	if !sub.send(evt) {
		t.Fatal("first send should succeed")
	}
	if sub.send(evt) {
		t.Fatal("send into a full buffer should fail")
	}
	if sub.Credits() != 9 {
		t.Errorf("Credits = %d, want 9", sub.Credits())
	}
}

func TestSubscriberFilter(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("filter-sub", 10, 100)
	sub.SetFilter(func(e *Event) bool { return e.Type == EventChannelDestroyed })

	if sub.send(&Event{Type: EventMessagePushed}) {
		t.Fatal("push event should be filtered out")
	}
	if !sub.send(&Event{Type: EventChannelDestroyed}) {
		t.Fatal("destroy event should pass filter")
	}
}

func TestSubscriberSendAfterClose(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("closed-sub", 10, 100)
	sub.Close()
	sub.Close()
	if sub.send(&Event{Type: EventMessagePushed}) {
		t.Fatal("send after close should fail")
	}
}

func TestTopicValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		valid bool
	}{
		{TopicChannels, true},
		{TopicFirehose, true},
		{"channel:123", true},
		{"channel:0", true},
		{"channel:-1", false},
		{"channel:abc", false},
		{"queue:default", false},
		{"invalid", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.valid && err != nil {
				t.Errorf("ValidateTopic(%q) returned error: %v", tt.topic, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateTopic(%q) should return error", tt.topic)
			}
		})
	}
}

func TestParseChannelTopic(t *testing.T) {
	t.Parallel()

	key, ok := ParseChannelTopic(ChannelTopic(987654321))
	if !ok || key != 987654321 {
		t.Errorf("ParseChannelTopic = %d, %v", key, ok)
	}
	if _, ok := ParseChannelTopic(TopicFirehose); ok {
		t.Error("firehose is not a channel topic")
	}
}

func TestTopicRegistry(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()
	sub1 := NewSubscriber("s1", 10, 100)
	sub2 := NewSubscriber("s2", 10, 100)

	tr.Subscribe("topic-a", sub1)
	tr.Subscribe("topic-a", sub2)
	tr.Subscribe("topic-b", sub1)

	if tr.TopicCount() != 2 {
		t.Errorf("TopicCount = %d, want 2", tr.TopicCount())
	}
	if tr.SubscriberCount("topic-a") != 2 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 2", tr.SubscriberCount("topic-a"))
	}

	tr.Unsubscribe("topic-a", "s2")
	if tr.SubscriberCount("topic-a") != 1 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 1", tr.SubscriberCount("topic-a"))
	}

	tr.UnsubscribeAll("s1")
	if tr.TopicCount() != 0 {
		t.Errorf("TopicCount after UnsubscribeAll = %d, want 0", tr.TopicCount())
	}
}

func TestResolveTopics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		evt      *Event
		expected []string
	}{
		{
			evt:      &Event{Type: EventMessagePushed, Topic: "channel:1"},
			expected: []string{TopicFirehose, TopicChannels, "channel:1"},
		},
		{
			evt:      &Event{Type: EventStatsReport},
			expected: []string{TopicFirehose},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.evt.Type), func(t *testing.T) {
			topics := resolveTopics(tt.evt)
			if len(topics) != len(tt.expected) {
				t.Fatalf("got %v, want %v", topics, tt.expected)
			}
			for i, topic := range topics {
				if topic != tt.expected[i] {
					t.Errorf("topic[%d] = %q, want %q", i, topic, tt.expected[i])
				}
			}
		})
	}
}
