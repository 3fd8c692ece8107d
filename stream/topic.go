package stream

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/xraph/msgq"
)

// Topic names follow a pattern:
//
//	channel:<key>   events for one channel key
//	channels        all channel and message events
//	firehose        everything, including broker reports

const (
	TopicChannels = "channels"
	TopicFirehose = "firehose"
)

// ChannelTopic returns the topic name for a channel key.
func ChannelTopic(key msgq.Key) string { return "channel:" + strconv.FormatInt(int64(key), 10) }

// TopicRegistry manages subscriber sets per topic.
// It is safe for concurrent use.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // topic → subscriberID → subscriber
}

// NewTopicRegistry creates an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		topics: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe adds a subscriber to a topic, creating the topic if needed.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[topic] = subs
	}
	subs[sub.ID()] = sub
	sub.addTopic(topic)
}

// Unsubscribe removes a subscriber from a topic. Empty topics are dropped.
func (tr *TopicRegistry) Unsubscribe(topic, subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		return
	}
	if sub, exists := subs[subscriberID]; exists {
		sub.removeTopic(topic)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(tr.topics, topic)
	}
}

// UnsubscribeAll removes a subscriber from all topics.
func (tr *TopicRegistry) UnsubscribeAll(subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for topic, subs := range tr.topics {
		if sub, ok := subs[subscriberID]; ok {
			sub.removeTopic(topic)
			delete(subs, subscriberID)
		}
		if len(subs) == 0 {
			delete(tr.topics, topic)
		}
	}
}

// Broadcast sends an event to every subscriber on any of topics. A
// subscriber on several of them receives the event once. Returns the
// number of deliveries and drops.
func (tr *TopicRegistry) Broadcast(topics []string, evt *Event) (delivered, dropped int) {
	tr.mu.RLock()
	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for id, sub := range tr.topics[topic] {
			seen[id] = sub
		}
	}
	tr.mu.RUnlock()

	for _, sub := range seen {
		if sub.send(evt) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// TopicCount returns the number of active topics.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscribers on a topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}

// resolveTopics returns every topic an event is published to.
func resolveTopics(evt *Event) []string {
	topics := []string{TopicFirehose}
	if !strings.HasPrefix(string(evt.Type), "broker.") {
		topics = append(topics, TopicChannels)
	}
	if evt.Topic != "" {
		topics = append(topics, evt.Topic)
	}
	return topics
}

// ParseChannelTopic extracts the key from a "channel:<key>" topic.
func ParseChannelTopic(topic string) (msgq.Key, bool) {
	rest, ok := strings.CutPrefix(topic, "channel:")
	if !ok {
		return 0, false
	}
	key, err := msgq.ParseKey(rest)
	if err != nil {
		return 0, false
	}
	return key, true
}

// ValidateTopic checks whether a topic string is valid.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicChannels, TopicFirehose:
		return nil
	}
	if _, ok := ParseChannelTopic(topic); !ok {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}
	return nil
}
