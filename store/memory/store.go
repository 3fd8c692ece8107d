// Package memory provides an in-process implementation of store.Store.
package memory

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/id"
	"github.com/xraph/msgq/store"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

type message struct {
	typ     msgq.Type
	payload []byte

	// Positions in the channel-wide list and the per-type list.
	all *list.Element
	tag *list.Element
}

type channel struct {
	info   msgq.Info
	all    *list.List
	byType map[msgq.Type]*list.List
	bytes  int64
}

func newChannel(info msgq.Info) *channel {
	return &channel{
		info:   info,
		all:    list.New(),
		byType: make(map[msgq.Type]*list.List),
	}
}

func (c *channel) front(typ msgq.Type) *message {
	var l *list.List
	if typ == msgq.AnyType {
		l = c.all
	} else {
		l = c.byType[typ]
	}
	if l == nil || l.Len() == 0 {
		return nil
	}
	return l.Front().Value.(*message) //nolint:errcheck // only *message is stored
}

func (c *channel) append(typ msgq.Type, payload []byte) {
	m := &message{typ: typ, payload: payload}
	m.all = c.all.PushBack(m)

	tl, ok := c.byType[typ]
	if !ok {
		tl = list.New()
		c.byType[typ] = tl
	}
	m.tag = tl.PushBack(m)
	c.bytes += int64(len(payload))
}

func (c *channel) remove(m *message) {
	c.all.Remove(m.all)
	tl := c.byType[m.typ]
	tl.Remove(m.tag)
	if tl.Len() == 0 {
		delete(c.byType, m.typ)
	}
	c.bytes -= int64(len(m.payload))
}

// Store is an in-memory channel store. Safe for concurrent access.
// Channels live as long as the process.
type Store struct {
	mu       sync.RWMutex
	channels map[msgq.Key]*channel
	closed   bool
	signal   *store.Signal
	now      func() time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		channels: make(map[msgq.Key]*channel),
		signal:   store.NewSignal(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ping reports whether the store is still open.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return msgq.ErrStoreClosed
	}
	return nil
}

// Close drops every channel and wakes all waiters.
func (m *Store) Close() error {
	m.mu.Lock()
	m.closed = true
	m.channels = make(map[msgq.Key]*channel)
	m.mu.Unlock()

	m.signal.NotifyAll()
	return nil
}

// Changes implements store.Store.
func (m *Store) Changes(key msgq.Key) <-chan struct{} {
	return m.signal.Changes(key)
}

// Open attaches to or creates the channel for p.Key.
func (m *Store) Open(_ context.Context, p store.OpenParams) (msgq.Info, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return msgq.Info{}, false, msgq.ErrStoreClosed
	}

	if ch, ok := m.channels[p.Key]; ok {
		if p.Exclusive {
			return msgq.Info{}, false, fmt.Errorf("%w: key %s", msgq.ErrExists, p.Key)
		}
		return ch.info, false, nil
	}

	if p.MaxChannels > 0 && len(m.channels) >= p.MaxChannels {
		return msgq.Info{}, false, fmt.Errorf("%w: limit %d", msgq.ErrTooManyChannels, p.MaxChannels)
	}

	info := msgq.Info{
		Key:            p.Key,
		ID:             id.NewChannelID(),
		Perm:           p.Perm,
		Capacity:       p.Capacity,
		MaxMessageSize: p.MaxMessageSize,
		CreatedAt:      m.now(),
	}
	m.channels[p.Key] = newChannel(info)
	return info, true, nil
}

// lookup returns the live channel for ref. Callers hold m.mu.
func (m *Store) lookup(ref store.Ref) (*channel, error) {
	if m.closed {
		return nil, msgq.ErrStoreClosed
	}
	ch, ok := m.channels[ref.Key]
	if !ok || ch.info.ID.String() != ref.ID.String() {
		return nil, msgq.ErrChannelGone
	}
	return ch, nil
}

// Push appends a message if the channel has room for it.
func (m *Store) Push(_ context.Context, ref store.Ref, typ msgq.Type, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, err := m.lookup(ref)
	if err != nil {
		return err
	}

	size := int64(len(payload))
	if size > ch.info.MaxMessageSize || size > ch.info.Capacity {
		return fmt.Errorf("%w: %d bytes", msgq.ErrMessageTooLarge, size)
	}
	if ch.bytes+size > ch.info.Capacity || int64(ch.all.Len())+1 > ch.info.Capacity {
		return msgq.ErrWouldBlock
	}

	ch.append(typ, append([]byte(nil), payload...))
	m.signal.Notify(ref.Key)
	return nil
}

// Pop removes the oldest message matching typ.
func (m *Store) Pop(_ context.Context, ref store.Ref, typ msgq.Type, maxLength int64) (msgq.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, err := m.lookup(ref)
	if err != nil {
		return msgq.Message{}, err
	}

	msg := ch.front(typ)
	if msg == nil {
		return msgq.Message{}, msgq.ErrNoMessage
	}
	if int64(len(msg.payload)) > maxLength {
		return msgq.Message{}, fmt.Errorf("%w: %d > %d bytes", msgq.ErrBufferTooSmall, len(msg.payload), maxLength)
	}

	ch.remove(msg)
	m.signal.Notify(ref.Key)
	return msgq.Message{Type: msg.typ, Payload: msg.payload}, nil
}

// Stats returns the pending message and byte counts.
func (m *Store) Stats(_ context.Context, ref store.Ref) (msgq.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, err := m.lookup(ref)
	if err != nil {
		return msgq.Stats{}, err
	}
	return msgq.Stats{Messages: int64(ch.all.Len()), Bytes: ch.bytes}, nil
}

// Destroy removes the channel and its messages.
func (m *Store) Destroy(_ context.Context, ref store.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(ref); err != nil {
		return err
	}
	delete(m.channels, ref.Key)
	m.signal.Notify(ref.Key)
	return nil
}

// List returns every channel ordered by key.
func (m *Store) List(_ context.Context) ([]msgq.Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, msgq.ErrStoreClosed
	}

	result := make([]msgq.Info, 0, len(m.channels))
	for _, ch := range m.channels {
		result = append(result, ch.info)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Key < result[k].Key })
	return result, nil
}
