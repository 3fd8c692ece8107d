package store

import (
	"sync"

	"github.com/xraph/msgq"
)

// Signal is a per-key broadcast used by backends to implement Changes.
// Each Changes call returns the current generation channel for the key;
// Notify closes it and starts a new generation.
type Signal struct {
	mu      sync.Mutex
	waiters map[msgq.Key]chan struct{}
}

// NewSignal returns an empty Signal.
func NewSignal() *Signal {
	return &Signal{waiters: make(map[msgq.Key]chan struct{})}
}

// Changes returns the channel closed by the next Notify for key.
func (s *Signal) Changes(key msgq.Key) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.waiters[key]
	if !ok {
		ch = make(chan struct{})
		s.waiters[key] = ch
	}
	return ch
}

// Notify wakes everyone waiting on key.
func (s *Signal) Notify(key msgq.Key) {
	s.mu.Lock()
	ch, ok := s.waiters[key]
	if ok {
		delete(s.waiters, key)
	}
	s.mu.Unlock()

	if ok {
		close(ch)
	}
}

// NotifyAll wakes every waiter on every key. Backends call it when they
// may have missed notifications, e.g. after a pub/sub reconnect.
func (s *Signal) NotifyAll() {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = make(map[msgq.Key]chan struct{})
	s.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}
