package store_test

import (
	"testing"
	"time"

	"github.com/xraph/msgq/store"
)

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-time.After(50 * time.Millisecond):
		return false
	}
}

func TestSignalNotify(t *testing.T) {
	s := store.NewSignal()

	a := s.Changes(1)
	b := s.Changes(1)
	other := s.Changes(2)

	s.Notify(1)

	if !closed(a) || !closed(b) {
		t.Fatal("expected both waiters on key 1 to be woken")
	}
	if closed(other) {
		t.Fatal("key 2 should not be woken")
	}

	next := s.Changes(1)
	if closed(next) {
		t.Fatal("a fresh generation should not already be closed")
	}
}

func TestSignalNotifyWithoutWaiters(t *testing.T) {
	s := store.NewSignal()
	s.Notify(7) // must not panic
	s.Notify(7)
}

func TestSignalNotifyAll(t *testing.T) {
	s := store.NewSignal()
	a, b := s.Changes(1), s.Changes(2)

	s.NotifyAll()

	if !closed(a) || !closed(b) {
		t.Fatal("expected all keys to be woken")
	}
}
