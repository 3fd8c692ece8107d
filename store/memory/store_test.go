package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/store"
	"github.com/xraph/msgq/store/storetest"
)

func TestConformance(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(_ *testing.T) store.Store { return New() })
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	info, _, err := s.Open(ctx, store.OpenParams{Key: 1, Capacity: 16, MaxMessageSize: 16})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	changes := s.Changes(1)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-changes:
	default:
		t.Error("Close should wake waiters")
	}

	if err := s.Ping(ctx); !errors.Is(err, msgq.ErrStoreClosed) {
		t.Errorf("Ping after close: expected ErrStoreClosed, got %v", err)
	}
	ref := store.Ref{Key: info.Key, ID: info.ID}
	if err := s.Push(ctx, ref, 1, nil); !errors.Is(err, msgq.ErrStoreClosed) {
		t.Errorf("Push after close: expected ErrStoreClosed, got %v", err)
	}
}

func TestPerTypeIndexCleanup(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	info, _, err := s.Open(ctx, store.OpenParams{Key: 2, Capacity: 64, MaxMessageSize: 16})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ref := store.Ref{Key: info.Key, ID: info.ID}

	for typ := msgq.Type(1); typ <= 3; typ++ {
		if err := s.Push(ctx, ref, typ, []byte("x")); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	for range 3 {
		if _, err := s.Pop(ctx, ref, msgq.AnyType, 16); err != nil {
			t.Fatalf("Pop: %v", err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ch := s.channels[2]
	if len(ch.byType) != 0 {
		t.Errorf("expected empty type index, got %d entries", len(ch.byType))
	}
	if ch.bytes != 0 || ch.all.Len() != 0 {
		t.Errorf("expected empty channel, bytes=%d len=%d", ch.bytes, ch.all.Len())
	}
}
