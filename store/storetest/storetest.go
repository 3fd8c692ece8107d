// Package storetest provides a conformance suite run against every
// store.Store backend.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/id"
	"github.com/xraph/msgq/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

func params(key msgq.Key) store.OpenParams {
	return store.OpenParams{
		Key:            key,
		Perm:           0o640,
		Capacity:       64,
		MaxMessageSize: 32,
	}
}

func open(ctx context.Context, t *testing.T, s store.Store, p store.OpenParams) store.Ref {
	t.Helper()
	info, _, err := s.Open(ctx, p)
	if err != nil {
		t.Fatalf("Open(%d): %v", p.Key, err)
	}
	return store.Ref{Key: info.Key, ID: info.ID}
}

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"OpenCreatesThenAttaches", testOpenCreatesThenAttaches},
		{"OpenExclusive", testOpenExclusive},
		{"OpenMaxChannels", testOpenMaxChannels},
		{"FIFOPerType", testFIFOPerType},
		{"PopAnyIsGlobalFIFO", testPopAnyIsGlobalFIFO},
		{"BinaryRoundTrip", testBinaryRoundTrip},
		{"BufferTooSmallKeepsMessage", testBufferTooSmallKeepsMessage},
		{"EmptyPop", testEmptyPop},
		{"Capacity", testCapacity},
		{"MessageTooLarge", testMessageTooLarge},
		{"Stats", testStats},
		{"Destroy", testDestroy},
		{"StaleRef", testStaleRef},
		{"List", testList},
		{"ChangesOnPush", testChangesOnPush},
		{"ConcurrentPushPop", testConcurrentPushPop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testOpenCreatesThenAttaches(t *testing.T, s store.Store) {
	ctx := context.Background()

	info, created, err := s.Open(ctx, params(101))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !created {
		t.Fatal("expected first open to create")
	}
	if info.ID.Prefix() != id.PrefixChannel {
		t.Errorf("expected chan prefix, got %q", info.ID.Prefix())
	}
	if info.Perm != 0o640 || info.Capacity != 64 || info.MaxMessageSize != 32 {
		t.Errorf("unexpected info: %+v", info)
	}

	p := params(101)
	p.Perm = 0o600
	p.Capacity = 999
	again, created, err := s.Open(ctx, p)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if created {
		t.Error("expected second open to attach")
	}
	if again.ID.String() != info.ID.String() {
		t.Errorf("attach returned different id: %s != %s", again.ID, info.ID)
	}
	if again.Perm != 0o640 || again.Capacity != 64 {
		t.Errorf("attach must not reapply perm or capacity: %+v", again)
	}
}

func testOpenExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := params(102)
	p.Exclusive = true

	if _, _, err := s.Open(ctx, p); err != nil {
		t.Fatalf("exclusive create: %v", err)
	}
	_, _, err := s.Open(ctx, p)
	if !errors.Is(err, msgq.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if !errors.Is(err, msgq.ErrCreation) {
		t.Fatalf("expected ErrCreation class, got %v", err)
	}
}

func testOpenMaxChannels(t *testing.T, s store.Store) {
	ctx := context.Background()

	for key := msgq.Key(110); key < 112; key++ {
		p := params(key)
		p.MaxChannels = 2
		if _, _, err := s.Open(ctx, p); err != nil {
			t.Fatalf("Open(%d): %v", key, err)
		}
	}

	p := params(112)
	p.MaxChannels = 2
	if _, _, err := s.Open(ctx, p); !errors.Is(err, msgq.ErrTooManyChannels) {
		t.Fatalf("expected ErrTooManyChannels, got %v", err)
	}

	// Attaching to an existing channel is not limited.
	p = params(110)
	p.MaxChannels = 2
	if _, _, err := s.Open(ctx, p); err != nil {
		t.Fatalf("attach at limit: %v", err)
	}
}

func testFIFOPerType(t *testing.T, s store.Store) {
	ctx := context.Background()
	ref := open(ctx, t, s, params(103))

	pushes := []struct {
		typ     msgq.Type
		payload string
	}{
		{1, "a1"}, {2, "b1"}, {1, "a2"}, {2, "b2"}, {1, "a3"},
	}
	for _, p := range pushes {
		if err := s.Push(ctx, ref, p.typ, []byte(p.payload)); err != nil {
			t.Fatalf("Push(%d, %s): %v", p.typ, p.payload, err)
		}
	}

	for _, want := range []string{"b1", "b2"} {
		got, err := s.Pop(ctx, ref, 2, 32)
		if err != nil {
			t.Fatalf("Pop(2): %v", err)
		}
		if string(got.Payload) != want || got.Type != 2 {
			t.Errorf("Pop(2) = %d/%q, want 2/%q", got.Type, got.Payload, want)
		}
	}
	for _, want := range []string{"a1", "a2", "a3"} {
		got, err := s.Pop(ctx, ref, 1, 32)
		if err != nil {
			t.Fatalf("Pop(1): %v", err)
		}
		if string(got.Payload) != want {
			t.Errorf("Pop(1) = %q, want %q", got.Payload, want)
		}
	}
}

func testPopAnyIsGlobalFIFO(t *testing.T, s store.Store) {
	ctx := context.Background()
	ref := open(ctx, t, s, params(104))

	types := []msgq.Type{3, 1, 2}
	for i, typ := range types {
		if err := s.Push(ctx, ref, typ, []byte{byte(i)}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	for i, typ := range types {
		got, err := s.Pop(ctx, ref, msgq.AnyType, 32)
		if err != nil {
			t.Fatalf("Pop(any): %v", err)
		}
		if len(got.Payload) != 1 || got.Payload[0] != byte(i) {
			t.Errorf("Pop(any) #%d = %v", i, got.Payload)
		}
		if got.Type != typ {
			t.Errorf("Pop(any) #%d type = %d, want %d", i, got.Type, typ)
		}
	}
}

func testBinaryRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	ref := open(ctx, t, s, params(105))

	payload := []byte{0x00, 0xff, 0x00, 'x', 0x00, 0x80}
	if err := s.Push(ctx, ref, 9, payload); err != nil {
		t.Fatalf("Push: %v", err)
	}
	payload[1] = 0x01 // the store must hold its own copy

	got, err := s.Pop(ctx, ref, msgq.AnyType, 32)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	want := []byte{0x00, 0xff, 0x00, 'x', 0x00, 0x80}
	if !bytes.Equal(got.Payload, want) {
		t.Errorf("got %v, want %v", got.Payload, want)
	}

	if err := s.Push(ctx, ref, 1, []byte{}); err != nil {
		t.Fatalf("Push(empty): %v", err)
	}
	got, err = s.Pop(ctx, ref, 1, 32)
	if err != nil {
		t.Fatalf("Pop(empty): %v", err)
	}
	if len(got.Payload) != 0 {
		t.Errorf("expected empty payload, got %v", got.Payload)
	}
}

func testBufferTooSmallKeepsMessage(t *testing.T, s store.Store) {
	ctx := context.Background()
	ref := open(ctx, t, s, params(106))

	if err := s.Push(ctx, ref, 1, []byte("0123456789")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if _, err := s.Pop(ctx, ref, 1, 4); !errors.Is(err, msgq.ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}

	st, err := s.Stats(ctx, ref)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Messages != 1 || st.Bytes != 10 {
		t.Errorf("message should remain queued, stats %+v", st)
	}

	got, err := s.Pop(ctx, ref, 1, 10)
	if err != nil {
		t.Fatalf("retry Pop: %v", err)
	}
	if string(got.Payload) != "0123456789" {
		t.Errorf("got %q", got.Payload)
	}
}

func testEmptyPop(t *testing.T, s store.Store) {
	ctx := context.Background()
	ref := open(ctx, t, s, params(107))

	if _, err := s.Pop(ctx, ref, msgq.AnyType, 32); !errors.Is(err, msgq.ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage, got %v", err)
	}

	if err := s.Push(ctx, ref, 1, []byte("x")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, err := s.Pop(ctx, ref, 2, 32); !errors.Is(err, msgq.ErrNoMessage) {
		t.Fatalf("Pop(2) with only type 1 queued: expected ErrNoMessage, got %v", err)
	}
}

func testCapacity(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := params(108)
	p.Capacity = 10
	p.MaxMessageSize = 10
	ref := open(ctx, t, s, p)

	if err := s.Push(ctx, ref, 1, []byte("123456")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := s.Push(ctx, ref, 1, []byte("12345")); !errors.Is(err, msgq.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
	if err := s.Push(ctx, ref, 1, []byte("1234")); err != nil {
		t.Fatalf("Push exactly to capacity: %v", err)
	}

	if _, err := s.Pop(ctx, ref, msgq.AnyType, 10); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if err := s.Push(ctx, ref, 1, []byte("12345")); err != nil {
		t.Fatalf("Push after pop: %v", err)
	}

	// Message count is bounded by capacity too.
	p = params(109)
	p.Capacity = 2
	p.MaxMessageSize = 2
	ref = open(ctx, t, s, p)
	for range 2 {
		if err := s.Push(ctx, ref, 1, nil); err != nil {
			t.Fatalf("Push(empty): %v", err)
		}
	}
	if err := s.Push(ctx, ref, 1, nil); !errors.Is(err, msgq.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock on message count, got %v", err)
	}
}

func testMessageTooLarge(t *testing.T, s store.Store) {
	ctx := context.Background()
	ref := open(ctx, t, s, params(113))

	err := s.Push(ctx, ref, 1, make([]byte, 33))
	if !errors.Is(err, msgq.ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	st, err := s.Stats(ctx, ref)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Messages != 0 {
		t.Errorf("oversize payload must not be enqueued: %+v", st)
	}
}

func testStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	ref := open(ctx, t, s, params(114))

	sizes := []int{3, 0, 7, 11}
	var total int64
	for _, n := range sizes {
		if err := s.Push(ctx, ref, 1, make([]byte, n)); err != nil {
			t.Fatalf("Push(%d): %v", n, err)
		}
		total += int64(n)
	}

	st, err := s.Stats(ctx, ref)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Messages != int64(len(sizes)) || st.Bytes != total {
		t.Errorf("Stats = %+v, want {%d %d}", st, len(sizes), total)
	}
}

func testDestroy(t *testing.T, s store.Store) {
	ctx := context.Background()
	ref := open(ctx, t, s, params(115))

	if err := s.Push(ctx, ref, 1, []byte("x")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := s.Destroy(ctx, ref); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	checks := map[string]error{
		"push":    s.Push(ctx, ref, 1, []byte("y")),
		"destroy": s.Destroy(ctx, ref),
	}
	_, checks["pop"] = s.Pop(ctx, ref, msgq.AnyType, 32)
	_, checks["stats"] = s.Stats(ctx, ref)

	for name, err := range checks {
		if !errors.Is(err, msgq.ErrChannelGone) {
			t.Errorf("%s after destroy: expected ErrChannelGone, got %v", name, err)
		}
	}
}

func testStaleRef(t *testing.T, s store.Store) {
	ctx := context.Background()
	old := open(ctx, t, s, params(116))
	if err := s.Destroy(ctx, old); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	fresh := open(ctx, t, s, params(116))
	if fresh.ID.String() == old.ID.String() {
		t.Fatal("re-created channel must get a new id")
	}
	if err := s.Push(ctx, old, 1, []byte("x")); !errors.Is(err, msgq.ErrChannelGone) {
		t.Fatalf("push through stale ref: expected ErrChannelGone, got %v", err)
	}
	if err := s.Push(ctx, fresh, 1, []byte("x")); err != nil {
		t.Fatalf("push through fresh ref: %v", err)
	}
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, key := range []msgq.Key{119, 117, 118} {
		open(ctx, t, s, params(key))
	}

	infos, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(infos))
	}
	for i, want := range []msgq.Key{117, 118, 119} {
		if infos[i].Key != want {
			t.Errorf("infos[%d].Key = %d, want %d", i, infos[i].Key, want)
		}
	}
}

func testChangesOnPush(t *testing.T, s store.Store) {
	ctx := context.Background()
	ref := open(ctx, t, s, params(120))

	changes := s.Changes(ref.Key)
	if err := s.Push(ctx, ref, 1, []byte("x")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("expected change signal after push")
	}
}

func testConcurrentPushPop(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := params(121)
	p.Capacity = 4096
	ref := open(ctx, t, s, p)

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Push(ctx, ref, 1, []byte(fmt.Sprintf("m%02d", i))); err != nil {
				t.Errorf("Push: %v", err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	var mu sync.Mutex
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.Pop(ctx, ref, 1, 32)
				if errors.Is(err, msgq.ErrNoMessage) {
					return
				}
				if err != nil {
					t.Errorf("Pop: %v", err)
					return
				}
				mu.Lock()
				if seen[string(got.Payload)] {
					t.Errorf("message %q popped twice", got.Payload)
				}
				seen[string(got.Payload)] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("expected %d distinct messages, got %d", n, len(seen))
	}
}
