package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	gu "github.com/xraph/go-utils/metrics"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/ext"
	"github.com/xraph/msgq/id"
	"github.com/xraph/msgq/observability"
)

func newTestExtension() *observability.MetricsExtension {
	return observability.NewMetricsExtensionWithFactory(gu.NewMetricsCollector("test"))
}

func newTestInfo() msgq.Info {
	return msgq.Info{Key: 5, ID: id.NewChannelID(), Capacity: 64, MaxMessageSize: 32}
}

func TestMetricsExtension_Name(t *testing.T) {
	e := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_ChannelOpened(t *testing.T) {
	e := newTestExtension()
	ctx := context.Background()

	if err := e.OnChannelOpened(ctx, newTestInfo(), id.NewHandleID(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnChannelOpened(ctx, newTestInfo(), id.NewHandleID(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if e.HandlesOpened.Value() != 2 {
		t.Errorf("HandlesOpened: want 2, got %v", e.HandlesOpened.Value())
	}
	if e.ChannelsCreated.Value() != 1 {
		t.Errorf("ChannelsCreated: want 1, got %v", e.ChannelsCreated.Value())
	}
}

func TestMetricsExtension_ChannelDestroyed(t *testing.T) {
	e := newTestExtension()
	if err := e.OnChannelDestroyed(context.Background(), newTestInfo()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ChannelsDestroyed.Value() != 1 {
		t.Errorf("ChannelsDestroyed: want 1, got %v", e.ChannelsDestroyed.Value())
	}
}

func TestMetricsExtension_HandleClosed(t *testing.T) {
	e := newTestExtension()
	if err := e.OnHandleClosed(context.Background(), newTestInfo(), id.NewHandleID()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.HandlesClosed.Value() != 1 {
		t.Errorf("HandlesClosed: want 1, got %v", e.HandlesClosed.Value())
	}
}

func TestMetricsExtension_Messages(t *testing.T) {
	e := newTestExtension()
	ctx := context.Background()

	if err := e.OnMessagePushed(ctx, newTestInfo(), 1, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnMessagePopped(ctx, newTestInfo(), 1, 10, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if e.MessagesPushed.Value() != 1 {
		t.Errorf("MessagesPushed: want 1, got %v", e.MessagesPushed.Value())
	}
	if e.MessagesPopped.Value() != 1 {
		t.Errorf("MessagesPopped: want 1, got %v", e.MessagesPopped.Value())
	}
}

func TestMetricsExtension_OperationFailed(t *testing.T) {
	e := newTestExtension()
	ctx := context.Background()
	info := newTestInfo()

	_ = e.OnOperationFailed(ctx, info, "push", msgq.ErrWouldBlock)
	_ = e.OnOperationFailed(ctx, info, "pop", msgq.ErrNoMessage)
	_ = e.OnOperationFailed(ctx, info, "pop", msgq.ErrChannelGone)
	_ = e.OnOperationFailed(ctx, info, "push", errors.New("backend down"))

	if e.WouldBlock.Value() != 1 {
		t.Errorf("WouldBlock: want 1, got %v", e.WouldBlock.Value())
	}
	if e.NoMessage.Value() != 1 {
		t.Errorf("NoMessage: want 1, got %v", e.NoMessage.Value())
	}
	if e.OperationErrors.Value() != 2 {
		t.Errorf("OperationErrors: want 2, got %v", e.OperationErrors.Value())
	}
}

// ── Integration with ext.Registry ───────────────────

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	e := newTestExtension()
	r := ext.NewRegistry(slog.Default())
	r.Register(e)

	ctx := context.Background()
	info := newTestInfo()
	h := id.NewHandleID()

	r.EmitChannelOpened(ctx, info, h, true)
	r.EmitMessagePushed(ctx, info, 1, 4)
	r.EmitMessagePopped(ctx, info, 1, 4, 0)
	r.EmitHandleClosed(ctx, info, h)
	r.EmitChannelDestroyed(ctx, info)

	counters := map[string]gu.Counter{
		"ChannelsCreated":   e.ChannelsCreated,
		"HandlesOpened":     e.HandlesOpened,
		"MessagesPushed":    e.MessagesPushed,
		"MessagesPopped":    e.MessagesPopped,
		"HandlesClosed":     e.HandlesClosed,
		"ChannelsDestroyed": e.ChannelsDestroyed,
	}
	for name, c := range counters {
		if c.Value() != 1 {
			t.Errorf("%s: want 1, got %v", name, c.Value())
		}
	}
}
