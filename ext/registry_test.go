package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/ext"
	"github.com/xraph/msgq/id"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnChannelOpened(_ context.Context, _ msgq.Info, _ id.HandleID, _ bool) error {
	e.calls = append(e.calls, "OnChannelOpened")
	return nil
}

func (e *allHooksExt) OnChannelDestroyed(_ context.Context, _ msgq.Info) error {
	e.calls = append(e.calls, "OnChannelDestroyed")
	return nil
}

func (e *allHooksExt) OnHandleClosed(_ context.Context, _ msgq.Info, _ id.HandleID) error {
	e.calls = append(e.calls, "OnHandleClosed")
	return nil
}

func (e *allHooksExt) OnMessagePushed(_ context.Context, _ msgq.Info, _ msgq.Type, _ int) error {
	e.calls = append(e.calls, "OnMessagePushed")
	return nil
}

func (e *allHooksExt) OnMessagePopped(_ context.Context, _ msgq.Info, _ msgq.Type, _ int, _ time.Duration) error {
	e.calls = append(e.calls, "OnMessagePopped")
	return nil
}

func (e *allHooksExt) OnOperationFailed(_ context.Context, _ msgq.Info, _ string, _ error) error {
	e.calls = append(e.calls, "OnOperationFailed")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// pushOnlyExt only implements the push hook.
type pushOnlyExt struct {
	calls []string
}

func (e *pushOnlyExt) Name() string { return "push-only" }

func (e *pushOnlyExt) OnMessagePushed(_ context.Context, _ msgq.Info, _ msgq.Type, _ int) error {
	e.calls = append(e.calls, "OnMessagePushed")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnMessagePushed(_ context.Context, _ msgq.Info, _ msgq.Type, _ int) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

func testInfo() msgq.Info {
	return msgq.Info{Key: 7, ID: id.NewChannelID(), Capacity: 16, MaxMessageSize: 8}
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_RegisterDiscoversInterfaces(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	r.Register(&allHooksExt{})

	if got := len(r.Extensions()); got != 1 {
		t.Fatalf("expected 1 extension, got %d", got)
	}
	if got := r.Extensions()[0].Name(); got != "all-hooks" {
		t.Fatalf("expected name 'all-hooks', got %q", got)
	}
}

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	po := &pushOnlyExt{}
	r.Register(all)
	r.Register(po)

	ctx := context.Background()
	info := testInfo()

	r.EmitMessagePushed(ctx, info, 1, 3)
	if len(all.calls) != 1 || all.calls[0] != "OnMessagePushed" {
		t.Fatalf("all: expected [OnMessagePushed], got %v", all.calls)
	}
	if len(po.calls) != 1 {
		t.Fatalf("po: expected [OnMessagePushed], got %v", po.calls)
	}

	r.EmitMessagePopped(ctx, info, 1, 3, time.Millisecond)
	if len(all.calls) != 2 || all.calls[1] != "OnMessagePopped" {
		t.Fatalf("all: expected OnMessagePopped as 2nd, got %v", all.calls)
	}
	if len(po.calls) != 1 {
		t.Fatalf("po: should still have 1 call, got %v", po.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	info := testInfo()
	h := id.NewHandleID()

	r.EmitChannelOpened(ctx, info, h, true)
	r.EmitMessagePushed(ctx, info, 2, 5)
	r.EmitMessagePopped(ctx, info, 2, 5, 0)
	r.EmitOperationFailed(ctx, info, "pop", msgq.ErrNoMessage)
	r.EmitHandleClosed(ctx, info, h)
	r.EmitChannelDestroyed(ctx, info)
	r.EmitShutdown(ctx)

	expected := []string{
		"OnChannelOpened", "OnMessagePushed", "OnMessagePopped",
		"OnOperationFailed", "OnHandleClosed", "OnChannelDestroyed", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(&failingExt{})
	r.Register(all)

	ctx := context.Background()
	r.EmitMessagePushed(ctx, testInfo(), 1, 1)
	r.EmitShutdown(ctx)

	if len(all.calls) != 2 {
		t.Fatalf("all: expected 2 calls despite failing ext, got %v", all.calls)
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := ext.NewRegistry(slog.Default())
	ctx := context.Background()
	info := testInfo()

	r.EmitChannelOpened(ctx, info, id.NewHandleID(), false)
	r.EmitChannelDestroyed(ctx, info)
	r.EmitHandleClosed(ctx, info, id.NewHandleID())
	r.EmitMessagePushed(ctx, info, 1, 0)
	r.EmitMessagePopped(ctx, info, 1, 0, 0)
	r.EmitOperationFailed(ctx, info, "push", msgq.ErrWouldBlock)
	r.EmitShutdown(ctx)
}
