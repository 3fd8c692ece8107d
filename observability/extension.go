package observability

import (
	"context"
	"errors"
	"time"

	gu "github.com/xraph/go-utils/metrics"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/ext"
	"github.com/xraph/msgq/id"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*MetricsExtension)(nil)
	_ ext.ChannelOpened    = (*MetricsExtension)(nil)
	_ ext.ChannelDestroyed = (*MetricsExtension)(nil)
	_ ext.HandleClosed     = (*MetricsExtension)(nil)
	_ ext.MessagePushed    = (*MetricsExtension)(nil)
	_ ext.MessagePopped    = (*MetricsExtension)(nil)
	_ ext.OperationFailed  = (*MetricsExtension)(nil)
)

// MetricsExtension records broker-wide lifecycle counters via a go-utils
// MetricFactory.
type MetricsExtension struct {
	ChannelsCreated   gu.Counter
	ChannelsDestroyed gu.Counter
	HandlesOpened     gu.Counter
	HandlesClosed     gu.Counter
	MessagesPushed    gu.Counter
	MessagesPopped    gu.Counter
	WouldBlock        gu.Counter
	NoMessage         gu.Counter
	OperationErrors   gu.Counter
}

// NewMetricsExtension creates a MetricsExtension using a default metrics collector.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithFactory(gu.NewMetricsCollector("msgq/observability"))
}

// NewMetricsExtensionWithFactory creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtensionWithFactory(factory gu.MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		ChannelsCreated:   factory.Counter("msgq.channel.created"),
		ChannelsDestroyed: factory.Counter("msgq.channel.destroyed"),
		HandlesOpened:     factory.Counter("msgq.handle.opened"),
		HandlesClosed:     factory.Counter("msgq.handle.closed"),
		MessagesPushed:    factory.Counter("msgq.message.pushed"),
		MessagesPopped:    factory.Counter("msgq.message.popped"),
		WouldBlock:        factory.Counter("msgq.op.would_block"),
		NoMessage:         factory.Counter("msgq.op.no_message"),
		OperationErrors:   factory.Counter("msgq.op.errors"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Channel lifecycle hooks ─────────────────────────

// OnChannelOpened implements ext.ChannelOpened.
func (m *MetricsExtension) OnChannelOpened(_ context.Context, _ msgq.Info, _ id.HandleID, created bool) error {
	m.HandlesOpened.Inc()
	if created {
		m.ChannelsCreated.Inc()
	}
	return nil
}

// OnChannelDestroyed implements ext.ChannelDestroyed.
func (m *MetricsExtension) OnChannelDestroyed(_ context.Context, _ msgq.Info) error {
	m.ChannelsDestroyed.Inc()
	return nil
}

// OnHandleClosed implements ext.HandleClosed.
func (m *MetricsExtension) OnHandleClosed(_ context.Context, _ msgq.Info, _ id.HandleID) error {
	m.HandlesClosed.Inc()
	return nil
}

// ── Message hooks ───────────────────────────────────

// OnMessagePushed implements ext.MessagePushed.
func (m *MetricsExtension) OnMessagePushed(_ context.Context, _ msgq.Info, _ msgq.Type, _ int) error {
	m.MessagesPushed.Inc()
	return nil
}

// OnMessagePopped implements ext.MessagePopped.
func (m *MetricsExtension) OnMessagePopped(_ context.Context, _ msgq.Info, _ msgq.Type, _ int, _ time.Duration) error {
	m.MessagesPopped.Inc()
	return nil
}

// OnOperationFailed implements ext.OperationFailed. Expected outcomes are
// counted separately from errors.
func (m *MetricsExtension) OnOperationFailed(_ context.Context, _ msgq.Info, _ string, err error) error {
	switch {
	case errors.Is(err, msgq.ErrWouldBlock):
		m.WouldBlock.Inc()
	case errors.Is(err, msgq.ErrNoMessage):
		m.NoMessage.Inc()
	default:
		m.OperationErrors.Inc()
	}
	return nil
}
