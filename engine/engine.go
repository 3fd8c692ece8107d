package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	gu "github.com/xraph/go-utils/metrics"

	"github.com/xraph/msgq"
	"github.com/xraph/msgq/backoff"
	"github.com/xraph/msgq/ext"
	mw "github.com/xraph/msgq/middleware"
	"github.com/xraph/msgq/observability"
	"github.com/xraph/msgq/store"
)

// privateKeyAttempts bounds how many random keys Open tries for PrivateKey.
const privateKeyAttempts = 16

// Engine opens handles onto channels held by a store. It is safe for
// concurrent use.
type Engine struct {
	store      store.Store
	config     msgq.Config
	logger     *slog.Logger
	extensions *ext.Registry
	pending    []ext.Extension
	mws        []mw.Middleware
	chain      mw.Middleware
	wait       backoff.Strategy
	metrics    *observability.MetricsExtension

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metricFactory  gu.MetricFactory

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg msgq.Config) Option {
	return func(eng *Engine) { eng.config = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.pending = append(eng.pending, e) }
}

// WithMiddleware adds middleware to the end of the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithWaitStrategy sets the safety re-check schedule for blocked calls.
// If not set, backoff.WaitStrategy over the configured bounds is used.
func WithWaitStrategy(s backoff.Strategy) Option {
	return func(eng *Engine) { eng.wait = s }
}

// WithTracerProvider sets a custom OTel TracerProvider for the tracing
// middleware. If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware. If not set, the global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// WithMetricFactory sets the go-utils factory backing the lifecycle
// counters extension.
func WithMetricFactory(f gu.MetricFactory) Option {
	return func(eng *Engine) { eng.metricFactory = f }
}

// New creates an Engine over s.
func New(s store.Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, errors.New("msgq: no store configured")
	}

	eng := &Engine{
		store:   s,
		config:  msgq.DefaultConfig(),
		logger:  slog.Default(),
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if err := eng.config.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if eng.wait == nil {
		eng.wait = backoff.WaitStrategy(eng.config.WaitRecheckMin, eng.config.WaitRecheckMax)
	}

	eng.extensions = ext.NewRegistry(eng.logger)

	if eng.metricFactory == nil {
		eng.metricFactory = gu.NewMetricsCollector("msgq/observability")
	}
	eng.metrics = observability.NewMetricsExtensionWithFactory(eng.metricFactory)
	eng.extensions.Register(eng.metrics)
	for _, e := range eng.pending {
		eng.extensions.Register(e)
	}

	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/xraph/msgq"))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/xraph/msgq"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default stack: recover → tracing → metrics → logging → user middleware.
	all := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
	}
	all = append(all, eng.mws...)
	eng.chain = mw.Chain(all...)

	return eng, nil
}

// Open attaches to the channel for key, creating it if needed.
func (eng *Engine) Open(ctx context.Context, key msgq.Key, opts ...msgq.OpenOption) (*Handle, error) {
	o := msgq.ApplyOpenOptions(opts...)

	p, err := eng.openParams(key, o)
	if err != nil {
		return nil, err
	}

	op := &mw.Op{Name: mw.OpOpen, Key: key, Blocking: !o.NonBlocking}

	var (
		info    msgq.Info
		created bool
	)
	err = eng.chain(ctx, op, func(ctx context.Context) error {
		var openErr error
		if key == msgq.PrivateKey {
			info, created, openErr = eng.openPrivate(ctx, p)
		} else {
			info, created, openErr = eng.store.Open(ctx, p)
		}
		if openErr != nil {
			return classify(openErr, msgq.ErrCreation)
		}
		op.Key = info.Key
		op.Channel = info.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	h := newHandle(eng, info, !o.NonBlocking)

	eng.mu.Lock()
	if eng.closed {
		eng.mu.Unlock()
		return nil, msgq.ErrStoreClosed
	}
	eng.handles[h.id.String()] = h
	eng.mu.Unlock()

	eng.logger.Debug("handle opened",
		slog.Int64("key", int64(info.Key)),
		slog.String("channel", info.ID.String()),
		slog.String("handle", h.id.String()),
		slog.Bool("created", created),
	)
	eng.extensions.EmitChannelOpened(ctx, info, h.id, created)

	return h, nil
}

func (eng *Engine) openParams(key msgq.Key, o msgq.OpenOptions) (store.OpenParams, error) {
	if key < 0 {
		return store.OpenParams{}, fmt.Errorf("%w: %d is negative", msgq.ErrInvalidKey, key)
	}

	p := store.OpenParams{
		Key:            key,
		Perm:           eng.config.DefaultPerm,
		Capacity:       eng.config.DefaultCapacity,
		MaxMessageSize: eng.config.MaxMessageSize,
		Exclusive:      o.Exclusive || key == msgq.PrivateKey,
		MaxChannels:    eng.config.MaxChannels,
	}
	if o.HasPerm {
		if o.Perm > msgq.MaxPerm {
			return p, fmt.Errorf("%w: %#o", msgq.ErrInvalidPerm, o.Perm)
		}
		p.Perm = o.Perm
	}
	if o.Capacity < 0 || o.MaxMessageSize < 0 {
		return p, fmt.Errorf("%w: sizes must not be negative", msgq.ErrInvalidArgument)
	}
	if o.Capacity > 0 {
		p.Capacity = o.Capacity
	}
	if o.MaxMessageSize > 0 {
		p.MaxMessageSize = o.MaxMessageSize
	}
	return p, nil
}

// openPrivate creates a channel under a fresh random key.
func (eng *Engine) openPrivate(ctx context.Context, p store.OpenParams) (msgq.Info, bool, error) {
	for range privateKeyAttempts {
		p.Key = msgq.Key(rand.Int64N(math.MaxInt64-1) + 1) //nolint:gosec // key allocation, not a secret
		info, created, err := eng.store.Open(ctx, p)
		if errors.Is(err, msgq.ErrExists) {
			continue
		}
		return info, created, err
	}
	return msgq.Info{}, false, fmt.Errorf("%w: no free key after %d attempts", msgq.ErrCreation, privateKeyAttempts)
}

// Channels lists every live channel in the store.
func (eng *Engine) Channels(ctx context.Context) ([]msgq.Info, error) {
	infos, err := eng.store.List(ctx)
	if err != nil {
		return nil, classify(err, msgq.ErrStats)
	}
	return infos, nil
}

// Stats returns a snapshot of every live channel. Channels destroyed while
// the snapshot is taken are skipped.
func (eng *Engine) Stats(ctx context.Context) ([]msgq.ChannelStats, error) {
	infos, err := eng.Channels(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]msgq.ChannelStats, 0, len(infos))
	for _, info := range infos {
		st, err := eng.store.Stats(ctx, store.Ref{Key: info.Key, ID: info.ID})
		if errors.Is(err, msgq.ErrChannelGone) {
			continue
		}
		if err != nil {
			return nil, classify(err, msgq.ErrStats)
		}
		result = append(result, msgq.ChannelStats{Info: info, Stats: st})
	}
	return result, nil
}

// Handles returns the number of open handles created through this engine.
func (eng *Engine) Handles() int {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return len(eng.handles)
}

// Close releases every open handle, notifies Shutdown extensions and closes
// the store. Channels are not destroyed.
func (eng *Engine) Close(ctx context.Context) error {
	eng.mu.Lock()
	if eng.closed {
		eng.mu.Unlock()
		return nil
	}
	eng.closed = true
	handles := make([]*Handle, 0, len(eng.handles))
	for _, h := range eng.handles {
		handles = append(handles, h)
	}
	eng.mu.Unlock()

	for _, h := range handles {
		_ = h.Close() //nolint:errcheck // Close never fails
	}

	eng.extensions.EmitShutdown(ctx)
	return eng.store.Close()
}

func (eng *Engine) forget(h *Handle) {
	eng.mu.Lock()
	delete(eng.handles, h.id.String())
	eng.mu.Unlock()
}

// Store returns the underlying store.
func (eng *Engine) Store() store.Store { return eng.store }

// Config returns a copy of the engine configuration.
func (eng *Engine) Config() msgq.Config { return eng.config }

// Logger returns the engine logger.
func (eng *Engine) Logger() *slog.Logger { return eng.logger }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Metrics returns the lifecycle counters extension.
func (eng *Engine) Metrics() *observability.MetricsExtension { return eng.metrics }

// classify keeps errors that already carry a queue class and wraps anything
// else (backend failures) in class.
func classify(err, class error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, msgq.ErrWouldBlock),
		errors.Is(err, msgq.ErrNotFound),
		errors.Is(err, msgq.ErrInvalidArgument),
		errors.Is(err, msgq.ErrBufferTooSmall),
		errors.Is(err, msgq.ErrHandleClosed),
		errors.Is(err, msgq.ErrCreation),
		errors.Is(err, class),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", class, err)
	}
}
