package bridge

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/crtbridge/internal/handles"
	"github.com/BaSui01/crtbridge/internal/metrics"
	"github.com/BaSui01/crtbridge/managed"
	"github.com/BaSui01/crtbridge/types"
)

// Capsule names. Pointer lookups check them so a wrapper of one kind can
// never be passed where another is expected.
const (
	capsuleEventLoopGroup  = "crtbridge.event_loop_group"
	capsuleServerBootstrap = "crtbridge.server_bootstrap"
	capsuleTLSOptions      = "crtbridge.tls_connection_options"
	capsuleServer          = "crtbridge.http_server"
	capsuleConnection      = "crtbridge.http_connection"
	capsuleStream          = "crtbridge.http_server_stream"
)

// Bridge connects the engine to a managed runtime. Every engine notification
// crosses into managed code through a Bridge trampoline that holds the
// runtime's execution lock for the duration of the crossing.
type Bridge struct {
	rt      *managed.Runtime
	table   *handles.Table
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.TracerProvider
	meter   metric.MeterProvider
	tuning  ServerTuning
}

// ServerTuning carries engine limits applied to every server the bridge
// creates. Zero values keep the engine defaults.
type ServerTuning struct {
	MaxConnections    int
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithHandleTable sets the table backing structs are allocated in. Defaults
// to handles.Default().
func WithHandleTable(t *handles.Table) Option {
	return func(b *Bridge) {
		if t != nil {
			b.table = t
		}
	}
}

// WithMetrics records bridge activity on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(b *Bridge) {
		b.metrics = c
	}
}

// WithTracerProvider sets the provider engine stream spans are recorded on.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Bridge) {
		b.tracer = tp
	}
}

// WithMeterProvider sets the provider engine instruments are recorded on.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(b *Bridge) {
		b.meter = mp
	}
}

// WithServerTuning applies t to servers created through the bridge.
func WithServerTuning(t ServerTuning) Option {
	return func(b *Bridge) {
		b.tuning = t
	}
}

// New creates a bridge on rt.
func New(rt *managed.Runtime, opts ...Option) *Bridge {
	b := &Bridge{
		rt:     rt,
		table:  handles.Default(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "bridge"))
	return b
}

// Runtime returns the managed runtime.
func (b *Bridge) Runtime() *managed.Runtime {
	return b.rt
}

// Handles returns the handle table.
func (b *Bridge) Handles() *handles.Table {
	return b.table
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

func (b *Bridge) alloc(v any) handles.Handle {
	h := b.table.Alloc(v)
	b.metrics.SetHandlesLive(b.table.Live())
	return h
}

func (b *Bridge) free(h handles.Handle, obj any) {
	if err := b.table.Free(h); err != nil {
		b.rt.WriteUnraisable(types.NewError(types.ErrDoubleFree, "free backing struct").WithCause(err), obj)
	}
	b.metrics.SetHandlesLive(b.table.Live())
}

// unraisable reports a callback error that cannot reach its caller.
func (b *Bridge) unraisable(callback string, err error, obj any) {
	b.metrics.RecordCallbackFailure(callback)
	b.rt.WriteUnraisable(
		types.Errorf(types.ErrCallbackFailed, "%s failed", callback).WithCause(err), obj)
}

// call invokes cb with the lock held by ctx. A failure is diverted to the
// unraisable channel and returned so the engine can abort.
func (b *Bridge) call(ctx context.Context, callback string, cb *managed.Object, args ...any) (any, error) {
	res, err := cb.Call(ctx, args...)
	if err != nil {
		b.unraisable(callback, err, cb)
		return nil, err
	}
	if rerr, ok := res.(error); ok && rerr != nil {
		b.unraisable(callback, rerr, cb)
		return nil, rerr
	}
	return res, nil
}

func requireCallable(code types.ErrorCode, name string, o *managed.Object) error {
	if !o.Callable() {
		return types.Errorf(code, "%s must be callable", name)
	}
	return nil
}

func optionalCallable(name string, o *managed.Object) error {
	if o == nil {
		return nil
	}
	return requireCallable(types.ErrInvalidType, name, o)
}

func wrongKind(want string, got any) error {
	return types.Errorf(types.ErrCapsuleInvalid, "%s capsule holds %T", want, got)
}
