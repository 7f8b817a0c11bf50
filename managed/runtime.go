package managed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/crtbridge/types"
)

// ErrLockNotHeld is returned when managed state is touched without the
// execution lock.
var ErrLockNotHeld = errors.New("managed execution lock not held")

// =============================================================================
// 🔒 执行锁
// =============================================================================

// Runtime is the managed side of the bridge. It owns a single execution lock
// that must be held before any managed value is touched, whichever goroutine
// the caller runs on.
type Runtime struct {
	mu     sync.Mutex
	logger *zap.Logger

	hookMu sync.RWMutex
	hook   UnraisableHook

	unraisable atomic.Int64
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger used by the unraisable channel.
func WithLogger(logger *zap.Logger) Option {
	return func(rt *Runtime) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithUnraisableHook installs a hook at construction time.
func WithUnraisableHook(hook UnraisableHook) Option {
	return func(rt *Runtime) {
		rt.hook = hook
	}
}

// NewRuntime creates a runtime.
func NewRuntime(opts ...Option) *Runtime {
	rt := &Runtime{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(rt)
	}
	rt.logger = rt.logger.With(zap.String("component", "managed_runtime"))
	return rt
}

type heldKey struct{ rt *Runtime }

type holder struct {
	active atomic.Bool
}

// Guard is a held execution lock. Release it exactly on the way out, including
// error paths; extra Release calls are ignored.
type Guard struct {
	rt     *Runtime
	holder *holder
	once   sync.Once
}

// Ensure acquires the execution lock and returns a context marking it as held.
// Passing a context obtained from an enclosing Ensure re-enters without
// blocking, which is how managed callables call back into bridge APIs.
func (rt *Runtime) Ensure(ctx context.Context) (context.Context, *Guard) {
	if ctx == nil {
		ctx = context.Background()
	}
	if rt.HoldsLock(ctx) {
		return ctx, &Guard{}
	}
	rt.mu.Lock()
	h := &holder{}
	h.active.Store(true)
	return context.WithValue(ctx, heldKey{rt}, h), &Guard{rt: rt, holder: h}
}

// Release drops the lock if this guard acquired it.
func (g *Guard) Release() {
	if g == nil || g.rt == nil {
		return
	}
	g.once.Do(func() {
		g.holder.active.Store(false)
		g.rt.mu.Unlock()
	})
}

// HoldsLock reports whether ctx was produced by a still-active Ensure on rt.
func (rt *Runtime) HoldsLock(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	h, ok := ctx.Value(heldKey{rt}).(*holder)
	return ok && h.active.Load()
}

// =============================================================================
// 📣 Unraisable 通道
// =============================================================================

// UnraisableEvent describes an error that could not be propagated to its
// logical caller.
type UnraisableEvent struct {
	Err    error
	Object any
}

// UnraisableHook receives unraisable events. It runs with the execution lock held.
type UnraisableHook func(UnraisableEvent)

// SetUnraisableHook replaces the hook. Pass nil to only log.
func (rt *Runtime) SetUnraisableHook(hook UnraisableHook) {
	rt.hookMu.Lock()
	rt.hook = hook
	rt.hookMu.Unlock()
}

// WriteUnraisable reports err on the unraisable channel.
func (rt *Runtime) WriteUnraisable(err error, obj any) {
	if err == nil {
		return
	}
	rt.unraisable.Add(1)
	rt.logger.Warn("unraisable error",
		zap.Error(err),
		zap.String("object", describe(obj)),
	)

	rt.hookMu.RLock()
	hook := rt.hook
	rt.hookMu.RUnlock()
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("unraisable hook panicked", zap.Any("panic", r))
		}
	}()
	hook(UnraisableEvent{Err: err, Object: obj})
}

// UnraisableCount returns how many errors were written to the unraisable channel.
func (rt *Runtime) UnraisableCount() int64 {
	return rt.unraisable.Load()
}

func describe(obj any) string {
	switch v := obj.(type) {
	case nil:
		return "<nil>"
	case *Object:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%T", obj)
	}
}

func lockError(op string) error {
	return types.NewError(types.ErrNativeState, op).WithCause(ErrLockNotHeld)
}
