package managed

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"weak"

	"github.com/BaSui01/crtbridge/types"
)

// Destructor runs once when a capsule is finalized. ctx holds the execution lock.
type Destructor func(ctx context.Context, c *Capsule)

// Capsule is an opaque, finalizer-bearing reference to native state. It is
// embedded in the wrapper the caller holds; when the caller drops the last
// reference (explicitly through Drop, or by letting the garbage collector
// reclaim the wrapper) the destructor runs exactly once under the execution
// lock.
type Capsule struct {
	rt         *Runtime
	name       string
	ptr        any
	destructor Destructor
	destroyed  atomic.Bool
	untrack    func()
}

// Init prepares a capsule. It must be called before Track.
func (c *Capsule) Init(rt *Runtime, name string, ptr any, destructor Destructor) {
	c.rt = rt
	c.name = name
	c.ptr = ptr
	c.destructor = destructor
}

// Track arranges for the capsule embedded in owner to be finalized when owner
// becomes unreachable. get must not capture owner.
func Track[T any](owner *T, get func(*T) *Capsule) {
	// The owner embeds the capsule, so only a weak pointer may be kept here;
	// a strong one would form a cycle through the finalized block.
	wp := weak.Make(owner)
	get(owner).untrack = func() {
		if o := wp.Value(); o != nil {
			runtime.SetFinalizer(o, nil)
		}
	}
	runtime.SetFinalizer(owner, func(o *T) {
		get(o).finalize()
	})
}

// Name returns the capsule name.
func (c *Capsule) Name() string {
	return c.name
}

// Pointer returns the wrapped native pointer after checking the name.
func (c *Capsule) Pointer(name string) (any, error) {
	if c == nil || c.rt == nil {
		return nil, types.Errorf(types.ErrCapsuleInvalid, "%s capsule is not initialized", name)
	}
	if c.name != name {
		return nil, types.Errorf(types.ErrCapsuleInvalid,
			"capsule name mismatch: want %q, got %q", name, c.name)
	}
	if c.destroyed.Load() {
		return nil, types.Errorf(types.ErrCapsuleInvalid, "%s capsule already destroyed", name)
	}
	return c.ptr, nil
}

// Destroyed reports whether the destructor has run.
func (c *Capsule) Destroyed() bool {
	return c.destroyed.Load()
}

// Drop releases the last managed reference now instead of waiting for the
// garbage collector.
func (c *Capsule) Drop(ctx context.Context) {
	if c.untrack != nil {
		c.untrack()
	}
	c.destroy(ctx)
}

func (c *Capsule) finalize() {
	c.destroy(context.Background())
}

func (c *Capsule) destroy(ctx context.Context) {
	if c.rt == nil {
		return
	}
	ctx, guard := c.rt.Ensure(ctx)
	defer guard.Release()

	if c.destroyed.Swap(true) {
		return
	}
	if c.destructor == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.rt.WriteUnraisable(
				types.Errorf(types.ErrCallbackPanic, "%s destructor panicked: %v", c.name, r), c)
		}
	}()
	c.destructor(ctx, c)
}

// String implements fmt.Stringer.
func (c *Capsule) String() string {
	return fmt.Sprintf("<capsule %q>", c.name)
}
