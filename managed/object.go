package managed

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/BaSui01/crtbridge/types"
)

// Callable is a managed value that can be invoked.
type Callable interface {
	Call(ctx context.Context, args ...any) (any, error)
}

// Func adapts an ordinary function to Callable.
type Func func(ctx context.Context, args ...any) (any, error)

// Call implements Callable.
func (f Func) Call(ctx context.Context, args ...any) (any, error) {
	return f(ctx, args...)
}

// Object is a reference counted managed value. A new object starts with one
// reference owned by its creator; every IncRef must be paired with exactly one
// DecRef at a single designated release point.
type Object struct {
	rt    *Runtime
	value any
	refs  atomic.Int64
	name  string
}

// NewObject wraps v with one reference.
func (rt *Runtime) NewObject(v any) *Object {
	o := &Object{rt: rt, value: v}
	o.refs.Store(1)
	return o
}

// NewNamedObject wraps v with one reference and a name used in diagnostics.
func (rt *Runtime) NewNamedObject(name string, v any) *Object {
	o := rt.NewObject(v)
	o.name = name
	return o
}

// Value returns the wrapped value.
func (o *Object) Value() any {
	if o == nil {
		return nil
	}
	return o.value
}

// Runtime returns the owning runtime.
func (o *Object) Runtime() *Runtime {
	return o.rt
}

// RefCount returns the current reference count.
func (o *Object) RefCount() int64 {
	return o.refs.Load()
}

// IncRef takes a reference.
func (o *Object) IncRef() {
	o.refs.Add(1)
}

// DecRef drops a reference. Dropping below zero is reported on the
// unraisable channel rather than corrupting the count.
func (o *Object) DecRef() {
	for {
		cur := o.refs.Load()
		if cur <= 0 {
			o.rt.WriteUnraisable(
				types.Errorf(types.ErrDoubleFree, "reference count underflow on %s", o), o)
			return
		}
		if o.refs.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// XIncRef is IncRef that tolerates nil.
func XIncRef(o *Object) {
	if o != nil {
		o.IncRef()
	}
}

// XDecRef is DecRef that tolerates nil.
func XDecRef(o *Object) {
	if o != nil {
		o.DecRef()
	}
}

// Callable reports whether the object can be invoked.
func (o *Object) Callable() bool {
	if o == nil {
		return false
	}
	switch o.value.(type) {
	case Callable, func(context.Context, ...any) (any, error):
		return true
	}
	return false
}

// Call invokes the object. ctx must hold the execution lock. A panic inside
// the callable is recovered and returned as a CALLBACK_PANIC error.
func (o *Object) Call(ctx context.Context, args ...any) (result any, err error) {
	if o == nil {
		return nil, types.NewError(types.ErrInvalidType, "call of nil object")
	}
	if !o.rt.HoldsLock(ctx) {
		return nil, lockError("call " + o.String())
	}
	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrCallbackPanic, "%s panicked: %v", o, r).
				WithCause(fmt.Errorf("%s", debug.Stack()))
		}
	}()

	switch fn := o.value.(type) {
	case Callable:
		return fn.Call(ctx, args...)
	case func(context.Context, ...any) (any, error):
		return fn(ctx, args...)
	}
	return nil, types.Errorf(types.ErrInvalidType, "%s is not callable", o)
}

// String implements fmt.Stringer.
func (o *Object) String() string {
	if o == nil {
		return "<nil>"
	}
	if o.name != "" {
		return fmt.Sprintf("<object %s>", o.name)
	}
	return fmt.Sprintf("<object %T>", o.value)
}
