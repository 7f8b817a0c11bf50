package managed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/crtbridge/types"
)

func TestObject_Callable(t *testing.T) {
	rt := NewRuntime()

	assert.True(t, rt.NewObject(Func(func(context.Context, ...any) (any, error) { return nil, nil })).Callable())
	assert.True(t, rt.NewObject(func(context.Context, ...any) (any, error) { return nil, nil }).Callable())
	assert.False(t, rt.NewObject("not callable").Callable())
	assert.False(t, rt.NewObject(func() {}).Callable())

	var nilObj *Object
	assert.False(t, nilObj.Callable())
}

func TestObject_CallRequiresLock(t *testing.T) {
	rt := NewRuntime()
	obj := rt.NewObject(Func(func(_ context.Context, args ...any) (any, error) {
		return args[0], nil
	}))

	_, err := obj.Call(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockNotHeld)

	ctx, g := rt.Ensure(context.Background())
	defer g.Release()
	got, err := obj.Call(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestObject_CallRecoversPanic(t *testing.T) {
	rt := NewRuntime()
	obj := rt.NewObject(Func(func(context.Context, ...any) (any, error) {
		panic("kaboom")
	}))

	ctx, g := rt.Ensure(context.Background())
	defer g.Release()

	_, err := obj.Call(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrCallbackPanic, types.GetErrorCode(err))
}

func TestObject_CallNotCallable(t *testing.T) {
	rt := NewRuntime()
	ctx, g := rt.Ensure(context.Background())
	defer g.Release()

	_, err := rt.NewObject(3).Call(ctx)
	assert.Equal(t, types.ErrInvalidType, types.GetErrorCode(err))
}

func TestObject_RefCounting(t *testing.T) {
	var reported []error
	rt := NewRuntime(WithUnraisableHook(func(ev UnraisableEvent) { reported = append(reported, ev.Err) }))
	obj := rt.NewObject("v")
	assert.Equal(t, int64(1), obj.RefCount())

	obj.IncRef()
	XIncRef(obj)
	assert.Equal(t, int64(3), obj.RefCount())

	obj.DecRef()
	XDecRef(obj)
	XDecRef(nil)
	obj.DecRef()
	assert.Equal(t, int64(0), obj.RefCount())
	assert.Empty(t, reported)

	obj.DecRef()
	assert.Equal(t, int64(0), obj.RefCount())
	require.Len(t, reported, 1)
	var e *types.Error
	require.True(t, errors.As(reported[0], &e))
	assert.Equal(t, types.ErrDoubleFree, e.Code)
}
