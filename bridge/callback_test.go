package bridge

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/crtbridge/internal/engine"
	"github.com/BaSui01/crtbridge/internal/handles"
	"github.com/BaSui01/crtbridge/managed"
)

func newDirectBridge(t *testing.T) *Bridge {
	t.Helper()
	rt := managed.NewRuntime(managed.WithLogger(zaptest.NewLogger(t)))
	return New(rt, WithHandleTable(handles.NewTable()), WithLogger(zaptest.NewLogger(t)))
}

func noop(rt *managed.Runtime) *managed.Object {
	return rt.NewObject(managed.Func(func(context.Context, ...any) (any, error) { return nil, nil }))
}

// boundStream registers a stream binding as if the engine had bound it.
func boundStream(b *Bridge, objs ...*managed.Object) (*streamBinding, handles.Handle) {
	for _, o := range objs {
		managed.XIncRef(o)
	}
	binding := &streamBinding{
		headers: managed.NewDict(),
		bound:   true,
	}
	if len(objs) == 5 {
		binding.onRequestHeaders = objs[0]
		binding.onIncomingBody = objs[1]
		binding.onRequestDone = objs[2]
		binding.onStreamCompleted = objs[3]
		binding.outgoingBody = objs[4]
	}
	h := b.alloc(binding)
	binding.handle = h
	return binding, h
}

func TestOnStreamHeaders_LastWriteWins(t *testing.T) {
	b := newDirectBridge(t)
	binding, h := boundStream(b)

	err := b.onStreamHeaders(nil, []engine.Header{{Name: "X", Value: "a"}, {Name: "X", Value: "b"}}, h)
	require.NoError(t, err)

	v, ok := binding.headers.GetItem("X")
	require.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Equal(t, 1, binding.headers.Len())
}

func TestOnStreamHeaders_LastWriteWinsProperty(t *testing.T) {
	b := newDirectBridge(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every name maps to its last delivered value", prop.ForAll(
		func(names, values []string) bool {
			n := min(len(names), len(values))
			headers := make([]engine.Header, n)
			want := make(map[string]string, n)
			for i := range n {
				headers[i] = engine.Header{Name: names[i], Value: values[i]}
				want[names[i]] = values[i]
			}

			binding, h := boundStream(b)
			if err := b.onStreamHeaders(nil, headers, h); err != nil {
				return false
			}
			return reflect.DeepEqual(want, binding.headers.Map())
		},
		gen.SliceOf(gen.OneConstOf("Host", "X", "Content-Type", "Accept"), reflect.TypeOf("")),
		gen.SliceOf(gen.AlphaString(), reflect.TypeOf("")),
	))

	properties.TestingRun(t)
}

func TestOnStreamHeaders_FreedStream(t *testing.T) {
	b := newDirectBridge(t)
	_, h := boundStream(b)
	require.NoError(t, b.table.Free(h))

	err := b.onStreamHeaders(nil, []engine.Header{{Name: "X", Value: "a"}}, h)
	assert.ErrorIs(t, err, errStreamGone)
}

func TestOnStreamBody_CopiesChunk(t *testing.T) {
	b := newDirectBridge(t)
	var got []byte
	body := b.rt.NewObject(managed.Func(func(_ context.Context, args ...any) (any, error) {
		got = args[1].([]byte)
		return nil, nil
	}))
	binding, h := boundStream(b)
	binding.onIncomingBody = body

	chunk := []byte("hello")
	require.NoError(t, b.onStreamBody(nil, chunk, h))
	copy(chunk, "XXXXX")
	assert.Equal(t, "hello", string(got))
}

func TestOnStreamBody_CallbackErrorIsUnraisable(t *testing.T) {
	b := newDirectBridge(t)
	var events []managed.UnraisableEvent
	b.rt.SetUnraisableHook(func(ev managed.UnraisableEvent) { events = append(events, ev) })

	boom := errors.New("disk full")
	body := b.rt.NewObject(managed.Func(func(context.Context, ...any) (any, error) { return nil, boom }))
	binding, h := boundStream(b)
	binding.onIncomingBody = body

	err := b.onStreamBody(nil, []byte("x"), h)
	assert.ErrorIs(t, err, boom)
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, boom)
	assert.Same(t, body, events[0].Object)
}

func TestOnStreamBody_PanicIsUnraisable(t *testing.T) {
	b := newDirectBridge(t)
	body := b.rt.NewObject(managed.Func(func(context.Context, ...any) (any, error) { panic("bad body") }))
	binding, h := boundStream(b)
	binding.onIncomingBody = body

	err := b.onStreamBody(nil, []byte("x"), h)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bad body"))
	assert.Equal(t, int64(1), b.rt.UnraisableCount())
}

func TestOnStreamComplete_ReleasesOnce(t *testing.T) {
	for _, code := range []engine.ErrorCode{engine.ErrCodeSuccess, engine.ErrCodeCallbackFailure, engine.ErrCodeServerShutdown} {
		t.Run(code.String(), func(t *testing.T) {
			b := newDirectBridge(t)
			var gotCode any
			completed := 0
			onCompleted := b.rt.NewObject(managed.Func(func(_ context.Context, args ...any) (any, error) {
				completed++
				gotCode = args[1]
				return nil, nil
			}))
			headersCb, bodyCb, doneCb := noop(b.rt), noop(b.rt), noop(b.rt)
			outgoing := b.rt.NewObject(strings.NewReader("out"))
			objs := []*managed.Object{headersCb, bodyCb, doneCb, onCompleted, outgoing}

			binding, h := boundStream(b, objs...)
			for _, o := range objs {
				require.Equal(t, int64(2), o.RefCount())
			}

			native := &engine.Stream{}
			b.onStreamComplete(native, code, h)
			b.onStreamComplete(native, code, h)

			assert.Equal(t, 1, completed)
			assert.Equal(t, code, gotCode)
			for _, o := range objs {
				assert.Equal(t, int64(1), o.RefCount(), o.String())
			}
			assert.True(t, binding.completed)
			assert.Nil(t, binding.pin)
			assert.Zero(t, b.rt.UnraisableCount(), "no refcount underflow")
		})
	}
}

func TestOnStreamComplete_FreesAfterFinalization(t *testing.T) {
	b := newDirectBridge(t)
	binding, h := boundStream(b)
	binding.nativeReleased = true

	b.onStreamComplete(&engine.Stream{}, engine.ErrCodeSuccess, h)
	assert.True(t, b.table.IsFreed(h))
}

func TestCall_ErrorResultIsFailure(t *testing.T) {
	b := newDirectBridge(t)
	failing := b.rt.NewObject(managed.Func(func(context.Context, ...any) (any, error) {
		return errors.New("returned, not raised"), nil
	}))

	ctx, guard := b.rt.Ensure(context.Background())
	defer guard.Release()
	_, err := b.call(ctx, "on_request_done", failing)
	assert.EqualError(t, err, "returned, not raised")
	assert.Equal(t, int64(1), b.rt.UnraisableCount())
}
