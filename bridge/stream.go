package bridge

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/BaSui01/crtbridge/internal/engine"
	"github.com/BaSui01/crtbridge/internal/handles"
	"github.com/BaSui01/crtbridge/managed"
	"github.com/BaSui01/crtbridge/types"
)

// Stream is the managed handle of one request/response exchange on a server
// connection.
type Stream struct {
	managed.Capsule
	bridge  *Bridge
	handle  handles.Handle
	headers *managed.Dict
}

// Response is sent with Stream.SendResponse. Body, when set, must wrap an
// io.Reader; it is read with the execution lock held and its reference is
// released when the stream completes.
type Response struct {
	Status  int
	Headers *managed.Dict
	Body    *managed.Object
}

// streamBinding is the stream's backing struct. The callback references are
// released once, at completion. The native stream is released by the capsule
// finalizer. Whichever of the two comes last frees the struct.
type streamBinding struct {
	handle  handles.Handle
	native  *engine.Stream
	headers *managed.Dict

	// pin keeps the wrapper alive while the engine may still notify.
	pin   *Stream
	start time.Time

	onRequestHeaders  *managed.Object
	onIncomingBody    *managed.Object
	onRequestDone     *managed.Object
	onStreamCompleted *managed.Object
	outgoingBody      *managed.Object

	bound             bool
	completed         bool
	callbacksReleased bool
	nativeReleased    bool
}

// NewRequestHandler creates the stream for the next request on conn. Return
// it from the connection's on_incoming_request callback.
//
// Callbacks are called with the execution lock held:
//
//	onRequestHeaders(ctx, *Stream, *managed.Dict, method, path string, hasBody bool)
//	onIncomingBody(ctx, *Stream, []byte)
//	onRequestDone(ctx, *Stream)
//	onStreamCompleted(ctx, *Stream, ErrorCode)
//
// onIncomingBody and onStreamCompleted may be nil. A callback that returns an
// error, or an error value as its result, aborts the stream.
func NewRequestHandler(
	ctx context.Context,
	conn *Connection,
	onRequestHeaders, onIncomingBody, onRequestDone, onStreamCompleted *managed.Object,
) (*Stream, error) {
	if conn == nil || conn.bridge == nil {
		return nil, types.NewError(types.ErrInvalidArgument, "connection is required")
	}
	b := conn.bridge
	_, guard := b.rt.Ensure(ctx)
	defer guard.Release()

	if err := requireCallable(types.ErrInvalidArgument, "on_request_headers", onRequestHeaders); err != nil {
		return nil, err
	}
	if err := requireCallable(types.ErrInvalidArgument, "on_request_done", onRequestDone); err != nil {
		return nil, err
	}
	if err := optionalCallable("on_incoming_body", onIncomingBody); err != nil {
		return nil, err
	}
	if err := optionalCallable("on_stream_completed", onStreamCompleted); err != nil {
		return nil, err
	}
	nativeConn, err := conn.native()
	if err != nil {
		return nil, err
	}

	binding := &streamBinding{headers: managed.NewDict()}
	h := b.alloc(binding)
	binding.handle = h

	native, err := engine.NewRequestStream(nativeConn, engine.StreamOptions{
		OnRequestHeaders:         b.onStreamHeaders,
		OnRequestHeaderBlockDone: b.onStreamHeaderBlockDone,
		OnIncomingBody:           b.onStreamBody,
		OnRequestDone:            b.onStreamRequestDone,
		OnComplete:               b.onStreamComplete,
		UserData:                 h,
	})
	if err != nil {
		b.free(h, nil)
		return nil, types.NewError(types.ErrNativeCreate, "create request stream").WithCause(err)
	}

	onRequestHeaders.IncRef()
	onRequestDone.IncRef()
	managed.XIncRef(onIncomingBody)
	managed.XIncRef(onStreamCompleted)
	binding.native = native
	binding.onRequestHeaders = onRequestHeaders
	binding.onIncomingBody = onIncomingBody
	binding.onRequestDone = onRequestDone
	binding.onStreamCompleted = onStreamCompleted

	st := &Stream{bridge: b, handle: h, headers: binding.headers}
	st.Init(b.rt, capsuleStream, native, func(ctx context.Context, _ *managed.Capsule) {
		b.finalizeStream(ctx, h)
	})
	managed.Track(st, func(s *Stream) *managed.Capsule { return &s.Capsule })
	return st, nil
}

// Headers returns the received request headers. Repeated names keep the last
// value.
func (s *Stream) Headers() *managed.Dict {
	return s.headers
}

// ID returns the engine stream id, or "" once finalized.
func (s *Stream) ID() string {
	native, err := s.native()
	if err != nil {
		return ""
	}
	return native.ID()
}

// Method returns the request method once the headers have been delivered.
func (s *Stream) Method() string {
	native, err := s.native()
	if err != nil {
		return ""
	}
	return native.Method()
}

// Path returns the request target once the headers have been delivered.
func (s *Stream) Path() string {
	native, err := s.native()
	if err != nil {
		return ""
	}
	return native.Path()
}

// SendResponse queues resp. It may be called from any callback of the stream
// or later; the engine writes it once the request body has been consumed.
func (s *Stream) SendResponse(ctx context.Context, resp *Response) error {
	if resp == nil {
		return types.NewError(types.ErrInvalidArgument, "response is required")
	}
	b := s.bridge
	_, guard := b.rt.Ensure(ctx)
	defer guard.Release()

	native, err := s.native()
	if err != nil {
		return err
	}
	binding := b.streamBinding(s.handle)
	if binding == nil {
		return types.NewError(types.ErrNativeState, "stream backing struct freed")
	}

	out := &engine.Response{Status: resp.Status}
	if resp.Headers != nil {
		for _, item := range resp.Headers.Items() {
			out.Headers = append(out.Headers, engine.Header{Name: item.Key, Value: item.Value})
		}
	}
	if resp.Body != nil {
		r, ok := resp.Body.Value().(io.Reader)
		if !ok {
			return types.Errorf(types.ErrInvalidType, "response body %s is not a reader", resp.Body)
		}
		out.Body = &lockedReader{bridge: b, r: r}
	}

	if err := native.SendResponse(out); err != nil {
		if errors.Is(err, engine.ErrInvalidStatus) {
			return types.Errorf(types.ErrInvalidArgument, "status %d", resp.Status).WithCause(err)
		}
		return types.NewError(types.ErrNativeState, "send response").WithCause(err)
	}
	if resp.Body != nil {
		resp.Body.IncRef()
		binding.outgoingBody = resp.Body
	}
	return nil
}

func (s *Stream) native() (*engine.Stream, error) {
	ptr, err := s.Pointer(capsuleStream)
	if err != nil {
		return nil, err
	}
	native, ok := ptr.(*engine.Stream)
	if !ok {
		return nil, wrongKind(capsuleStream, ptr)
	}
	return native, nil
}

func (b *Bridge) streamBinding(h handles.Handle) *streamBinding {
	v, ok := b.table.Lookup(h)
	if !ok {
		return nil
	}
	binding, _ := v.(*streamBinding)
	return binding
}

// bindStream hands the stream returned by on_incoming_request to the engine.
// The lock is held by the caller.
func (b *Bridge) bindStream(st *Stream, conn *engine.Connection) *engine.Stream {
	binding := b.streamBinding(st.handle)
	var reason error
	switch {
	case binding == nil || st.Destroyed():
		reason = types.NewError(types.ErrCapsuleInvalid, "stream already finalized")
	case binding.bound:
		reason = types.NewError(types.ErrNativeState, "stream already carries a request")
	case binding.native.Connection() != conn:
		reason = types.NewError(types.ErrInvalidArgument, "stream belongs to another connection")
	}
	if reason != nil {
		b.unraisable("on_incoming_request", reason, st)
		return nil
	}

	binding.bound = true
	binding.pin = st
	binding.start = time.Now()
	return binding.native
}

// releaseCallbacks drops the stream's callback references. It runs once.
func (binding *streamBinding) releaseCallbacks() {
	if binding.callbacksReleased {
		return
	}
	binding.callbacksReleased = true
	managed.XDecRef(binding.onStreamCompleted)
	managed.XDecRef(binding.onIncomingBody)
	managed.XDecRef(binding.outgoingBody)
	managed.XDecRef(binding.onRequestHeaders)
	managed.XDecRef(binding.onRequestDone)
	binding.onStreamCompleted = nil
	binding.onIncomingBody = nil
	binding.outgoingBody = nil
	binding.onRequestHeaders = nil
	binding.onRequestDone = nil
}

// finalizeStream runs as the capsule destructor with the lock held.
func (b *Bridge) finalizeStream(_ context.Context, h handles.Handle) {
	binding := b.streamBinding(h)
	if binding == nil {
		b.rt.WriteUnraisable(types.Errorf(types.ErrNativeState, "stream handle %d missing at finalization", h), nil)
		return
	}
	binding.nativeReleased = true
	binding.native.Release()

	switch {
	case !binding.bound:
		// Never handed to the engine, so no completion will release them.
		binding.releaseCallbacks()
		b.free(h, nil)
	case binding.completed:
		b.free(h, nil)
	}
}
