package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/crtbridge/internal/engine"
	"github.com/BaSui01/crtbridge/internal/handles"
	"github.com/BaSui01/crtbridge/managed"
	"github.com/BaSui01/crtbridge/types"
)

// errStreamGone is reported to the engine when a notification arrives for a
// stream whose backing struct has been freed.
var errStreamGone = errors.New("bridge: stream backing struct freed")

// Every function in this file is an engine notification entry point. Each one
// takes the execution lock before it reads a binding or touches a managed
// value, and the deferred Release covers every return path.

// =============================================================================
// 🖥️ 服务端通知
// =============================================================================

// onDestroyComplete is the engine's destroy-complete notification. It arrives
// once, on an engine goroutine, after Release.
func (b *Bridge) onDestroyComplete(userData any) {
	h, _ := userData.(handles.Handle)
	ctx, guard := b.rt.Ensure(context.Background())
	defer guard.Release()

	binding := b.serverBinding(h)
	if binding == nil {
		b.rt.WriteUnraisable(types.Errorf(types.ErrNativeState, "server handle %d missing at destroy complete", h), nil)
		return
	}
	binding.destroyCompleted = true
	binding.native = nil
	cb := binding.onDestroyComplete
	binding.onDestroyComplete = nil

	if binding.finalizerRan {
		managed.XDecRef(cb)
		b.freeServer(binding, "destroy_complete")
		return
	}

	// An unreachable wrapper with a queued finalizer reads back as nil. It is
	// treated as finalized; the finalizer frees.
	if srv := binding.self.Value(); srv != nil {
		_, _ = b.call(ctx, "on_destroy_complete", cb, srv)
	}
	managed.XDecRef(cb)
}

// onIncomingConnection is the engine's accept notification.
func (b *Bridge) onIncomingConnection(_ *engine.Server, conn *engine.Connection, code engine.ErrorCode, userData any) {
	h, _ := userData.(handles.Handle)
	ctx, guard := b.rt.Ensure(context.Background())
	defer guard.Release()

	binding := b.serverBinding(h)
	if binding == nil || binding.onIncomingConnection == nil {
		// Finalized: the engine closes the connection once it sends a request.
		b.metrics.RecordConnectionRejected()
		return
	}
	b.metrics.RecordConnectionAccepted()

	wrapper := b.wrapConnection(conn)
	ctx = types.WithConnectionID(ctx, conn.ID())
	if _, err := b.call(ctx, "on_incoming_connection", binding.onIncomingConnection, wrapper, code); err != nil {
		b.logger.Debug("incoming connection callback failed", zap.String("connection_id", conn.ID()))
	}
}

// =============================================================================
// 🔌 连接通知
// =============================================================================

// onIncomingRequest asks managed code for the stream that carries the next
// request.
func (b *Bridge) onIncomingRequest(native *engine.Connection, userData any) *engine.Stream {
	h, _ := userData.(handles.Handle)
	ctx, guard := b.rt.Ensure(context.Background())
	defer guard.Release()

	binding := b.connectionBinding(h)
	if binding == nil {
		return nil
	}
	ctx = types.WithConnectionID(ctx, native.ID())
	res, err := b.call(ctx, "on_incoming_request", binding.onIncomingRequest, binding.conn)
	if err != nil {
		return nil
	}
	st, ok := res.(*Stream)
	if !ok || st == nil {
		b.unraisable("on_incoming_request",
			types.Errorf(types.ErrInvalidType, "returned %T, want *bridge.Stream", res), binding.onIncomingRequest)
		return nil
	}
	return b.bindStream(st, native)
}

// onConnectionShutdown is the single release point of the connection's
// callback references.
func (b *Bridge) onConnectionShutdown(_ *engine.Connection, code engine.ErrorCode, userData any) {
	h, _ := userData.(handles.Handle)
	ctx, guard := b.rt.Ensure(context.Background())
	defer guard.Release()

	binding := b.connectionBinding(h)
	if binding == nil {
		b.rt.WriteUnraisable(types.Errorf(types.ErrNativeState, "connection handle %d missing at shutdown", h), nil)
		return
	}
	ctx = types.WithConnectionID(ctx, binding.conn.id)
	_, _ = b.call(ctx, "on_shutdown", binding.onShutdown, binding.conn, code)

	managed.XDecRef(binding.onIncomingRequest)
	managed.XDecRef(binding.onShutdown)
	binding.onIncomingRequest = nil
	binding.onShutdown = nil
	b.free(h, binding.conn)
	b.metrics.RecordConnectionShutdown()
	b.logger.Debug("connection shutdown", zap.String("connection_id", binding.conn.id), zap.String("code", code.String()))
}

// =============================================================================
// 🌊 流通知
// =============================================================================

func (b *Bridge) onStreamHeaders(_ *engine.Stream, headers []engine.Header, userData any) error {
	h, _ := userData.(handles.Handle)
	_, guard := b.rt.Ensure(context.Background())
	defer guard.Release()

	binding := b.streamBinding(h)
	if binding == nil {
		return errStreamGone
	}
	for _, hdr := range headers {
		binding.headers.SetItem(strings.Clone(hdr.Name), strings.Clone(hdr.Value))
	}
	return nil
}

func (b *Bridge) onStreamHeaderBlockDone(native *engine.Stream, info engine.RequestInfo, userData any) error {
	h, _ := userData.(handles.Handle)
	ctx, guard := b.rt.Ensure(context.Background())
	defer guard.Release()

	binding := b.streamBinding(h)
	if binding == nil {
		return errStreamGone
	}
	_, err := b.call(streamContext(ctx, native), "on_request_headers", binding.onRequestHeaders,
		binding.pin, binding.headers, info.Method, info.Path, info.HasBody)
	return err
}

// onStreamBody copies the chunk before the callback sees it; the engine reuses
// its buffer once the notification returns.
func (b *Bridge) onStreamBody(native *engine.Stream, data []byte, userData any) error {
	h, _ := userData.(handles.Handle)
	ctx, guard := b.rt.Ensure(context.Background())
	defer guard.Release()

	binding := b.streamBinding(h)
	if binding == nil {
		return errStreamGone
	}
	b.metrics.RecordBodyBytes("in", len(data))
	if binding.onIncomingBody == nil {
		return nil
	}
	_, err := b.call(streamContext(ctx, native), "on_incoming_body", binding.onIncomingBody, binding.pin, bytes.Clone(data))
	return err
}

func (b *Bridge) onStreamRequestDone(native *engine.Stream, userData any) error {
	h, _ := userData.(handles.Handle)
	ctx, guard := b.rt.Ensure(context.Background())
	defer guard.Release()

	binding := b.streamBinding(h)
	if binding == nil {
		return errStreamGone
	}
	_, err := b.call(streamContext(ctx, native), "on_request_done", binding.onRequestDone, binding.pin)
	return err
}

// onStreamComplete is the single release point of the stream's callback and
// outgoing body references, whatever the error code.
func (b *Bridge) onStreamComplete(native *engine.Stream, code engine.ErrorCode, userData any) {
	h, _ := userData.(handles.Handle)
	ctx, guard := b.rt.Ensure(context.Background())
	defer guard.Release()

	binding := b.streamBinding(h)
	if binding == nil {
		b.rt.WriteUnraisable(types.Errorf(types.ErrNativeState, "stream handle %d missing at completion", h), nil)
		return
	}
	if binding.onStreamCompleted != nil {
		_, _ = b.call(streamContext(ctx, native), "on_stream_completed", binding.onStreamCompleted, binding.pin, code)
	}
	binding.releaseCallbacks()
	binding.completed = true
	binding.pin = nil

	outcome := "ok"
	if code != engine.ErrCodeSuccess {
		outcome = strings.ToLower(code.String())
	}
	b.metrics.RecordStream(native.Method(), outcome, time.Since(binding.start))

	if binding.nativeReleased {
		b.free(h, nil)
	}
}

// streamContext carries the stream and connection ids into stream callbacks.
func streamContext(ctx context.Context, s *engine.Stream) context.Context {
	if s == nil {
		return ctx
	}
	if conn := s.Connection(); conn != nil {
		ctx = types.WithConnectionID(ctx, conn.ID())
	}
	return types.WithStreamID(ctx, s.ID())
}

// lockedReader reads a managed response body from an engine goroutine.
type lockedReader struct {
	bridge *Bridge
	r      io.Reader
}

func (l *lockedReader) Read(p []byte) (int, error) {
	_, guard := l.bridge.rt.Ensure(context.Background())
	defer guard.Release()

	n, err := l.r.Read(p)
	l.bridge.metrics.RecordBodyBytes("out", n)
	if err != nil && !errors.Is(err, io.EOF) {
		l.bridge.logger.Debug("response body read failed", zap.Error(err))
	}
	return n, err
}
