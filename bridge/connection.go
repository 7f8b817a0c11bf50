package bridge

import (
	"context"
	"net"

	"github.com/BaSui01/crtbridge/internal/engine"
	"github.com/BaSui01/crtbridge/internal/handles"
	"github.com/BaSui01/crtbridge/managed"
	"github.com/BaSui01/crtbridge/types"
)

// Connection is the managed handle of an accepted server connection. It is
// handed to on_incoming_connection and must be configured with
// NewServerConnection before its first request arrives.
type Connection struct {
	managed.Capsule
	bridge *Bridge
	id     string
}

type connectionBinding struct {
	handle            handles.Handle
	conn              *Connection
	onIncomingRequest *managed.Object
	onShutdown        *managed.Object
}

func (b *Bridge) wrapConnection(native *engine.Connection) *Connection {
	w := &Connection{bridge: b, id: native.ID()}
	w.Init(b.rt, capsuleConnection, native, func(context.Context, *managed.Capsule) {
		// Nobody can configure it any more.
		if !native.Configured() && native.IsOpen() {
			_ = native.Close()
		}
	})
	managed.Track(w, func(c *Connection) *managed.Capsule { return &c.Capsule })
	return w
}

func (c *Connection) native() (*engine.Connection, error) {
	ptr, err := c.Pointer(capsuleConnection)
	if err != nil {
		return nil, err
	}
	conn, ok := ptr.(*engine.Connection)
	if !ok {
		return nil, wrongKind(capsuleConnection, ptr)
	}
	return conn, nil
}

// ID returns the engine connection id.
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the peer address, or nil once finalized.
func (c *Connection) RemoteAddr() net.Addr {
	conn, err := c.native()
	if err != nil {
		return nil
	}
	return conn.RemoteAddr()
}

// IsOpen reports whether the connection has not shut down.
func (c *Connection) IsOpen() bool {
	conn, err := c.native()
	return err == nil && conn.IsOpen()
}

// Close closes the connection. The shutdown callback follows.
func (c *Connection) Close() error {
	conn, err := c.native()
	if err != nil {
		return err
	}
	return conn.Close()
}

// NewServerConnection configures an accepted connection.
//
// onIncomingRequest is called as (ctx, *Connection) per request and must
// return the *Stream created for it with NewRequestHandler; any other result
// rejects the request. onShutdown is called as (ctx, *Connection, ErrorCode)
// once the connection closes; both references are released there.
func NewServerConnection(ctx context.Context, conn *Connection, onIncomingRequest, onShutdown *managed.Object) error {
	if conn == nil || conn.bridge == nil {
		return types.NewError(types.ErrInvalidArgument, "connection is required")
	}
	b := conn.bridge
	_, guard := b.rt.Ensure(ctx)
	defer guard.Release()

	if err := requireCallable(types.ErrInvalidArgument, "on_incoming_request", onIncomingRequest); err != nil {
		return err
	}
	if err := requireCallable(types.ErrInvalidType, "on_shutdown", onShutdown); err != nil {
		return err
	}
	native, err := conn.native()
	if err != nil {
		return err
	}

	binding := &connectionBinding{conn: conn}
	h := b.alloc(binding)
	binding.handle = h

	err = native.Configure(engine.ConnectionOptions{
		OnIncomingRequest: b.onIncomingRequest,
		OnShutdown:        b.onConnectionShutdown,
		UserData:          h,
	})
	if err != nil {
		b.free(h, nil)
		return types.NewError(types.ErrNativeState, "configure connection").WithCause(err)
	}

	onIncomingRequest.IncRef()
	onShutdown.IncRef()
	binding.onIncomingRequest = onIncomingRequest
	binding.onShutdown = onShutdown
	b.metrics.RecordConnectionConfigured()
	return nil
}

func (b *Bridge) connectionBinding(h handles.Handle) *connectionBinding {
	v, ok := b.table.Lookup(h)
	if !ok {
		return nil
	}
	binding, _ := v.(*connectionBinding)
	return binding
}
