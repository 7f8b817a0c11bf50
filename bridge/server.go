package bridge

import (
	"context"
	"net"
	"weak"

	"go.uber.org/zap"

	"github.com/BaSui01/crtbridge/internal/engine"
	"github.com/BaSui01/crtbridge/internal/handles"
	"github.com/BaSui01/crtbridge/managed"
	"github.com/BaSui01/crtbridge/types"
)

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server is the managed handle of a listening engine server. Drop it, or let
// it become unreachable, to finalize it; Release starts shutdown without
// finalizing.
type Server struct {
	managed.Capsule
	bridge *Bridge
	handle handles.Handle
	addr   net.Addr
}

// nativeServer is the engine server as seen by the teardown logic.
type nativeServer interface {
	Release()
}

// serverBinding is the backing struct shared by the engine notifications and
// the capsule finalizer. Every field is read and written with the execution
// lock held.
type serverBinding struct {
	handle handles.Handle
	native nativeServer
	self   weak.Pointer[Server]

	onIncomingConnection *managed.Object
	onDestroyComplete    *managed.Object

	destroyRequested bool
	destroyCompleted bool
	finalizerRan     bool
}

// Create validates its arguments, allocates the backing struct and starts an
// engine server listening on host:port. For local sockets host is the socket
// path and port is ignored.
//
// onIncomingConnection is called as (ctx, *Connection, ErrorCode) for every
// accepted connection; onDestroyComplete as (ctx, *Server) once shutdown has
// finished, unless the server was finalized first.
func Create(
	ctx context.Context,
	bootstrap *ServerBootstrap,
	onIncomingConnection, onDestroyComplete *managed.Object,
	host string,
	port uint16,
	socketOptions *SocketOptions,
	tlsOptions *TLSConnectionOptions,
) (*Server, error) {
	if bootstrap == nil || bootstrap.bridge == nil {
		return nil, types.NewError(types.ErrInvalidArgument, "server bootstrap is required")
	}
	b := bootstrap.bridge
	_, guard := b.rt.Ensure(ctx)
	defer guard.Release()

	srv, err := b.create(bootstrap, onIncomingConnection, onDestroyComplete, host, port, socketOptions, tlsOptions)
	b.metrics.RecordServerCreated(err)
	if err != nil {
		b.logger.Debug("server create failed", zap.String("host", host), zap.Error(err))
		return nil, err
	}
	return srv, nil
}

func (b *Bridge) create(
	bootstrap *ServerBootstrap,
	onIncomingConnection, onDestroyComplete *managed.Object,
	host string,
	port uint16,
	socketOptions *SocketOptions,
	tlsOptions *TLSConnectionOptions,
) (*Server, error) {
	if n := len(host); n == 0 || n >= engine.MaxAddressLen {
		return nil, types.Errorf(types.ErrInvalidArgument,
			"host length %d not in [1, %d)", n, engine.MaxAddressLen)
	}
	if socketOptions == nil {
		return nil, types.NewError(types.ErrInvalidArgument, "socket options are required")
	}
	if err := requireCallable(types.ErrInvalidArgument, "on_incoming_connection", onIncomingConnection); err != nil {
		return nil, err
	}
	if err := requireCallable(types.ErrInvalidType, "on_destroy_complete", onDestroyComplete); err != nil {
		return nil, err
	}
	nb, err := bootstrap.native()
	if err != nil {
		return nil, err
	}
	var nativeTLS *engine.TLSConnectionOptions
	if tlsOptions != nil {
		if nativeTLS, err = tlsOptions.native(); err != nil {
			return nil, err
		}
	}

	binding := &serverBinding{}
	h := b.alloc(binding)
	binding.handle = h

	native, err := engine.NewServer(engine.ServerOptions{
		Bootstrap:            nb,
		Endpoint:             engine.Endpoint{Address: host, Port: port},
		SocketOptions:        socketOptions,
		TLSOptions:           nativeTLS,
		OnIncomingConnection: b.onIncomingConnection,
		OnDestroyComplete:    b.onDestroyComplete,
		UserData:             h,
		MaxConnections:       b.tuning.MaxConnections,
		ReadHeaderTimeout:    b.tuning.ReadHeaderTimeout,
		IdleTimeout:          b.tuning.IdleTimeout,
		ShutdownTimeout:      b.tuning.ShutdownTimeout,
		Logger:               b.logger,
		TracerProvider:       b.tracer,
		MeterProvider:        b.meter,
	})
	if err != nil {
		b.free(h, nil)
		return nil, types.Errorf(types.ErrNativeCreate, "create server on %q", host).WithCause(err)
	}

	onIncomingConnection.IncRef()
	onDestroyComplete.IncRef()
	binding.native = native
	binding.onIncomingConnection = onIncomingConnection
	binding.onDestroyComplete = onDestroyComplete

	srv := b.newServerHandle(binding, native.Addr())
	b.logger.Info("server created", zap.String("addr", srv.addr.String()), zap.Uint64("handle", uint64(h)))
	return srv, nil
}

func (b *Bridge) newServerHandle(binding *serverBinding, addr net.Addr) *Server {
	h := binding.handle
	srv := &Server{bridge: b, handle: h, addr: addr}
	srv.Init(b.rt, capsuleServer, h, func(ctx context.Context, _ *managed.Capsule) {
		b.finalizeServer(ctx, h)
	})
	managed.Track(srv, func(s *Server) *managed.Capsule { return &s.Capsule })
	binding.self = weak.Make(srv)
	return srv
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Release asks the engine to shut the server down. It never blocks and is a
// no-op for nil, for a server already being released and for a finalized one.
func Release(ctx context.Context, s *Server) {
	if s == nil || s.bridge == nil {
		return
	}
	b := s.bridge
	_, guard := b.rt.Ensure(ctx)
	defer guard.Release()

	if _, err := s.Pointer(capsuleServer); err != nil {
		b.logger.Debug("release of finalized server ignored", zap.Error(err))
		return
	}
	binding := b.serverBinding(s.handle)
	if binding == nil || binding.destroyRequested {
		return
	}
	binding.destroyRequested = true
	if binding.native != nil {
		binding.native.Release()
	}
}

func (b *Bridge) serverBinding(h handles.Handle) *serverBinding {
	v, ok := b.table.Lookup(h)
	if !ok {
		return nil
	}
	binding, _ := v.(*serverBinding)
	return binding
}

// =============================================================================
// 🔚 双路径销毁
// =============================================================================

// finalizeServer runs as the capsule destructor with the lock held.
func (b *Bridge) finalizeServer(_ context.Context, h handles.Handle) {
	binding := b.serverBinding(h)
	if binding == nil {
		b.rt.WriteUnraisable(types.Errorf(types.ErrNativeState, "server handle %d missing at finalization", h), nil)
		return
	}
	binding.finalizerRan = true
	if binding.native != nil && !binding.destroyRequested {
		binding.destroyRequested = true
		binding.native.Release()
	}
	managed.XDecRef(binding.onIncomingConnection)
	binding.onIncomingConnection = nil

	if binding.destroyCompleted {
		b.freeServer(binding, "finalizer")
	}
	b.logger.Debug("server finalized", zap.Uint64("handle", uint64(h)), zap.Bool("destroy_completed", binding.destroyCompleted))
}

func (b *Bridge) freeServer(binding *serverBinding, freedBy string) {
	b.free(binding.handle, nil)
	b.metrics.RecordServerFreed(freedBy)
	b.logger.Debug("server backing struct freed",
		zap.Uint64("handle", uint64(binding.handle)),
		zap.String("freed_by", freedBy))
}
