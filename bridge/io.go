package bridge

import (
	"context"
	"crypto/tls"

	"go.uber.org/zap"

	"github.com/BaSui01/crtbridge/internal/engine"
	"github.com/BaSui01/crtbridge/internal/pool"
	"github.com/BaSui01/crtbridge/managed"
	"github.com/BaSui01/crtbridge/types"
)

// SocketOptions is passed to the engine as is.
type SocketOptions = engine.SocketOptions

// SocketDomain and SocketType select the listening socket kind.
type (
	SocketDomain = engine.SocketDomain
	SocketType   = engine.SocketType
)

// ErrorCode is the engine error code delivered to completion and shutdown
// callbacks. Zero is success.
type ErrorCode = engine.ErrorCode

// Engine error codes.
const (
	ErrCodeSuccess                 = engine.ErrCodeSuccess
	ErrCodeConnectionClosed        = engine.ErrCodeConnectionClosed
	ErrCodeCallbackFailure         = engine.ErrCodeCallbackFailure
	ErrCodeServerShutdown          = engine.ErrCodeServerShutdown
	ErrCodeResponseWrite           = engine.ErrCodeResponseWrite
	ErrCodeMissingResponse         = engine.ErrCodeMissingResponse
	ErrCodeConnectionNotConfigured = engine.ErrCodeConnectionNotConfigured
)

// Socket domains and types.
const (
	SocketDomainIPv4  = engine.SocketDomainIPv4
	SocketDomainIPv6  = engine.SocketDomainIPv6
	SocketDomainLocal = engine.SocketDomainLocal
	SocketTypeStream  = engine.SocketTypeStream
	SocketTypeDGram   = engine.SocketTypeDGram
)

// DefaultSocketOptions returns IPv4 stream socket options.
func DefaultSocketOptions() *SocketOptions {
	return engine.DefaultSocketOptions()
}

// ParseSocketDomain maps "ipv4", "ipv6" and "local" to a socket domain.
func ParseSocketDomain(s string) (SocketDomain, error) {
	return engine.ParseSocketDomain(s)
}

// ParseSocketType maps "stream" and "dgram" to a socket type.
func ParseSocketType(s string) (SocketType, error) {
	return engine.ParseSocketType(s)
}

// =============================================================================
// 🔄 EventLoopGroup
// =============================================================================

// EventLoopGroup is the managed wrapper of an engine event loop group.
type EventLoopGroup struct {
	managed.Capsule
}

// NewEventLoopGroup creates an event loop group. When the wrapper is
// finalized the group stops accepting work and drains in the background.
func (b *Bridge) NewEventLoopGroup(ctx context.Context, cfg pool.GoroutinePoolConfig) *EventLoopGroup {
	_, guard := b.rt.Ensure(ctx)
	defer guard.Release()

	group := engine.NewEventLoopGroup(cfg, b.logger)
	w := &EventLoopGroup{}
	w.Init(b.rt, capsuleEventLoopGroup, group, func(context.Context, *managed.Capsule) {
		b.logger.Debug("event loop group finalized")
		go group.Close()
	})
	managed.Track(w, func(g *EventLoopGroup) *managed.Capsule { return &g.Capsule })
	return w
}

func (g *EventLoopGroup) native() (*engine.EventLoopGroup, error) {
	ptr, err := g.Pointer(capsuleEventLoopGroup)
	if err != nil {
		return nil, err
	}
	group, ok := ptr.(*engine.EventLoopGroup)
	if !ok {
		return nil, wrongKind(capsuleEventLoopGroup, ptr)
	}
	return group, nil
}

// =============================================================================
// 🚀 ServerBootstrap
// =============================================================================

// ServerBootstrap is the managed wrapper of an engine server bootstrap. It
// keeps its event loop group wrapper reachable.
type ServerBootstrap struct {
	managed.Capsule
	bridge *Bridge
	group  *EventLoopGroup
}

// NewServerBootstrap creates a bootstrap on group.
func (b *Bridge) NewServerBootstrap(ctx context.Context, group *EventLoopGroup) (*ServerBootstrap, error) {
	_, guard := b.rt.Ensure(ctx)
	defer guard.Release()

	if group == nil {
		return nil, types.NewError(types.ErrInvalidArgument, "event loop group is required")
	}
	nativeGroup, err := group.native()
	if err != nil {
		return nil, err
	}
	nb, err := engine.NewServerBootstrap(nativeGroup)
	if err != nil {
		return nil, types.NewError(types.ErrNativeCreate, "create server bootstrap").WithCause(err)
	}

	w := &ServerBootstrap{bridge: b, group: group}
	w.Init(b.rt, capsuleServerBootstrap, nb, nil)
	managed.Track(w, func(s *ServerBootstrap) *managed.Capsule { return &s.Capsule })
	return w, nil
}

func (s *ServerBootstrap) native() (*engine.ServerBootstrap, error) {
	ptr, err := s.Pointer(capsuleServerBootstrap)
	if err != nil {
		return nil, err
	}
	nb, ok := ptr.(*engine.ServerBootstrap)
	if !ok {
		return nil, wrongKind(capsuleServerBootstrap, ptr)
	}
	return nb, nil
}

// =============================================================================
// 🔐 TLS
// =============================================================================

// TLSConnectionOptions is the managed wrapper of engine TLS options.
type TLSConnectionOptions struct {
	managed.Capsule
}

// NewTLSConnectionOptions wraps cfg. cfg must carry a certificate.
func (b *Bridge) NewTLSConnectionOptions(ctx context.Context, cfg *tls.Config) (*TLSConnectionOptions, error) {
	opts, err := engine.NewTLSConnectionOptions(cfg)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidArgument, "tls options").WithCause(err)
	}
	return b.wrapTLS(ctx, opts), nil
}

// NewTLSConnectionOptionsFromFiles loads a PEM key pair from disk.
func (b *Bridge) NewTLSConnectionOptionsFromFiles(ctx context.Context, certFile, keyFile string) (*TLSConnectionOptions, error) {
	opts, err := engine.NewTLSConnectionOptionsFromFiles(certFile, keyFile)
	if err != nil {
		return nil, types.NewError(types.ErrNativeCreate, "load tls key pair").WithCause(err)
	}
	return b.wrapTLS(ctx, opts), nil
}

// NewTLSConnectionOptionsFromPEM builds options from PEM blocks.
func (b *Bridge) NewTLSConnectionOptionsFromPEM(ctx context.Context, certPEM, keyPEM []byte) (*TLSConnectionOptions, error) {
	opts, err := engine.NewTLSConnectionOptionsFromPEM(certPEM, keyPEM)
	if err != nil {
		return nil, types.NewError(types.ErrNativeCreate, "parse tls key pair").WithCause(err)
	}
	return b.wrapTLS(ctx, opts), nil
}

func (b *Bridge) wrapTLS(ctx context.Context, opts *engine.TLSConnectionOptions) *TLSConnectionOptions {
	_, guard := b.rt.Ensure(ctx)
	defer guard.Release()

	w := &TLSConnectionOptions{}
	w.Init(b.rt, capsuleTLSOptions, opts, nil)
	managed.Track(w, func(t *TLSConnectionOptions) *managed.Capsule { return &t.Capsule })
	b.logger.Debug("tls connection options created", zap.Int("certificates", len(opts.Config().Certificates)))
	return w
}

func (t *TLSConnectionOptions) native() (*engine.TLSConnectionOptions, error) {
	ptr, err := t.Pointer(capsuleTLSOptions)
	if err != nil {
		return nil, err
	}
	opts, ok := ptr.(*engine.TLSConnectionOptions)
	if !ok {
		return nil, wrongKind(capsuleTLSOptions, ptr)
	}
	return opts, nil
}
