package engine

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnectionOptions configures an accepted connection.
type ConnectionOptions struct {
	// OnIncomingRequest returns the stream that will carry the request, or
	// nil to reject it.
	OnIncomingRequest func(conn *Connection, userData any) *Stream
	// OnShutdown fires once when the connection closes.
	OnShutdown func(conn *Connection, code ErrorCode, userData any)
	UserData   any
}

// Connection is a server-side connection.
type Connection struct {
	id     string
	server *Server
	nc     net.Conn
	logger *zap.Logger

	mu   sync.Mutex
	opts *ConnectionOptions

	announced sync.Once
	closed    atomic.Bool
}

func newConnection(s *Server, nc net.Conn) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:     id,
		server: s,
		nc:     nc,
		logger: s.logger.With(zap.String("connection_id", id)),
	}
}

// ID returns a unique connection id.
func (c *Connection) ID() string {
	return c.id
}

// Server returns the owning server.
func (c *Connection) Server() *Server {
	return c.server
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *Connection) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// IsOpen reports whether the shutdown notification has not fired yet.
func (c *Connection) IsOpen() bool {
	return !c.closed.Load()
}

// Configure installs the request and shutdown notifications. It may be
// called once, before the connection closes.
func (c *Connection) Configure(opts ConnectionOptions) error {
	if opts.OnIncomingRequest == nil {
		return fmt.Errorf("%w: on_incoming_request is required", ErrInvalidOptions)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if c.opts != nil {
		return ErrAlreadyConfigured
	}
	c.opts = &opts
	return nil
}

// Configured reports whether Configure succeeded.
func (c *Connection) Configured() bool {
	return c.options() != nil
}

// announce delivers OnIncomingConnection once. The event loop task, the
// first request and the close hook all pass through here; whoever comes
// second waits until the notification returned.
func (c *Connection) announce() {
	c.announced.Do(func() {
		s := c.server
		s.notify("on_incoming_connection", func() {
			s.opts.OnIncomingConnection(s, c, ErrCodeSuccess, s.opts.UserData)
		})
	})
}

func (c *Connection) options() *ConnectionOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Close closes the connection. The shutdown notification follows
// asynchronously.
func (c *Connection) Close() error {
	if err := c.nc.Close(); err != nil {
		return fmt.Errorf("close connection %s: %w", c.id, err)
	}
	return nil
}

func (c *Connection) shutdown(code ErrorCode) {
	c.mu.Lock()
	c.closed.Store(true)
	opts := c.opts
	c.mu.Unlock()

	c.logger.Debug("connection shutdown", zap.String("code", code.String()))
	if opts == nil || opts.OnShutdown == nil {
		return
	}
	c.server.notify("on_connection_shutdown", func() {
		opts.OnShutdown(c, code, opts.UserData)
	})
}
