package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/BaSui01/crtbridge/internal/engine"

// =============================================================================
// 🌐 HTTP 服务端
// =============================================================================

// Endpoint is the listening address. For local sockets Address is the path
// and Port is ignored.
type Endpoint struct {
	Address string
	Port    uint16
}

// ServerOptions configures NewServer.
type ServerOptions struct {
	Bootstrap     *ServerBootstrap
	Endpoint      Endpoint
	SocketOptions *SocketOptions
	TLSOptions    *TLSConnectionOptions

	// 最大并发连接数，0 表示不限制
	MaxConnections    int
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	// 优雅关闭超时，超时后强制关闭连接
	ShutdownTimeout time.Duration

	// OnIncomingConnection fires once for every accepted connection, on an
	// event loop goroutine rather than the accept loop, and always before
	// the connection's first request is dispatched and before its shutdown
	// notification. A connection that is still unconfigured when its first
	// request arrives is closed.
	OnIncomingConnection func(s *Server, conn *Connection, code ErrorCode, userData any)
	// OnDestroyComplete fires exactly once, after Release, once every
	// connection and stream notification has been delivered.
	OnDestroyComplete func(userData any)
	UserData          any

	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	// Propagator extracts the caller's trace context from request headers.
	// Defaults to the global propagator.
	Propagator propagation.TextMapPropagator
}

// Server is a listening HTTP/1.1 server driven by notifications.
type Server struct {
	opts     ServerOptions
	logger   *zap.Logger
	tracer   trace.Tracer
	inst     *instruments
	prop     propagation.TextMapPropagator
	group    *EventLoopGroup
	listener net.Listener
	http     *http.Server

	mu     sync.Mutex
	conns  map[net.Conn]*Connection
	connWG sync.WaitGroup

	serveDone chan struct{}
	forceCh   chan struct{}
	releasing atomic.Bool
	destroyed atomic.Bool

	accepted atomic.Int64
	streams  atomic.Int64
}

type connKey struct{}

// NewServer validates options, binds the listener synchronously and starts
// accepting on the bootstrap's event loop group.
func NewServer(opts ServerOptions) (*Server, error) {
	if err := validateServerOptions(&opts); err != nil {
		return nil, err
	}

	network, err := opts.SocketOptions.network()
	if err != nil {
		return nil, err
	}
	addr := listenAddress(opts.SocketOptions, opts.Endpoint)

	ln, err := opts.SocketOptions.listenConfig().Listen(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s %s: %w", network, addr, err)
	}
	if opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConnections)
	}
	if opts.TLSOptions != nil {
		ln = tls.NewListener(ln, opts.TLSOptions.config)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	prop := opts.Propagator
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}

	s := &Server{
		opts:      opts,
		logger:    logger.With(zap.String("component", "engine_server"), zap.String("addr", ln.Addr().String())),
		tracer:    tp.Tracer(tracerName),
		inst:      newInstruments(mp, logger),
		prop:      prop,
		group:     opts.Bootstrap.group,
		listener:  ln,
		conns:     make(map[net.Conn]*Connection),
		serveDone: make(chan struct{}),
		forceCh:   make(chan struct{}),
	}
	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		IdleTimeout:       opts.IdleTimeout,
		ConnContext:       s.connContext,
		ConnState:         s.connState,
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	s.logger.Info("server listening",
		zap.String("network", network),
		zap.Bool("tls", opts.TLSOptions != nil),
		zap.Int("max_connections", opts.MaxConnections))

	s.group.Go(s.serve)
	return s, nil
}

func validateServerOptions(opts *ServerOptions) error {
	if opts.Bootstrap == nil {
		return fmt.Errorf("%w: bootstrap is required", ErrInvalidOptions)
	}
	if opts.SocketOptions == nil {
		return fmt.Errorf("%w: socket options are required", ErrInvalidOptions)
	}
	if n := len(opts.Endpoint.Address); n == 0 || n >= MaxAddressLen {
		return fmt.Errorf("%w: length %d not in [1, %d)", ErrInvalidAddress, n, MaxAddressLen)
	}
	if opts.OnIncomingConnection == nil {
		return fmt.Errorf("%w: on_incoming_connection is required", ErrInvalidOptions)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

func (s *Server) serve(context.Context) {
	defer close(s.serveDone)
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("accept loop failed", zap.Error(err))
	}
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Release begins asynchronous shutdown. Later calls are no-ops. No
// notification for this server fires after OnDestroyComplete.
func (s *Server) Release() {
	if !s.releasing.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("server release requested")
	s.group.Go(s.shutdown)
}

// Releasing reports whether Release was called.
func (s *Server) Releasing() bool {
	return s.releasing.Load()
}

// Destroyed reports whether OnDestroyComplete has been delivered.
func (s *Server) Destroyed() bool {
	return s.destroyed.Load()
}

func (s *Server) shutdown(ctx context.Context) {
	start := time.Now()
	deadline := start.Add(s.opts.ShutdownTimeout)

	shutdownCtx, cancel := context.WithDeadline(ctx, deadline)
	err := s.http.Shutdown(shutdownCtx)
	cancel()

	// Accept loop has exited, so no connection can be added while waiting.
	<-s.serveDone
	if err != nil || !waitUntil(&s.connWG, deadline) {
		s.logger.Warn("graceful shutdown timed out, closing connections", zap.Error(err))
		close(s.forceCh)
		if cerr := s.closeConnections(); cerr != nil {
			s.logger.Debug("closing connections", zap.Error(cerr))
		}
		_ = s.http.Close()
		s.connWG.Wait()
	}

	s.destroyed.Store(true)
	s.logger.Info("server destroyed",
		zap.Duration("took", time.Since(start)),
		zap.Int64("connections", s.accepted.Load()),
		zap.Int64("streams", s.streams.Load()))

	if s.opts.OnDestroyComplete != nil {
		s.notify("on_destroy_complete", func() { s.opts.OnDestroyComplete(s.opts.UserData) })
	}
}

func waitUntil(wg *sync.WaitGroup, deadline time.Time) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// closeConnections closes every tracked connection concurrently; TLS close
// can block on the close_notify write.
func (s *Server) closeConnections() error {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(32)
	for _, c := range conns {
		g.Go(func() error {
			if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// =============================================================================
// 🔌 连接生命周期
// =============================================================================

func (s *Server) connContext(ctx context.Context, nc net.Conn) context.Context {
	conn := newConnection(s, nc)

	s.mu.Lock()
	s.conns[nc] = conn
	s.connWG.Add(1)
	s.mu.Unlock()
	s.accepted.Add(1)
	s.inst.connectionOpened(ctx)

	conn.logger.Debug("connection accepted", zap.String("remote", nc.RemoteAddr().String()))
	// 不在 accept 循环里回调：通知可能要等执行锁
	s.group.Go(func(context.Context) { conn.announce() })

	return context.WithValue(ctx, connKey{}, conn)
}

func (s *Server) connState(nc net.Conn, state http.ConnState) {
	if state != http.StateClosed && state != http.StateHijacked {
		return
	}

	s.mu.Lock()
	conn, ok := s.conns[nc]
	delete(s.conns, nc)
	s.mu.Unlock()
	if !ok {
		return
	}

	conn.announce()
	code := ErrCodeSuccess
	if s.releasing.Load() {
		code = ErrCodeServerShutdown
	}
	conn.shutdown(code)
	s.inst.connectionClosed(context.Background())
	s.connWG.Done()
}

// ActiveConnections returns the number of connections not yet shut down.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// =============================================================================
// 🌊 请求分发
// =============================================================================

// ServeHTTP binds each request to the stream the connection hands out.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _ := r.Context().Value(connKey{}).(*Connection)
	if conn == nil {
		panic(http.ErrAbortHandler)
	}

	conn.announce()
	opts := conn.options()
	if opts == nil {
		conn.logger.Warn("request on unconfigured connection, closing",
			zap.String("code", ErrCodeConnectionNotConfigured.String()))
		panic(http.ErrAbortHandler)
	}

	var st *Stream
	s.notify("on_incoming_request", func() {
		st = opts.OnIncomingRequest(conn, opts.UserData)
	})
	if st == nil || !st.bind(conn) {
		conn.logger.Warn("request rejected, no stream",
			zap.String("code", ErrCodeMissingResponse.String()))
		w.Header().Set("Connection", "close")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	s.streams.Add(1)
	if code := st.run(w, r, s); code != ErrCodeSuccess {
		// Drops the connection without completing the response.
		panic(http.ErrAbortHandler)
	}
}

// notify runs a notification and logs a panic instead of letting it reach
// the engine goroutine that delivered it.
func (s *Server) notify(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("notification panicked", zap.String("notification", name), zap.Any("panic", r))
		}
	}()
	fn()
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// ServerStats is a snapshot of server counters.
type ServerStats struct {
	Accepted int64 `json:"accepted"`
	Active   int   `json:"active"`
	Streams  int64 `json:"streams"`
}

// Stats returns server counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Accepted: s.accepted.Load(),
		Active:   s.ActiveConnections(),
		Streams:  s.streams.Load(),
	}
}
