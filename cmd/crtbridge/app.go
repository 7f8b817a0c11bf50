package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/crtbridge/bridge"
	"github.com/BaSui01/crtbridge/config"
	"github.com/BaSui01/crtbridge/internal/metrics"
	"github.com/BaSui01/crtbridge/internal/pool"
	"github.com/BaSui01/crtbridge/internal/telemetry"
	"github.com/BaSui01/crtbridge/internal/tlsutil"
	"github.com/BaSui01/crtbridge/managed"
)

var errServerExists = errors.New("server already created")

// =============================================================================
// 🖥️ 演示服务器
// =============================================================================

// serverApp 持有一个托管运行时上的 bridge 资源，最多运行一个服务器
type serverApp struct {
	cfg     *config.Config
	logger  *zap.Logger
	rt      *managed.Runtime
	bridge  *bridge.Bridge
	handler *demoHandler

	group     *bridge.EventLoopGroup
	bootstrap *bridge.ServerBootstrap
	tls       *bridge.TLSConnectionOptions

	server    *bridge.Server
	destroyed chan struct{}
}

func newServerApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, collector *metrics.Collector, providers *telemetry.Providers) (*serverApp, error) {
	rt := managed.NewRuntime(
		managed.WithLogger(logger),
		managed.WithUnraisableHook(func(managed.UnraisableEvent) { collector.RecordUnraisable() }),
	)
	b := bridge.New(rt,
		bridge.WithLogger(logger),
		bridge.WithMetrics(collector),
		bridge.WithTracerProvider(providers.TracerProvider()),
		bridge.WithMeterProvider(providers.MeterProvider()),
		bridge.WithServerTuning(bridge.ServerTuning{
			MaxConnections:    cfg.Server.MaxConnections,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
			ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		}),
	)

	fs, err := newContentFs(cfg.Demo)
	if err != nil {
		return nil, err
	}
	var gatherer prometheus.Gatherer
	if collector != nil {
		gatherer = collector.Gatherer()
	}
	limiter := newVisitorLimiter(ctx, cfg.Demo.RateLimitRPS, cfg.Demo.RateLimitBurst)

	app := &serverApp{
		cfg:     cfg,
		logger:  logger,
		rt:      rt,
		bridge:  b,
		handler: newDemoHandler(rt, newRouter(fs, cfg, gatherer, logger), limiter, collector, logger),
	}

	app.group = b.NewEventLoopGroup(ctx, pool.GoroutinePoolConfig{
		Name:        "event-loop",
		MaxWorkers:  cfg.Pool.MaxWorkers,
		QueueSize:   cfg.Pool.QueueSize,
		IdleTimeout: cfg.Pool.IdleTimeout,
	})
	if app.bootstrap, err = b.NewServerBootstrap(ctx, app.group); err != nil {
		return nil, fmt.Errorf("create server bootstrap: %w", err)
	}
	if app.tls, err = app.tlsOptions(ctx); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *serverApp) tlsOptions(ctx context.Context) (*bridge.TLSConnectionOptions, error) {
	cfg := a.cfg.TLS
	switch {
	case !cfg.Enabled:
		return nil, nil
	case cfg.CertFile != "" && cfg.KeyFile != "":
		return a.bridge.NewTLSConnectionOptionsFromFiles(ctx, cfg.CertFile, cfg.KeyFile)
	}
	certPEM, keyPEM, err := tlsutil.SelfSigned([]string{a.cfg.Server.Host, "localhost"}, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}
	a.logger.Warn("using a self-signed certificate")
	return a.bridge.NewTLSConnectionOptionsFromPEM(ctx, certPEM, keyPEM)
}

// socketOptions 由配置构造套接字选项
func socketOptions(cfg config.SocketConfig) (*bridge.SocketOptions, error) {
	domain, err := bridge.ParseSocketDomain(cfg.Domain)
	if err != nil {
		return nil, err
	}
	typ, err := bridge.ParseSocketType(cfg.Type)
	if err != nil {
		return nil, err
	}
	return &bridge.SocketOptions{
		Domain:            domain,
		Type:              typ,
		ConnectTimeout:    cfg.ConnectTimeout,
		KeepAlive:         cfg.KeepAlive,
		KeepAliveInterval: cfg.KeepAliveInterval,
		KeepAliveTimeout:  cfg.KeepAliveTimeout,
	}, nil
}

// start 创建并启动服务器
func (a *serverApp) start(ctx context.Context, host string, port uint16, opts *bridge.SocketOptions) (*bridge.Server, error) {
	if a.server != nil {
		return nil, errServerExists
	}
	destroyed := make(chan struct{})
	onDestroy := a.handler.handoff("demo.on_destroy_complete", managed.Func(func(context.Context, ...any) (any, error) {
		close(destroyed)
		return nil, nil
	}))
	onConn := a.handler.connectionCallback()

	srv, err := bridge.Create(ctx, a.bootstrap, onConn, onDestroy, host, port, opts, a.tls)
	// Create 成功时自己持有两个回调的引用
	managed.XDecRef(onConn)
	managed.XDecRef(onDestroy)
	if err != nil {
		return nil, err
	}
	a.server, a.destroyed = srv, destroyed
	a.logger.Info("server listening", zap.String("addr", srv.Addr().String()), zap.Bool("tls", a.tls != nil))
	return srv, nil
}

// addr 返回当前服务器地址
func (a *serverApp) addr() net.Addr {
	if a.server == nil {
		return nil
	}
	return a.server.Addr()
}

// shutdown 释放服务器并等待 on_destroy_complete，然后终结句柄
func (a *serverApp) shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	bridge.Release(ctx, a.server)
	select {
	case <-a.destroyed:
	case <-ctx.Done():
		return fmt.Errorf("wait for server shutdown: %w", ctx.Err())
	}
	a.server.Drop(ctx)
	a.server, a.destroyed = nil, nil
	a.logger.Info("server shut down")
	return nil
}

// close 关闭服务器并终结引导器与事件循环组
func (a *serverApp) close(ctx context.Context) error {
	err := a.shutdown(ctx)
	a.bootstrap.Drop(ctx)
	a.group.Drop(ctx)
	if a.tls != nil {
		a.tls.Drop(ctx)
	}
	return err
}
