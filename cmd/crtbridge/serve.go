package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/crtbridge/config"
	"github.com/BaSui01/crtbridge/internal/metrics"
	"github.com/BaSui01/crtbridge/internal/telemetry"
)

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the demo server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	return cmd
}

// observability 是 serve 与 demo 共用的日志、遥测与指标
type observability struct {
	logger    *zap.Logger
	level     zap.AtomicLevel
	providers *telemetry.Providers
	collector *metrics.Collector
}

func initObservability(cfg *config.Config) *observability {
	logger, level := initLogger(cfg.Log)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}
	return &observability{logger: logger, level: level, providers: providers, collector: collector}
}

func (o *observability) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.providers.Shutdown(ctx); err != nil {
		o.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	_ = o.logger.Sync()
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	obs := initObservability(cfg)
	defer obs.close()
	logger := obs.logger

	logger.Info("Starting crtbridge",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newServerApp(ctx, cfg, logger, obs.collector, obs.providers)
	if err != nil {
		return err
	}
	opts, err := socketOptions(cfg.Socket)
	if err != nil {
		return err
	}
	if _, err := app.start(ctx, cfg.Server.Host, uint16(cfg.Server.Port), opts); err != nil {
		_ = app.close(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// 配置文件变更时热更新日志级别
	if configPath != "" {
		reloader, err := config.NewLevelReloader(configPath, obs.level, logger)
		if err != nil {
			logger.Warn("config reload disabled", zap.Error(err))
		} else {
			g.Go(func() error {
				if err := reloader.Start(gctx); err != nil {
					return err
				}
				<-gctx.Done()
				return reloader.Stop()
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
		defer cancel()
		return app.close(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("crtbridge stopped")
	return err
}
