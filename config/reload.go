package config

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel converts a configured level name into a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// LevelReloader re-reads the config file on change and applies the new log
// level to an AtomicLevel. Everything else in the file needs a restart.
type LevelReloader struct {
	loader  *Loader
	level   zap.AtomicLevel
	watcher *FileWatcher
	logger  *zap.Logger
}

// NewLevelReloader watches path and applies log.level changes to level.
func NewLevelReloader(path string, level zap.AtomicLevel, logger *zap.Logger, opts ...WatcherOption) (*LevelReloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "config_reload"))

	w, err := NewFileWatcher([]string{path}, append([]WatcherOption{WithWatcherLogger(logger)}, opts...)...)
	if err != nil {
		return nil, err
	}

	r := &LevelReloader{
		loader:  NewLoader().WithConfigPath(path),
		level:   level,
		watcher: w,
		logger:  logger,
	}
	w.OnChange(r.onChange)
	return r, nil
}

// Start begins polling.
func (r *LevelReloader) Start(ctx context.Context) error {
	return r.watcher.Start(ctx)
}

// Stop stops polling.
func (r *LevelReloader) Stop() error {
	return r.watcher.Stop()
}

func (r *LevelReloader) onChange(evt FileEvent) {
	if evt.Op == FileOpRemove {
		return
	}
	if err := r.Reload(); err != nil {
		r.logger.Warn("config reload failed", zap.String("path", evt.Path), zap.Error(err))
	}
}

// Reload loads the file once and applies its log level.
func (r *LevelReloader) Reload() error {
	cfg, err := r.loader.Load()
	if err != nil {
		return err
	}
	lvl, err := ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if lvl != r.level.Level() {
		r.logger.Info("log level changed",
			zap.String("from", r.level.Level().String()),
			zap.String("to", lvl.String()))
		r.level.SetLevel(lvl)
	}
	return nil
}
