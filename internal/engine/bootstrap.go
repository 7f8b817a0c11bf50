package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/crtbridge/internal/pool"
)

// EventLoopGroup runs the engine's own goroutines: accept loops, shutdown
// sequences and the notifications they deliver.
type EventLoopGroup struct {
	pool   *pool.GoroutinePool
	logger *zap.Logger
}

// NewEventLoopGroup creates a group backed by a goroutine pool.
func NewEventLoopGroup(cfg pool.GoroutinePoolConfig, logger *zap.Logger) *EventLoopGroup {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "event_loop_group"))
	if cfg.PanicHandler == nil {
		cfg.PanicHandler = func(r any) {
			logger.Error("event loop task panicked", zap.Any("panic", r))
		}
	}
	return &EventLoopGroup{
		pool:   pool.NewGoroutinePool(cfg),
		logger: logger,
	}
}

// Go schedules fn. It never drops work: once the group is closed fn runs on a
// detached goroutine.
func (g *EventLoopGroup) Go(fn func(ctx context.Context)) {
	err := g.pool.Go(context.Background(), func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
	if errors.Is(err, pool.ErrPoolClosed) {
		g.logger.Debug("event loop group closed, running detached")
		go fn(context.Background())
	}
}

// Stats returns the underlying pool statistics.
func (g *EventLoopGroup) Stats() pool.GoroutinePoolStats {
	return g.pool.Stats()
}

// Close waits for scheduled work. Servers using the group should be released
// first.
func (g *EventLoopGroup) Close() {
	g.pool.Close()
	g.logger.Debug("event loop group closed")
}

// ServerBootstrap binds servers to an event loop group.
type ServerBootstrap struct {
	group *EventLoopGroup
}

// NewServerBootstrap creates a bootstrap on group.
func NewServerBootstrap(group *EventLoopGroup) (*ServerBootstrap, error) {
	if group == nil {
		return nil, fmt.Errorf("%w: event loop group is required", ErrInvalidOptions)
	}
	return &ServerBootstrap{group: group}, nil
}

// Group returns the event loop group.
func (b *ServerBootstrap) Group() *EventLoopGroup {
	return b.group
}
