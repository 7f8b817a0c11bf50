// Package pool provides goroutine pool for controlled concurrency.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolClosed is returned by Go after Close.
var ErrPoolClosed = errors.New("pool is closed")

// Task represents a unit of work.
type Task func(ctx context.Context) error

// GoroutinePool manages a pool of worker goroutines. The engine uses one pool
// per event loop group: accepted connections, shutdown sequences and
// notifications all run on it.
type GoroutinePool struct {
	name        string
	maxWorkers  int
	taskQueue   chan taskWrapper
	workerCount atomic.Int32
	activeCount atomic.Int32
	closeMu     sync.RWMutex
	closed      bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	overflow  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

type taskWrapper struct {
	task Task
	ctx  context.Context
}

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	Name         string        `json:"name"`
	MaxWorkers   int           `json:"max_workers"`
	QueueSize    int           `json:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultGoroutinePoolConfig returns sensible defaults.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{
		Name:        "event-loop",
		MaxWorkers:  100,
		QueueSize:   1000,
		IdleTimeout: 60 * time.Second,
	}
}

// NewGoroutinePool creates a new goroutine pool.
func NewGoroutinePool(config GoroutinePoolConfig) *GoroutinePool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultGoroutinePoolConfig().IdleTimeout
	}
	return &GoroutinePool{
		name:         config.Name,
		maxWorkers:   config.MaxWorkers,
		taskQueue:    make(chan taskWrapper, config.QueueSize),
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
	}
}

// Name returns the pool name.
func (p *GoroutinePool) Name() string {
	return p.name
}

// Go runs task on the pool and never drops it: when the queue is full the
// task runs on a dedicated goroutine that Close still waits for. Only a
// closed pool rejects.
func (p *GoroutinePool) Go(ctx context.Context, task Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	wrapper := taskWrapper{task: task, ctx: ctx}

	select {
	case p.taskQueue <- wrapper:
		p.ensureWorker()
		return nil
	default:
	}

	p.overflow.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(wrapper)
	}()
	return nil
}

func (p *GoroutinePool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *GoroutinePool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *GoroutinePool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case wrapper, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(wrapper)
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// Idle timeout, exit if we have more than minimum workers
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *GoroutinePool) run(wrapper taskWrapper) {
	p.activeCount.Add(1)
	err := p.executeTask(wrapper)
	p.activeCount.Add(-1)

	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
}

func (p *GoroutinePool) executeTask(wrapper taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return wrapper.task(wrapper.ctx)
}

// Close closes the pool and waits for all workers to finish. Tasks already
// queued still run.
func (p *GoroutinePool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.closeMu.Unlock()

	// Drain tasks left behind when no worker is alive to take them.
	for wrapper := range p.taskQueue {
		p.run(wrapper)
	}
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.taskQueue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Overflow:  p.overflow.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Overflow  int64 `json:"overflow"`
}
