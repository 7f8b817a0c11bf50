// 配置文件变更监听器实现。
//
// 基于轮询检测修改时间，防抖后触发配置重载回调。
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileWatcher watches configuration files for changes
type FileWatcher struct {
	mu sync.RWMutex

	// 配置
	paths         []string
	debounceDelay time.Duration
	pollInterval  time.Duration

	// 状态
	running  bool
	stopChan chan struct{}

	// 回调
	callbacks []func(event FileEvent)

	logger *zap.Logger

	// 轮询的最后修改时间
	lastModTimes map[string]time.Time

	// 防抖窗口内的待派发事件，同一路径后到覆盖先到
	pendingMu sync.Mutex
	pending   map[string]FileEvent
	timer     *time.Timer
}

// FileEvent represents a file change event
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp represents file operation types
type FileOp int

const (
	// FileOpCreate 表示文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 指示文件已被修改
	FileOpWrite
	// FileOpRemove 表示文件已被删除
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// --- 文件监听器选项 ---

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay sets the debounce delay for file events
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithPollInterval sets how often watched files are stat'ed
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.pollInterval = d
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// --- 文件监听器实现 ---

// NewFileWatcher creates a new file watcher
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         slices.Clone(paths),
		debounceDelay: 100 * time.Millisecond,
		pollInterval:  time.Second,
		stopChan:      make(chan struct{}),
		lastModTimes:  make(map[string]time.Time),
		pending:       make(map[string]FileEvent),
		logger:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(w)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				w.logger.Warn("config file does not exist, will watch for creation",
					zap.String("path", path))
				continue
			}
			return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
		}
	}

	return w, nil
}

// OnChange registers a callback for file change events
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for file changes
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.lastModTimes[path] = info.ModTime()
		}
	}
	stop := w.stopChan
	w.mu.Unlock()

	go w.pollLoop(ctx, stop)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.Paths()),
		zap.Duration("debounce_delay", w.debounceDelay))

	return nil
}

// Stop stops the file watcher
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	close(w.stopChan)
	w.running = false

	w.pendingMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.pendingMu.Unlock()

	w.logger.Info("file watcher stopped")
	return nil
}

func (w *FileWatcher) pollLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			for _, evt := range w.checkFiles() {
				w.enqueue(evt)
			}
		}
	}
}

// checkFiles compares modification times against the last poll
func (w *FileWatcher) checkFiles() []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	var events []FileEvent
	now := time.Now()
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			if _, existed := w.lastModTimes[path]; existed && errors.Is(err, os.ErrNotExist) {
				delete(w.lastModTimes, path)
				events = append(events, FileEvent{Path: path, Op: FileOpRemove, Timestamp: now})
			}
			continue
		}

		lastMod, existed := w.lastModTimes[path]
		switch {
		case !existed:
			w.lastModTimes[path] = info.ModTime()
			events = append(events, FileEvent{Path: path, Op: FileOpCreate, Timestamp: now})
		case info.ModTime().After(lastMod):
			w.lastModTimes[path] = info.ModTime()
			events = append(events, FileEvent{Path: path, Op: FileOpWrite, Timestamp: now})
		}
	}
	return events
}

// enqueue records evt and (re)arms the debounce timer
func (w *FileWatcher) enqueue(evt FileEvent) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	w.pending[evt.Path] = evt
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, w.flush)
}

func (w *FileWatcher) flush() {
	w.pendingMu.Lock()
	events := w.pending
	w.pending = make(map[string]FileEvent)
	w.pendingMu.Unlock()

	w.mu.RLock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.RUnlock()

	for path, evt := range events {
		w.logger.Debug("dispatching file event",
			zap.String("path", path),
			zap.String("op", evt.Op.String()))
		for _, cb := range callbacks {
			cb(evt)
		}
	}
}

// AddPath adds a new path to watch
func (w *FileWatcher) AddPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if slices.Contains(w.paths, path) || slices.Contains(w.paths, absPath) {
		return nil
	}
	w.paths = append(w.paths, absPath)
	if info, err := os.Stat(absPath); err == nil {
		w.lastModTimes[absPath] = info.ModTime()
	}

	w.logger.Info("added path to watcher", zap.String("path", absPath))
	return nil
}

// RemovePath removes a path from watching
func (w *FileWatcher) RemovePath(path string) error {
	absPath, _ := filepath.Abs(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	for i, p := range w.paths {
		if p == absPath || p == path {
			w.paths = slices.Delete(w.paths, i, i+1)
			delete(w.lastModTimes, p)
			w.logger.Info("removed path from watcher", zap.String("path", p))
			return nil
		}
	}

	return fmt.Errorf("path not found: %s", path)
}

// Paths returns the list of watched paths
func (w *FileWatcher) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.paths)
}

// IsRunning returns whether the watcher is running
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
