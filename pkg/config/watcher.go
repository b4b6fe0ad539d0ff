package config

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/speechqueue/transcribeq/pkg/logging"
)

// PoolResizer is the subset of enginepool.Pool a hot-reload watcher
// needs; satisfied by *enginepool.Pool.
type PoolResizer interface {
	Resize(ctx context.Context, newMin, newMax int) error
}

// Watcher reloads pool.min_size/max_size from configPath whenever the
// file changes, without restarting the process. Grounded on
// pkg/sync/file_watcher.go's fsnotify.Watcher wiring (watch a path,
// drain its event channel on a dedicated goroutine, debounce bursts of
// writes from the same save).
type Watcher struct {
	configPath string
	pool       PoolResizer
	logger     *logging.Logger
	watcher    *fsnotify.Watcher

	cancel context.CancelFunc
}

// WatchPoolSize starts watching configPath for writes, applying any
// change to pool.min_size/pool.max_size to pool via Resize. Call Close
// to stop.
func WatchPoolSize(configPath string, pool PoolResizer, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithComponent("config-watcher")

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(configPath); err != nil {
		fw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{configPath: configPath, pool: pool, logger: logger, watcher: fw, cancel: cancel}
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("config watcher error: %v", err)
		case <-reload:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		w.logger.Warnf("re-reading config for hot reload: %v", err)
		return
	}
	var partial struct {
		Pool PoolConfig `json:"pool"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		w.logger.Warnf("parsing config for hot reload: %v", err)
		return
	}
	if partial.Pool.MaxSize <= 0 {
		return
	}
	if err := w.pool.Resize(ctx, partial.Pool.MinSize, partial.Pool.MaxSize); err != nil {
		w.logger.Warnf("resizing model pool from config hot reload: %v", err)
		return
	}
	w.logger.Infof("resized model pool to min=%d max=%d from config hot reload", partial.Pool.MinSize, partial.Pool.MaxSize)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}
