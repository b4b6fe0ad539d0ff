// Package processor implements the Task Processor (spec.md §4.D): a
// five-worker event loop that claims QUEUED tasks from the Store, drives
// each one through the media-fetch/engine-invoke/result-normalize
// pipeline, and serializes every resulting field mutation back onto the
// Store through a single update worker.
//
// The Processor owns its own pgxpool.Pool (via whatever task.Store the
// caller constructs and hands in) and must never share that pool with an
// ingress HTTP server's pool — SPEC_FULL.md §5's "no shared connections
// across loops" rule.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/speechqueue/transcribeq/pkg/engine"
	"github.com/speechqueue/transcribeq/pkg/enginepool"
	"github.com/speechqueue/transcribeq/pkg/fetch"
	"github.com/speechqueue/transcribeq/pkg/logging"
	"github.com/speechqueue/transcribeq/pkg/task"
	"github.com/speechqueue/transcribeq/pkg/task/searchindex"
)

// CallbackEnqueuer hands a terminal task off to the Callback Dispatcher
// (pkg/callback) without the processor importing it directly: the
// dispatcher's outbox writer implements this against the same Store.
type CallbackEnqueuer interface {
	Enqueue(ctx context.Context, t *task.Task) error
}

// Config governs processor concurrency and worker timing.
type Config struct {
	// MaxConcurrentTasks bounds the number of _process_task_sync
	// goroutines in flight at once. Clamped to the Model Pool's max_size
	// at construction time (spec.md §4.D back-pressure rule).
	MaxConcurrentTasks int

	// StatusCheckInterval is how often the fetcher worker polls
	// Store.ClaimQueued when the processing queue has capacity.
	StatusCheckInterval time.Duration

	// AcquireTimeout bounds how long _process_task_sync waits on the
	// Model Pool before treating it as exhausted.
	AcquireTimeout time.Duration

	// AcquireStrategy selects the Model Pool's existing/dynamic growth
	// behavior (spec.md §4.B).
	AcquireStrategy enginepool.Strategy

	// CleanupEnabled controls whether the cleanup worker deletes a
	// task's downloaded temp file after processing finishes.
	CleanupEnabled bool

	// ShutdownTimeout bounds how long Shutdown waits for in-flight
	// goroutines to finish before giving up.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns conservative defaults suitable for a single
// worker process.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:  4,
		StatusCheckInterval: 2 * time.Second,
		AcquireTimeout:      30 * time.Second,
		AcquireStrategy:     enginepool.StrategyExisting,
		CleanupEnabled:      true,
		ShutdownTimeout:     30 * time.Second,
	}
}

type updateJob struct {
	id     int64
	update task.Update
	// indexText/indexLanguage carry the data needed to keep the bleve
	// search index in sync whenever a task lands on COMPLETED; empty
	// indexText means "don't index" (e.g. a FAILED update).
	indexText     string
	indexLanguage string
}

type cleanupJob struct {
	path string
}

// Processor is the Task Processor: fetcher, processing, update, cleanup
// and callback workers wired together by bounded channels, each worker
// its own goroutine, coordinated entirely through the channels and the
// Store (spec.md §4.D, §5).
type Processor struct {
	store   task.Store
	pool    *enginepool.Pool
	fetcher *fetch.Fetcher
	engines engine.Registry
	index   *searchindex.Index // optional; nil disables search sync
	callbacks CallbackEnqueuer // optional; nil disables callback dispatch
	logger  *logging.Logger
	cfg     Config

	processingQueue chan []*task.Task
	updateQueue     chan updateJob
	cleanupQueue    chan cleanupJob
	callbackQueue   chan *task.Task

	sem chan struct{}

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup // worker goroutines
	taskWG    sync.WaitGroup // in-flight _process_task_sync goroutines
}

// New constructs a Processor. index and callbacks may be nil.
func New(store task.Store, pool *enginepool.Pool, fetcher *fetch.Fetcher, engines engine.Registry, index *searchindex.Index, callbacks CallbackEnqueuer, logger *logging.Logger, cfg Config) *Processor {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithComponent("processor")

	if cfg.StatusCheckInterval <= 0 {
		cfg.StatusCheckInterval = DefaultConfig().StatusCheckInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultConfig().MaxConcurrentTasks
	}
	if maxSize := pool.MaxSize(); maxSize > 0 && cfg.MaxConcurrentTasks > maxSize {
		logger.Infof("clamping max_concurrent_tasks from %d to model pool max_size %d", cfg.MaxConcurrentTasks, maxSize)
		cfg.MaxConcurrentTasks = maxSize
	}

	return &Processor{
		store:           store,
		pool:            pool,
		fetcher:         fetcher,
		engines:         engines,
		index:           index,
		callbacks:       callbacks,
		logger:          logger,
		cfg:             cfg,
		processingQueue: make(chan []*task.Task, 4),
		updateQueue:     make(chan updateJob, cfg.MaxConcurrentTasks*2),
		cleanupQueue:    make(chan cleanupJob, cfg.MaxConcurrentTasks*2),
		callbackQueue:   make(chan *task.Task, cfg.MaxConcurrentTasks*2),
		sem:             make(chan struct{}, cfg.MaxConcurrentTasks),
		shutdown:        make(chan struct{}),
	}
}

// Start launches the five worker goroutines. It returns immediately; call
// Shutdown to stop them.
func (p *Processor) Start(ctx context.Context) {
	p.wg.Add(5)
	go p.runFetchWorker(ctx)
	go p.runProcessingWorker(ctx)
	go p.runUpdateWorker(ctx)
	go p.runCleanupWorker(ctx)
	go p.runCallbackWorker(ctx)
}

// Shutdown stops accepting new claim_queued batches, waits (bounded by
// ctx and cfg.ShutdownTimeout) for in-flight _process_task_sync
// goroutines to finish, then stops the remaining workers. Grounded on the
// teacher's WorkerPoolOptimizer.Shutdown (cancel + wg.Wait race against a
// timeout).
func (p *Processor) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.shutdown) })

	done := make(chan struct{})
	go func() {
		p.taskWG.Wait()
		close(done)
	}()

	timeout := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timeout.Stop()

	select {
	case <-done:
	case <-ctx.Done():
	case <-timeout.C:
		p.logger.Warnf("shutdown timed out waiting for in-flight tasks")
	}

	close(p.processingQueue)
	close(p.updateQueue)
	close(p.cleanupQueue)
	close(p.callbackQueue)
	p.wg.Wait()
	return nil
}
