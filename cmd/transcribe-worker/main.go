// Command transcribe-worker runs the Task Processor and Callback
// Dispatcher loops (spec.md §4.D/§4.E): it claims QUEUED tasks, runs them
// against the Model Pool, and drains the callback outbox, until an OS
// signal requests a graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/speechqueue/transcribeq/pkg/callback"
	"github.com/speechqueue/transcribeq/pkg/config"
	"github.com/speechqueue/transcribeq/pkg/engine"
	"github.com/speechqueue/transcribeq/pkg/enginepool"
	"github.com/speechqueue/transcribeq/pkg/fetch"
	"github.com/speechqueue/transcribeq/pkg/logging"
	"github.com/speechqueue/transcribeq/pkg/processor"
	"github.com/speechqueue/transcribeq/pkg/task/searchindex"
	"github.com/speechqueue/transcribeq/pkg/task/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	searchIndexPath := flag.String("search-index", "", "bleve index path (empty disables search indexing)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-worker: %v\n", err)
		os.Exit(1)
	}

	logLevel, err := logging.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		logLevel = logging.InfoLevel
	}
	loggerCfg := logging.DefaultConfig()
	loggerCfg.Level = logLevel
	logger := logging.NewLogger(loggerCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, postgres.Config{
		ConnectionString:     cfg.Store.ConnectionString,
		MaxConnections:       cfg.Store.MaxConnections,
		MaxReconnectAttempts: cfg.Store.MaxReconnectAttempts,
	})
	if err != nil {
		logger.Errorf("connecting task store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	pool, err := enginepool.New(ctx, cfg.Pool.ToEnginePool(), engine.NewStubFactory(), logger)
	if err != nil {
		logger.Errorf("starting model pool: %v", err)
		os.Exit(1)
	}
	defer pool.Close()

	fetcher, err := fetch.New(fetch.Config{
		TempDir:          cfg.Fetch.TempDir,
		MaxFileSizeBytes: cfg.Fetch.MaxFileSizeBytes,
		ChunkSize:        cfg.Fetch.ChunkSizeBytes,
		ProbeBytes:       cfg.Fetch.ProbeBytes,
	}, nil, logger)
	if err != nil {
		logger.Errorf("starting media fetcher: %v", err)
		os.Exit(1)
	}

	var index *searchindex.Index
	if *searchIndexPath != "" {
		index, err = searchindex.Open(*searchIndexPath)
		if err != nil {
			logger.Errorf("opening search index: %v", err)
			os.Exit(1)
		}
		defer index.Close()
	}

	outbox, err := callback.NewOutboxStore(ctx, callback.StoreConfig{
		ConnectionString: firstNonEmpty(cfg.Callback.ConnectionString, cfg.Store.ConnectionString),
	})
	if err != nil {
		logger.Errorf("connecting callback outbox: %v", err)
		os.Exit(1)
	}
	defer outbox.Close()

	dispatcher := callback.New(outbox, store, logger, callback.Config{
		BatchSize:   cfg.Callback.BatchSize,
		MaxAttempts: cfg.Callback.MaxAttempts,
	})
	dispatcher.Start(ctx)

	// engine.NewStubFactory above only produces OpenAIWhisperModel-shaped
	// handles; registering faster_whisper here too would just mean every
	// such task fails with an invariant error on the handle type
	// assertion. A deployment wiring a real faster_whisper binding would
	// register it once its Factory is in place.
	engines := engine.Registry{
		"openai_whisper": engine.NewOpenAIWhisper(),
	}

	proc := processor.New(store, pool, fetcher, engines, index, dispatcher, logger, processor.Config{
		MaxConcurrentTasks: cfg.Processor.MaxConcurrentTasks,
		CleanupEnabled:     cfg.Processor.CleanupEnabled,
	})
	proc.Start(ctx)

	watcher, err := config.WatchPoolSize(*configPath, pool, logger)
	if err != nil {
		logger.Warnf("config hot-reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	logger.Infof("transcribe-worker started")
	<-ctx.Done()
	logger.Infof("shutting down")

	shutdownCtx := context.Background()
	if err := proc.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("processor shutdown: %v", err)
	}
	dispatcher.Shutdown(shutdownCtx)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
