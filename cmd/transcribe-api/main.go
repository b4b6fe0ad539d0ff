// Command transcribe-api runs the Ingress Adapter: a thin HTTP surface
// (spec.md §4.F) that validates submissions, persists QUEUED tasks, and
// answers status/query/delete/watch requests against the Task Store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/speechqueue/transcribeq/pkg/config"
	"github.com/speechqueue/transcribeq/pkg/ingress"
	"github.com/speechqueue/transcribeq/pkg/logging"
	"github.com/speechqueue/transcribeq/pkg/task/store/postgres"
	"github.com/speechqueue/transcribeq/pkg/tempstore"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-api: %v\n", err)
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
		ConnectionString:     firstNonEmpty(cfg.Ingress.ConnectionString, cfg.Store.ConnectionString),
		MaxConnections:       cfg.Store.MaxConnections,
		MaxReconnectAttempts: cfg.Store.MaxReconnectAttempts,
	})
	if err != nil {
		logger.Errorf("connecting task store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	uploadDir := cfg.Ingress.UploadDir
	if uploadDir == "" {
		uploadDir = cfg.Fetch.TempDir
	}
	uploads, err := tempstore.New(tempstore.Config{
		Dir:              uploadDir,
		MaxFileSizeBytes: cfg.Ingress.MaxUploadBytes,
	}, nil, logger)
	if err != nil {
		logger.Errorf("starting upload store: %v", err)
		os.Exit(1)
	}

	server := ingress.New(store, uploads, cfg.Ingress.MaxUploadBytes, logger)

	httpServer := &http.Server{
		Addr:              cfg.Ingress.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("transcribe-api listening on %s", cfg.Ingress.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http server shutdown: %v", err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
