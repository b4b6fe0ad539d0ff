// Command transcribe-admin is an operator CLI for the transcription
// engine, mirroring the teacher's noisefs-config flag-subcommand shape:
// migrate applies the Task Store's schema, resize-pool edits a running
// worker's config file for pkg/config's hot-reload watcher to pick up,
// and requeue forces a stuck task back to QUEUED.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/speechqueue/transcribeq/pkg/config"
	"github.com/speechqueue/transcribeq/pkg/task"
	"github.com/speechqueue/transcribeq/pkg/task/store/postgres"
	"github.com/speechqueue/transcribeq/pkg/util"
)

func main() {
	var (
		migrate    = flag.Bool("migrate", false, "connect and apply any pending schema migrations")
		resizePool = flag.Bool("resize-pool", false, "rewrite pool.min_size/max_size in the config file")
		requeue    = flag.Int64("requeue", 0, "force a task id back to QUEUED")
		configPath = flag.String("config", "", "configuration file path")
		minSize    = flag.Int("min-size", -1, "new pool.min_size (with -resize-pool)")
		maxSize    = flag.Int("max-size", -1, "new pool.max_size (with -resize-pool)")
		dsn        = flag.String("dsn", "", "database connection string (prompts for a password if it has none)")
	)
	flag.Parse()

	switch {
	case *migrate:
		runMigrate(resolveDSN(*configPath, *dsn))
	case *resizePool:
		runResizePool(*configPath, *minSize, *maxSize)
	case *requeue > 0:
		runRequeue(resolveDSN(*configPath, *dsn), *requeue)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// resolveDSN prefers an explicit -dsn flag, falling back to the config
// file's store connection string, and prompts for one on stderr with
// hidden input if neither supplies one.
func resolveDSN(configPath, dsn string) string {
	if dsn != "" {
		return dsn
	}
	cfg, err := config.Load(configPath)
	if err == nil && cfg.Store.ConnectionString != "" {
		return cfg.Store.ConnectionString
	}
	entered, err := util.PromptPassword("database connection string: ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-admin: %v\n", err)
		os.Exit(1)
	}
	return entered
}

func runMigrate(dsn string) {
	ctx := context.Background()
	store, err := postgres.New(ctx, postgres.Config{ConnectionString: dsn})
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-admin: migrate: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	fmt.Println("schema is up to date")
}

func runResizePool(configPath string, minSize, maxSize int) {
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "transcribe-admin: -resize-pool requires -config")
		os.Exit(1)
	}
	if maxSize <= 0 {
		fmt.Fprintln(os.Stderr, "transcribe-admin: -resize-pool requires -max-size > 0")
		os.Exit(1)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-admin: reading %s: %v\n", configPath, err)
		os.Exit(1)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-admin: parsing %s: %v\n", configPath, err)
		os.Exit(1)
	}
	var pool config.PoolConfig
	if existing, ok := raw["pool"]; ok {
		_ = json.Unmarshal(existing, &pool)
	}
	if minSize >= 0 {
		pool.MinSize = minSize
	}
	pool.MaxSize = maxSize

	encoded, err := json.Marshal(pool)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-admin: encoding pool config: %v\n", err)
		os.Exit(1)
	}
	raw["pool"] = encoded

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-admin: encoding %s: %v\n", configPath, err)
		os.Exit(1)
	}
	if err := os.WriteFile(configPath, out, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-admin: writing %s: %v\n", configPath, err)
		os.Exit(1)
	}
	fmt.Printf("pool resized to min=%d max=%d; a running worker watching %s picks this up automatically\n",
		pool.MinSize, pool.MaxSize, configPath)
}

func runRequeue(dsn string, id int64) {
	ctx := context.Background()
	store, err := postgres.New(ctx, postgres.Config{ConnectionString: dsn})
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-admin: requeue: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	t, err := store.Get(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-admin: fetching task %s: %v\n", strconv.FormatInt(id, 10), err)
		os.Exit(1)
	}
	if t == nil {
		fmt.Fprintf(os.Stderr, "transcribe-admin: task %d not found\n", id)
		os.Exit(1)
	}
	if t.Status.Terminal() {
		fmt.Fprintf(os.Stderr, "transcribe-admin: task %d is already terminal (%s); requeue refused\n", id, t.Status)
		os.Exit(1)
	}

	queued := task.StatusQueued
	if err := store.Update(ctx, id, task.Update{Status: &queued}); err != nil {
		fmt.Fprintf(os.Stderr, "transcribe-admin: requeue: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("task %d requeued\n", id)
}
