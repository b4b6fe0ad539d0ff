// Package callback implements the Callback Dispatcher (spec.md §4.E): a
// durable outbox of callback_jobs rows, one per terminal task with a
// non-empty callback_url, claimed and delivered by a small worker loop,
// modeled directly on the teacher's outbox
// (pkg/compliance/storage/postgres/outbox.go).
package callback

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Job is one callback_jobs row: a single delivery attempt batch for a
// terminal task.
type Job struct {
	EventID    string
	TaskID     int64
	Payload    []byte
	RetryCount int
}

// StoreConfig governs the outbox's own connection pool. The dispatcher
// owns this pool independently of the Task Store's and the Task
// Processor's pools (SPEC_FULL.md §5's per-loop pool isolation extends to
// every component, not just the processor).
type StoreConfig struct {
	ConnectionString string
	MaxConnections   int32
}

// OutboxStore is the callback_jobs-backed durable queue.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore connects to the same PostgreSQL database the Task Store
// migrated callback_jobs into, via its own pool.
func NewOutboxStore(ctx context.Context, cfg StoreConfig) (*OutboxStore, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("callback: connection string is required")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("callback: parsing connection string: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("callback: connecting: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callback: ping: %w", err)
	}
	return &OutboxStore{pool: pool}, nil
}

// CreateJob inserts a pending callback_jobs row. Idempotent on eventID: a
// second enqueue of the same event (e.g. a processor retry after a crash)
// is a silent no-op rather than a duplicate delivery.
func (s *OutboxStore) CreateJob(ctx context.Context, eventID string, taskID int64, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO callback_jobs (event_id, task_id, payload, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, taskID, payload)
	if err != nil {
		return fmt.Errorf("callback: creating job: %w", err)
	}
	return nil
}

// ClaimPending returns up to n pending jobs, oldest first, selected with
// FOR UPDATE SKIP LOCKED. Unlike pkg/task/store/postgres.ClaimQueued it
// does not change the rows' status: the locks end with the statement and
// the rows stay pending until MarkPublished or MarkFailed, so two
// dispatcher instances polling at the same time can both receive the same
// job.
func (s *OutboxStore) ClaimPending(ctx context.Context, n int) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, task_id, payload, retry_count
		FROM callback_jobs
		WHERE event_id IN (
			SELECT event_id FROM callback_jobs
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)`, n)
	if err != nil {
		return nil, fmt.Errorf("callback: claiming pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		if err := rows.Scan(&j.EventID, &j.TaskID, &j.Payload, &j.RetryCount); err != nil {
			return nil, fmt.Errorf("callback: scanning job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callback: iterating jobs: %w", err)
	}
	return jobs, nil
}

// MarkPublished marks eventID delivered.
func (s *OutboxStore) MarkPublished(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE callback_jobs SET status = 'published', published_at = $2
		WHERE event_id = $1`, eventID, time.Now())
	if err != nil {
		return fmt.Errorf("callback: marking job published: %w", err)
	}
	return nil
}

// MarkFailed marks eventID failed and records the last error, incrementing
// retry_count as an audit counter — not a second retry policy; the
// dispatcher itself only ever attempts one notify(task) per terminal
// task (spec.md §4.E).
func (s *OutboxStore) MarkFailed(ctx context.Context, eventID, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE callback_jobs
		SET status = 'failed', retry_count = retry_count + 1, last_error = $2
		WHERE event_id = $1`, eventID, lastErr)
	if err != nil {
		return fmt.Errorf("callback: marking job failed: %w", err)
	}
	return nil
}

// Close releases the outbox's connection pool.
func (s *OutboxStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
