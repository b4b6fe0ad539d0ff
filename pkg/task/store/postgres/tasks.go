package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/speechqueue/transcribeq/pkg/task"
)

const taskColumns = `
	id, status, priority, engine_name, task_type, created_at, updated_at,
	task_processing_time, file_path, file_url, file_name, file_size_bytes,
	file_duration, platform, decode_options, language, result, error_message,
	output_url, callback_url, callback_status_code, callback_message, callback_time`

// Create inserts a new QUEUED task row.
func (s *Store) Create(ctx context.Context, t *task.Task) (int64, error) {
	if !t.Priority.Valid() {
		return 0, task.Input("invalid priority %q", t.Priority)
	}
	if !t.TaskType.Valid() {
		return 0, task.Input("invalid task_type %q", t.TaskType)
	}
	if t.FilePath == "" && t.FileURL == "" {
		return 0, task.Input("exactly one of file_path or file_url is required")
	}
	if t.FilePath != "" && t.FileURL != "" {
		return 0, task.Input("file_path and file_url are mutually exclusive")
	}

	decodeOptions := t.DecodeOptions
	if decodeOptions == nil {
		decodeOptions = map[string]any{}
	}

	query := `
		INSERT INTO tasks (
			status, priority, engine_name, task_type, file_path, file_url,
			file_name, file_size_bytes, file_duration, platform,
			decode_options, callback_url
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		) RETURNING id, created_at, updated_at`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		task.StatusQueued, t.Priority, t.EngineName, t.TaskType, nullableStr(t.FilePath),
		nullableStr(t.FileURL), nullableStr(t.FileName), nullableInt64(t.FileSizeBytes),
		nullableFloat(t.FileDuration), nullableStr(t.Platform), decodeOptions,
		nullableStr(t.CallbackURL),
	).Scan(&id, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return 0, classify(err, "create task")
	}

	t.ID = id
	t.Status = task.StatusQueued
	t.DecodeOptions = decodeOptions
	return id, nil
}

// Get performs a point lookup by id.
func (s *Store) Get(ctx context.Context, id int64) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, classify(err, "get task")
	}
	return t, nil
}

// ClaimQueued atomically transitions up to n QUEUED tasks to PROCESSING,
// ordered HIGH before NORMAL before LOW, earlier created_at first, id as
// the final tie-breaker (spec.md invariant 4, §9 note). FOR UPDATE SKIP
// LOCKED is the observable-atomicity mechanism: two concurrent callers can
// never receive the same row and neither blocks on the other.
func (s *Store) ClaimQueued(ctx context.Context, n int) ([]*task.Task, error) {
	if n <= 0 {
		return nil, nil
	}

	query := `
		WITH claimed AS (
			SELECT id FROM tasks
			WHERE status = 'QUEUED'
			ORDER BY
				CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC,
				created_at ASC,
				id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks SET status = 'PROCESSING', updated_at = NOW()
		WHERE id IN (SELECT id FROM claimed)
		RETURNING ` + taskColumns

	rows, err := s.pool.Query(ctx, query, n)
	if err != nil {
		return nil, classify(err, "claim queued tasks")
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, classify(err, "scan claimed task")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate claimed tasks")
	}
	// RETURNING yields rows in no defined order; restore the claim order.
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return tasks, nil
}

// Update applies a partial mutation, always refreshing updated_at.
func (s *Store) Update(ctx context.Context, id int64, u task.Update) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.EngineName != nil {
		add("engine_name", *u.EngineName)
	}
	if u.Language != nil {
		add("language", *u.Language)
	}
	if u.Result != nil {
		payload, err := json.Marshal(u.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		add("result", payload)
	}
	if u.ErrorMessage != nil {
		add("error_message", *u.ErrorMessage)
	}
	if u.FilePath != nil {
		add("file_path", *u.FilePath)
	}
	if u.FileName != nil {
		add("file_name", *u.FileName)
	}
	if u.FileSizeBytes != nil {
		add("file_size_bytes", *u.FileSizeBytes)
	}
	if u.FileDuration != nil {
		add("file_duration", *u.FileDuration)
	}
	if u.TaskProcessingTime != nil {
		add("task_processing_time", *u.TaskProcessingTime)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return classify(err, "update task")
	}
	if result.RowsAffected() == 0 {
		// Task was deleted mid-flight (§3 Lifecycle: deletion cancels no
		// work); the worker completing it simply finds nothing to update.
		return nil
	}
	return nil
}

// Delete removes the row if present.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	result, err := s.pool.Exec(ctx, "DELETE FROM tasks WHERE id = $1", id)
	if err != nil {
		return false, classify(err, "delete task")
	}
	return result.RowsAffected() > 0, nil
}

// RecordCallback writes the three callback fields (spec.md invariant 5).
func (s *Store) RecordCallback(ctx context.Context, id int64, statusCode int, message string, at time.Time) error {
	query := `
		UPDATE tasks
		SET callback_status_code = $2, callback_message = $3, callback_time = $4, updated_at = NOW()
		WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, statusCode, task.TruncateCallbackMessage(message), at)
	if err != nil {
		return classify(err, "record callback")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var (
		filePath, fileURL, fileName, platform, language, errorMessage, outputURL,
		callbackURL, callbackMessage, engineName *string
		fileSizeBytes         *int64
		fileDuration          *float64
		taskProcessingTime    *float64
		callbackStatusCode    *int
		callbackTime          *time.Time
		decodeOptions, result []byte
	)

	err := row.Scan(
		&t.ID, &t.Status, &t.Priority, &engineName, &t.TaskType, &t.CreatedAt, &t.UpdatedAt,
		&taskProcessingTime, &filePath, &fileURL, &fileName, &fileSizeBytes,
		&fileDuration, &platform, &decodeOptions, &language, &result, &errorMessage,
		&outputURL, &callbackURL, &callbackStatusCode, &callbackMessage, &callbackTime,
	)
	if err != nil {
		return nil, err
	}

	t.EngineName = deref(engineName)
	t.FilePath = deref(filePath)
	t.FileURL = deref(fileURL)
	t.FileName = deref(fileName)
	t.Platform = deref(platform)
	t.Language = deref(language)
	t.ErrorMessage = deref(errorMessage)
	t.OutputURL = deref(outputURL)
	t.CallbackURL = deref(callbackURL)
	t.CallbackMessage = deref(callbackMessage)
	t.CallbackTime = callbackTime
	if fileSizeBytes != nil {
		t.FileSizeBytes = *fileSizeBytes
	}
	if fileDuration != nil {
		t.FileDuration = *fileDuration
	}
	if taskProcessingTime != nil {
		t.TaskProcessingTime = *taskProcessingTime
	}
	if callbackStatusCode != nil {
		t.CallbackStatusCode = *callbackStatusCode
	}

	if len(decodeOptions) > 0 {
		if err := json.Unmarshal(decodeOptions, &t.DecodeOptions); err != nil {
			return nil, fmt.Errorf("unmarshal decode_options: %w", err)
		}
	}
	if len(result) > 0 {
		var r task.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		t.Result = &r
	}

	return &t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}
