package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/speechqueue/transcribeq/pkg/task"
)

// Query lists tasks matching filter, paginated by Limit/Offset. Text, when
// set, additionally constrains to COMPLETED tasks whose result text matches
// (see SPEC_FULL.md's full-text extension); the Postgres-only path here
// falls back to a case-insensitive substring match, leaving exact
// relevance-ranked search to the optional bleve index layered on top.
func (s *Store) Query(ctx context.Context, filter task.QueryFilter) (*task.QueryResult, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Priority != "" {
		add("priority = $%d", filter.Priority)
	}
	if filter.Language != "" {
		add("language = $%d", filter.Language)
	}
	if filter.EngineName != "" {
		add("engine_name = $%d", filter.EngineName)
	}
	if !filter.CreatedAfter.IsZero() {
		add("created_at >= $%d", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		add("created_at <= $%d", filter.CreatedBefore)
	}
	if filter.HasResult != nil {
		if *filter.HasResult {
			where = append(where, "result IS NOT NULL")
		} else {
			where = append(where, "result IS NULL")
		}
	}
	if filter.HasError != nil {
		if *filter.HasError {
			where = append(where, "error_message IS NOT NULL")
		} else {
			where = append(where, "error_message IS NULL")
		}
	}
	if filter.Text != "" {
		add("status = 'COMPLETED' AND result->>'text' ILIKE $%d", "%"+filter.Text+"%")
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM tasks " + whereClause
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, classify(err, "count tasks")
	}

	listArgs := append(append([]any{}, args...), limit+1, offset)
	listQuery := fmt.Sprintf(
		"SELECT %s FROM tasks %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		taskColumns, whereClause, len(listArgs)-1, len(listArgs),
	)

	rows, err := s.pool.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, classify(err, "query tasks")
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, classify(err, "scan queried task")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate queried tasks")
	}

	hasMore := len(tasks) > limit
	if hasMore {
		tasks = tasks[:limit]
	}

	return &task.QueryResult{
		Tasks:      tasks,
		TotalCount: total,
		HasMore:    hasMore,
		NextOffset: offset + len(tasks),
	}, nil
}
