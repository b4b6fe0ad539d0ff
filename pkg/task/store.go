package task

import (
	"context"
	"time"
)

// QueryFilter narrows the set of tasks returned by Store.Query. Zero values
// mean "no constraint" for that field.
type QueryFilter struct {
	Status       Status
	Priority     Priority
	Language     string
	EngineName   string
	CreatedAfter time.Time
	CreatedBefore time.Time
	HasResult    *bool
	HasError     *bool

	// Text full-text searches result.text of COMPLETED tasks (see
	// SPEC_FULL.md §4.A query() full-text extension). Empty means no
	// text constraint.
	Text string

	Limit  int
	Offset int
}

// QueryResult is the paginated response of Store.Query.
type QueryResult struct {
	Tasks      []*Task
	TotalCount int
	HasMore    bool
	NextOffset int
}

// Update carries a partial mutation for Store.Update. Only non-nil pointer
// fields are applied; UpdatedAt is always refreshed by the Store.
type Update struct {
	Status             *Status
	EngineName         *string
	Language           *string
	Result             *Result
	ErrorMessage       *string
	FilePath           *string
	FileName           *string
	FileSizeBytes      *int64
	FileDuration       *float64
	TaskProcessingTime *float64
}

// Store is the durable record of tasks and their priority-ordered fetch
// protocol (spec.md §4.A). Implementations must make ClaimQueued
// observably atomic: a task returned to one caller is never returnable to
// any other caller.
type Store interface {
	Create(ctx context.Context, t *Task) (int64, error)
	Get(ctx context.Context, id int64) (*Task, error)
	ClaimQueued(ctx context.Context, n int) ([]*Task, error)
	Update(ctx context.Context, id int64, u Update) error
	Delete(ctx context.Context, id int64) (bool, error)
	Query(ctx context.Context, filter QueryFilter) (*QueryResult, error)
	RecordCallback(ctx context.Context, id int64, statusCode int, message string, at time.Time) error

	Close()
}
