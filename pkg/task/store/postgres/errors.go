package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/speechqueue/transcribeq/pkg/task"
)

// classify wraps a raw pgx/pgconn error into the task package's classified
// error taxonomy, the same split the compliance storage layer's errors.go
// applies: connection-level failures are StoreUnavailable, everything else
// is an invariant violation surfaced with its originating operation name.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return task.Invariant("%s: %s (%s)", op, pgErr.Message, pgErr.Code)
	}

	return task.StoreUnavailable(fmt.Errorf("%s: %w", op, err))
}
