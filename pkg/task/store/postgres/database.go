// Package postgres implements task.Store against PostgreSQL using pgx's
// connection pool for live queries and golang-migrate (backed by lib/pq,
// which only needs to satisfy database/sql) for schema migrations —
// mirroring the split the compliance storage layer this is grounded on
// uses.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Config holds connection and retry configuration for the task store.
type Config struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration

	// MaxReconnectAttempts bounds the exponential backoff described in
	// spec.md §4.A ("transient connection loss must trigger reconnection
	// with bounded exponential backoff ... capped retries").
	MaxReconnectAttempts int
}

// DefaultConfig returns sensible defaults, matching the teacher's
// ComplianceDatabase default handling.
func DefaultConfig() Config {
	return Config{
		MaxConnections:        10,
		ConnectTimeout:        30 * time.Second,
		MaxReconnectAttempts:  5,
	}
}

// Store is the PostgreSQL-backed task.Store.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// New connects to PostgreSQL, applies any pending migrations, and returns a
// ready Store. The processor and the ingress adapter must each call New
// independently so they never share a connection pool (SPEC_FULL.md §5).
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = DefaultConfig().MaxConnections
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = DefaultConfig().MaxReconnectAttempts
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = config.MaxConnections
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	var pool *pgxpool.Pool
	err = withReconnectBackoff(ctx, config.MaxReconnectAttempts, func() error {
		timeoutCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()

		p, perr := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
		if perr != nil {
			return perr
		}
		if perr := p.Ping(timeoutCtx); perr != nil {
			p.Close()
			return perr
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to task store: %w", err)
	}

	store := &Store{pool: pool, config: config}
	if err := store.migrate(config.ConnectionString); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// migrate applies all pending schema migrations embedded in this package.
func (s *Store) migrate(connectionString string) error {
	sourceDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	sqlDB, err := sql.Open("postgres", connectionString)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// withReconnectBackoff retries fn with capped exponential backoff,
// surfacing a fatal error once attempts are exhausted (spec.md §4.A,
// grounded on ComplianceDatabase.WithRetry).
func withReconnectBackoff(ctx context.Context, maxAttempts int, fn func() error) error {
	const baseDelay = 2 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("exhausted %d reconnect attempts: %w", maxAttempts, lastErr)
}
