package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// NewDB creates a new database connection, retrying the initial ping while
// the server comes up.
// connectionString should be in the format: "host=localhost port=5432 user=postgres password=postgres dbname=wallet sslmode=disable"
func NewDB(ctx context.Context, connectionString string, retries int, interval time.Duration, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	attempts := retries + 1
	for i := 1; i <= attempts; i++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		if i == attempts {
			break
		}
		logger.Info("waiting for database", zap.Int("attempt", i), zap.Int("of", attempts), zap.Error(err))
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", ctx.Err())
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// withTx runs fn in a database transaction and commits if fn succeeds.
func (db *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	dbTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	if err := fn(dbTx); err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// nullIfEmpty stores empty optional strings as NULL.
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
