// Package connector persists the §6 session event trail to Postgres:
// one session_logs row per endpoint session plus a session_events row
// per JoinRoom/LeaveRoom/TrackStarted/TrackStopped/TrackMedia/Disconnected
// event. Grounded on internal/database/db.go's pool wrapper and
// internal/database/call_repo.go's repository-with-explicit-SQL idiom.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound mirrors internal/database's sentinel for a missing row.
var ErrNotFound = errors.New("connector: record not found")

// DB wraps the connection pool used by SessionRepository.
type DB struct {
	Pool *pgxpool.Pool
}

// New opens a pool against databaseURL, tuned the same way
// internal/database.New tunes the chat repository's pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connector: parse database url: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connector: create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connector: ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Health reports whether the pool can still reach Postgres.
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
