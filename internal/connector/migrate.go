package connector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// EnsureSchema applies all pending .up.sql migrations under migrationsDir,
// tracking applied versions in schema_migrations. Generalized from
// internal/database.EnsureSchema, dropping its chat-specific legacy-table
// detection since the connector schema has no predecessor to detect.
func EnsureSchema(ctx context.Context, db *DB, migrationsDir string) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version BIGINT PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("connector: create schema_migrations table: %w", err)
	}

	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("connector: read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".up.sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	slog.Info("connector: found migration files", "count", len(files))

	for _, file := range files {
		parts := strings.Split(file, "_")
		if len(parts) == 0 {
			continue
		}
		version, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			slog.Warn("connector: skipping migration with invalid version", "file", file)
			continue
		}

		var applied bool
		err = db.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("connector: check migration version %d: %w", version, err)
		}
		if applied {
			continue
		}

		path := filepath.Join(migrationsDir, file)
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("connector: read migration file %s: %w", file, err)
		}

		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("connector: begin transaction: %w", err)
		}

		if _, err := tx.Exec(ctx, string(content)); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.Error("connector: rollback failed", "error", rbErr)
			}
			return fmt.Errorf("connector: execute migration %s: %w", file, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.Error("connector: rollback failed", "error", rbErr)
			}
			return fmt.Errorf("connector: record migration %s: %w", file, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("connector: commit migration %s: %w", file, err)
		}
		slog.Info("connector: migration applied", "version", version, "file", file)
	}

	return nil
}
