package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool opens and verifies the shared connection pool. Pool sizing
// leans high because every live voice bridge holds a steady trickle of
// interaction writes in addition to the REST traffic.
func NewPostgresPool(databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	cfg.MaxConns = 25
	cfg.MinConns = 5
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations applies any .sql files in migrationsDir that have not been
// recorded in schema_migrations yet. Files are named NNN_description.sql and
// applied in version order, each inside its own transaction.
func RunMigrations(pool *pgxpool.Pool, migrationsDir string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	// os.ReadDir sorts by name, which is version order for NNN_ prefixes.
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		version, ok := migrationVersion(name)
		if !ok {
			log.Printf("Skipping migration file with no version prefix: %s", name)
			continue
		}

		var applied bool
		if err := pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version).Scan(&applied); err != nil {
			return fmt.Errorf("failed to check migration %d: %w", version, err)
		}
		if applied {
			continue
		}

		if err := applyMigration(ctx, pool, filepath.Join(migrationsDir, name), version); err != nil {
			return err
		}
		log.Printf("Applied migration %03d: %s", version, name)
	}

	return nil
}

func migrationVersion(filename string) (int, bool) {
	idx := strings.IndexByte(filename, '_')
	if idx <= 0 {
		return 0, false
	}
	version, err := strconv.Atoi(filename[:idx])
	if err != nil || version <= 0 {
		return 0, false
	}
	return version, true
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool, path string, version int) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read migration %d: %w", version, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", version, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", version, err)
	}

	return tx.Commit(ctx)
}
