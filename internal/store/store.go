// Package store persists platforms, user credentials, transfer jobs, and the
// append-only transfer event log in an embedded SQLite database. Schema
// changes ship as embedded goose migrations. Job status transitions are
// enforced at the SQL level so terminal jobs can never be mutated.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist or the
// caller is not entitled to see it.
var ErrNotFound = errors.New("store: not found")

// memoryPath is the in-process fallback database used when the configured
// path cannot be opened.
const memoryPath = ":memory:"

// Store is the single persistence layer for all courserelay entities.
// It is safe for concurrent use; SQLite serializes writers internally.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the database at path, applying pragmas and pending migrations.
// An unusable path falls back to an in-process database with a logged
// warning so the service stays available; data written there does not
// survive the process.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openAt(ctx, path, logger)
	if err != nil {
		logger.Warn("store: configured database unusable, falling back to in-process store",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		db, err = openAt(ctx, memoryPath, logger)
		if err != nil {
			return nil, fmt.Errorf("store: opening fallback database: %w", err)
		}
	}

	logger.Info("store: database ready", slog.String("path", path))

	return &Store{db: db, logger: logger}, nil
}

// openAt opens and prepares a single database location.
func openAt(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	// A single connection keeps the in-memory fallback coherent and makes
	// SQLite the sole writer for file-backed databases.
	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: %s: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("store: applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
