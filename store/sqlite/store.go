package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // register the pure-Go sqlite driver

	"github.com/eternahome/conduit/dlq"
	"github.com/eternahome/conduit/job"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ job.Store = (*Store)(nil)
	_ dlq.Store = (*Store)(nil)
)

// Store is a SQLite implementation of store.Store using database/sql and
// the pure-Go modernc driver. Suited to single-node and edge deployments;
// the compare-and-set transition runs inside an immediate transaction
// because SQLite has no conditional UPDATE ... RETURNING race guarantee
// across connections.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens (or creates) the SQLite database at dbPath.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("conduit/sqlite: open: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("conduit/sqlite: enable WAL mode: %w", err)
	}
	if _, err = db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("conduit/sqlite: enable foreign keys: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conduit_jobs (
			id                TEXT PRIMARY KEY,
			tenant_id         TEXT NOT NULL,
			job_type          TEXT NOT NULL,
			resource_ref      TEXT NOT NULL,
			payload           BLOB,
			status            TEXT NOT NULL DEFAULT 'pending',
			progress          INTEGER NOT NULL DEFAULT 0,
			message           TEXT NOT NULL DEFAULT '',
			result_ref        TEXT NOT NULL DEFAULT '',
			failure_code      TEXT,
			failure_message   TEXT,
			failure_permanent INTEGER,
			failure_at        DATETIME,
			attempt_count     INTEGER NOT NULL DEFAULT 0,
			max_attempts      INTEGER NOT NULL DEFAULT 3,
			timeout           INTEGER NOT NULL DEFAULT 0,
			claimed_by        TEXT NOT NULL DEFAULT '',
			created_at        DATETIME NOT NULL,
			updated_at        DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS uq_conduit_jobs_active
			ON conduit_jobs (tenant_id, resource_ref, job_type)
			WHERE status IN ('pending', 'processing', 'validating');

		CREATE INDEX IF NOT EXISTS idx_conduit_jobs_tenant_status
			ON conduit_jobs (tenant_id, status, created_at);

		CREATE TABLE IF NOT EXISTS conduit_dlq (
			id            TEXT PRIMARY KEY,
			job_id        TEXT NOT NULL,
			job_type      TEXT NOT NULL,
			tenant_id     TEXT NOT NULL,
			resource_ref  TEXT NOT NULL,
			payload       BLOB,
			error         TEXT NOT NULL,
			permanent     INTEGER NOT NULL DEFAULT 0,
			attempt_count INTEGER NOT NULL,
			max_attempts  INTEGER NOT NULL,
			failed_at     DATETIME NOT NULL,
			replayed_at   DATETIME,
			created_at    DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conduit_dlq_tenant
			ON conduit_dlq (tenant_id, failed_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("conduit/sqlite: migrate: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ── helpers ──────────────────────────────────────────────────────

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isUniqueViolation checks if a SQLite error is a unique constraint
// violation mentioning needle (index or column list).
func isUniqueViolation(err error, needle string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") &&
		!strings.Contains(msg, "constraint failed: UNIQUE") {
		return false
	}
	return needle == "" || strings.Contains(msg, needle)
}
