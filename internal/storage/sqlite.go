package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the execution history database at
// path and ensures required tables exist. Paths on network filesystems are
// refused.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil && !errors.Is(err, errDetectUnsupported) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps busy errors out of the single dispatcher worker.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS exec_log (
  id             TEXT PRIMARY KEY,
  topic          TEXT NOT NULL,
  response_topic TEXT NOT NULL,
  shape          TEXT NOT NULL,
  request        JSON NOT NULL,
  response       JSON NOT NULL,
  payload_digest TEXT NOT NULL,
  commands       INTEGER NOT NULL,
  failed         INTEGER NOT NULL,
  received_at    TEXT NOT NULL,
  completed_at   TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS exec_log_completed_at_idx ON exec_log(completed_at);`,
		`CREATE INDEX IF NOT EXISTS exec_log_payload_digest_idx ON exec_log(payload_digest);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
