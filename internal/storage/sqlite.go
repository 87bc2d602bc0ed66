// Package storage opens the SQLite database that backs the document store
// and the run log.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. ":memory:" opens a private in-memory
// database.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		if err := EnsureLocalFilesystem(path, "document store"); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// connPragmas run on every new pooled connection. Pragmas issued through
// db.Exec would reach only the one connection that ran them.
var connPragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

// dsn appends the per-connection pragmas to path. File databases also get
// WAL so readers never block the writer.
func dsn(path string) string {
	pragmas := connPragmas
	if path != ":memory:" {
		pragmas = append(pragmas[:len(pragmas):len(pragmas)], "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	q := make(url.Values)
	q["_pragma"] = pragmas
	return path + "?" + q.Encode()
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
  id          TEXT PRIMARY KEY,
  formula     TEXT,
  chemsys     TEXT,
  hash        TEXT NOT NULL,
  dir_name    TEXT,
  body        JSON NOT NULL,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS runs (
  id           TEXT PRIMARY KEY,
  name         TEXT NOT NULL,
  mode         TEXT NOT NULL,
  calculator   TEXT NOT NULL,
  status       TEXT NOT NULL,
  results_dir  TEXT NOT NULL,
  document_id  TEXT,
  artifacts    JSON NOT NULL DEFAULT '[]',
  last_error   TEXT,
  started_at   TEXT NOT NULL,
  finished_at  TEXT
);`,
		`CREATE INDEX IF NOT EXISTS documents_formula_idx ON documents(formula);`,
		`CREATE INDEX IF NOT EXISTS documents_hash_idx ON documents(hash);`,
		`CREATE INDEX IF NOT EXISTS runs_status_started_at_idx ON runs(status, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
