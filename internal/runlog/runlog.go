// Package runlog records every job execution in the runs table.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/calcflow/internal/workspace"
)

const maxErrorBytes = 64 * 1024

type Log struct {
	db *sql.DB
}

func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Start inserts a running entry and returns its id.
func (l *Log) Start(ctx context.Context, req StartRequest) (string, error) {
	if req.Name == "" {
		return "", fmt.Errorf("run name is empty")
	}
	if req.Mode == "" {
		return "", fmt.Errorf("run mode is empty")
	}
	if req.Calculator == "" {
		return "", fmt.Errorf("calculator is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := l.db.ExecContext(ctx, `
INSERT INTO runs(id, name, mode, calculator, status, results_dir, started_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, req.Name, req.Mode, req.Calculator, StatusRunning, req.ResultsDir, now)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// Complete marks a running entry terminal. Completing a run twice is an
// error.
func (l *Log) Complete(ctx context.Context, id string, c Completion) error {
	if id == "" {
		return fmt.Errorf("run id is empty")
	}
	if !c.Status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", c.Status)
	}

	artifacts := c.Artifacts
	if artifacts == nil {
		artifacts = []workspace.ArchivedFile{}
	}
	rawArtifacts, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}

	var lastError any
	if c.Err != nil {
		msg := c.Err.Error()
		if len(msg) > maxErrorBytes {
			msg = msg[:maxErrorBytes]
		}
		lastError = msg
	}
	var documentID any
	if c.DocumentID != "" {
		documentID = c.DocumentID
	}

	finished := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx, `
UPDATE runs
SET status = ?, document_id = ?, artifacts = ?, last_error = ?, finished_at = ?
WHERE id = ? AND status = ?;
`, c.Status, documentID, string(rawArtifacts), lastError, finished, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if n == 0 {
		if _, err := l.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("run %s is already complete", id)
	}
	return nil
}

// Get returns one run.
func (l *Log) Get(ctx context.Context, id string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id, name, mode, calculator, status, results_dir, document_id, artifacts, last_error, started_at, finished_at
FROM runs
WHERE id = ?;
`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read run: %w", err)
	}
	return r, nil
}

// Recent returns the latest runs, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, name, mode, calculator, status, results_dir, document_id, artifacts, last_error, started_at, finished_at
FROM runs
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r           Run
		statusS     string
		documentID  sql.NullString
		artifacts   string
		lastError   sql.NullString
		startedAtS  string
		finishedAtS sql.NullString
	)
	err := row.Scan(&r.ID, &r.Name, &r.Mode, &r.Calculator, &statusS, &r.ResultsDir,
		&documentID, &artifacts, &lastError, &startedAtS, &finishedAtS)
	if err != nil {
		return nil, err
	}
	r.Status = Status(statusS)
	if documentID.Valid {
		r.DocumentID = &documentID.String
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	if err := json.Unmarshal([]byte(artifacts), &r.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts of run %s: %w", r.ID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		r.StartedAt = t
	}
	if finishedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedAtS.String); err == nil {
			r.FinishedAt = &t
		}
	}
	return &r, nil
}
