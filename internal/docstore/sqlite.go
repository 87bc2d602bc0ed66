package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/calcflow/internal/schema"
)

// SQLite stores documents in the documents table created by
// storage.BootstrapSQLite.
type SQLite struct {
	db       *sql.DB
	maxBytes int
}

// NewSQLite wraps an open database.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, maxBytes: DefaultMaxDocumentBytes}
}

// Insert stores doc under a new id.
func (s *SQLite) Insert(ctx context.Context, doc schema.Document) (string, error) {
	body, err := doc.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	if len(body) > s.maxBytes {
		return "", fmt.Errorf("document exceeds max size (%d bytes)", s.maxBytes)
	}
	rec, err := newRecord(uuid.NewString(), doc, time.Now())
	if err != nil {
		return "", fmt.Errorf("hash document: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO documents(id, formula, chemsys, hash, dir_name, body, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.Formula, rec.Chemsys, rec.Hash, nullable(rec.DirName), string(body), rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return rec.ID, nil
}

// Get returns the document stored under id.
func (s *SQLite) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, fmt.Errorf("document id is empty")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, formula, chemsys, hash, dir_name, body, created_at
FROM documents
WHERE id = ?;
`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return rec, nil
}

// List returns documents newest first.
func (s *SQLite) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `
SELECT id, formula, chemsys, hash, dir_name, body, created_at
FROM documents`
	args := []any{}
	if f.Formula != "" {
		query += "\nWHERE formula = ?"
		args = append(args, f.Formula)
	}
	query += "\nORDER BY created_at DESC, rowid DESC\nLIMIT ?;"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return out, nil
}

// Count returns the number of stored documents.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents;").Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec        Record
		formula    sql.NullString
		chemsys    sql.NullString
		dirName    sql.NullString
		body       string
		createdAtS string
	)
	if err := row.Scan(&rec.ID, &formula, &chemsys, &rec.Hash, &dirName, &body, &createdAtS); err != nil {
		return nil, err
	}
	rec.Formula = formula.String
	rec.Chemsys = chemsys.String
	rec.DirName = dirName.String
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		rec.CreatedAt = t
	}
	doc, err := schema.ParseDocument([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("stored document %s: %w", rec.ID, err)
	}
	rec.Document = doc
	return &rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
