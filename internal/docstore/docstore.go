// Package docstore persists result documents.
package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/calcflow/internal/schema"
)

// DefaultMaxDocumentBytes caps the encoded size of one document.
const DefaultMaxDocumentBytes = 16 << 20

// ErrNotFound is returned for unknown document ids.
var ErrNotFound = errors.New("document not found")

// Record is a stored document plus its index columns.
type Record struct {
	ID        string          `json:"id"`
	Formula   string          `json:"formula"`
	Chemsys   string          `json:"chemsys"`
	Hash      string          `json:"hash"`
	DirName   string          `json:"dir_name,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Document  schema.Document `json:"document"`
}

// Filter narrows List. A zero Limit means DefaultListLimit.
type Filter struct {
	Formula string
	Limit   int
}

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 100

// Reader is the read side shared by every store.
type Reader interface {
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	Count(ctx context.Context) (int, error)
}

// Store reads and writes documents.
type Store interface {
	schema.Store
	Reader
}

func newRecord(id string, doc schema.Document, now time.Time) (Record, error) {
	hash, err := doc.Hash()
	if err != nil {
		return Record{}, err
	}
	formula, _ := doc.String("formula")
	chemsys, _ := doc.String("chemsys")
	dirName, _ := doc.String("dir_name")
	return Record{
		ID:        id,
		Formula:   formula,
		Chemsys:   chemsys,
		Hash:      hash,
		DirName:   dirName,
		CreatedAt: now.UTC(),
		Document:  doc,
	}, nil
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}
