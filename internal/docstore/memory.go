package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/calcflow/internal/schema"
)

// Memory keeps documents in process memory. It is used when no store path
// is configured and in tests.
type Memory struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{byID: map[string]int{}}
}

// Insert stores doc under a new id.
func (m *Memory) Insert(_ context.Context, doc schema.Document) (string, error) {
	rec, err := newRecord(uuid.NewString(), doc, time.Now())
	if err != nil {
		return "", fmt.Errorf("hash document: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[rec.ID] = len(m.records)
	m.records = append(m.records, rec)
	return rec.ID, nil
}

// Get returns the document stored under id.
func (m *Memory) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec := m.records[i]
	return &rec, nil
}

// List returns documents newest first.
func (m *Memory) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for i := len(m.records) - 1; i >= 0 && len(out) < f.limit(); i-- {
		if f.Formula != "" && m.records[i].Formula != f.Formula {
			continue
		}
		out = append(out, m.records[i])
	}
	return out, nil
}

// Count returns the number of stored documents.
func (m *Memory) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}
