package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mattjoyce/calcflow/internal/docstore"
	"github.com/mattjoyce/calcflow/internal/runlog"
	"github.com/mattjoyce/calcflow/internal/schema"
)

// mockRuns implements RunReader for testing
type mockRuns struct {
	getFunc    func(ctx context.Context, id string) (*runlog.Run, error)
	recentFunc func(ctx context.Context, limit int) ([]runlog.Run, error)
}

func (m *mockRuns) Get(ctx context.Context, id string) (*runlog.Run, error) {
	return m.getFunc(ctx, id)
}

func (m *mockRuns) Recent(ctx context.Context, limit int) ([]runlog.Run, error) {
	if m.recentFunc == nil {
		return nil, nil
	}
	return m.recentFunc(ctx, limit)
}

// failingDocs implements docstore.Reader and always errors
type failingDocs struct{}

func (failingDocs) Get(context.Context, string) (*docstore.Record, error) {
	return nil, fmt.Errorf("disk on fire")
}

func (failingDocs) List(context.Context, docstore.Filter) ([]docstore.Record, error) {
	return nil, fmt.Errorf("disk on fire")
}

func (failingDocs) Count(context.Context) (int, error) { return 0, fmt.Errorf("disk on fire") }

func newTestServer(docs docstore.Reader, runs RunReader, token string) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Listen: "127.0.0.1:0", Token: token, Calculators: []string{"lj", "xtb"}}, docs, runs, logger)
}

func seededStore(t *testing.T) (*docstore.Memory, string) {
	t.Helper()
	mem := docstore.NewMemory()
	var lastID string
	for _, f := range []string{"Cu4", "Ar2", "Cu4"} {
		d, err := schema.NewDocument(map[string]any{"formula": f, "chemsys": f[:2], "results": map[string]any{"energy": -1.5}})
		if err != nil {
			t.Fatalf("NewDocument: %v", err)
		}
		id, err := mem.Insert(context.Background(), d)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		lastID = id
	}
	return mem, lastID
}

func serve(s *Server, path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rr := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	docs, _ := seededStore(t)
	server := newTestServer(docs, &mockRuns{}, "secret")

	rr := serve(server, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp HealthzResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Documents != 3 || len(resp.Calculators) != 2 {
		t.Errorf("unexpected healthz response: %+v", resp)
	}

	rr = serve(newTestServer(failingDocs{}, &mockRuns{}, ""), "/healthz")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
}

func TestListDocuments(t *testing.T) {
	docs, _ := seededStore(t)
	server := newTestServer(docs, &mockRuns{}, "")

	tests := []struct {
		path      string
		wantCode  int
		wantCount int
	}{
		{"/documents", http.StatusOK, 3},
		{"/documents?formula=Cu4", http.StatusOK, 2},
		{"/documents?formula=Cu4&limit=1", http.StatusOK, 1},
		{"/documents?formula=NaCl", http.StatusOK, 0},
		{"/documents?limit=zero", http.StatusBadRequest, 0},
		{"/documents?limit=5000", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		rr := serve(server, tt.path)
		if rr.Code != tt.wantCode {
			t.Errorf("%s: expected status %d, got %d", tt.path, tt.wantCode, rr.Code)
			continue
		}
		if tt.wantCode != http.StatusOK {
			continue
		}
		var resp DocumentListResponse
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("%s: failed to decode response: %v", tt.path, err)
		}
		if resp.Count != tt.wantCount || len(resp.Documents) != tt.wantCount {
			t.Errorf("%s: expected %d documents, got %d", tt.path, tt.wantCount, resp.Count)
		}
	}
}

func TestGetDocument(t *testing.T) {
	docs, id := seededStore(t)
	server := newTestServer(docs, &mockRuns{}, "")

	rr := serve(server, "/documents/"+id)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp DocumentResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != id || resp.Formula != "Cu4" || resp.Hash == "" {
		t.Errorf("unexpected document summary: %+v", resp.DocumentSummary)
	}
	doc, err := schema.ParseDocument(resp.Document)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if e, ok := doc.Float("results", "energy"); !ok || e != -1.5 {
		t.Errorf("expected energy -1.5, got %v", e)
	}

	rr = serve(server, "/documents/unknown")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
	rr = serve(newTestServer(failingDocs{}, &mockRuns{}, ""), "/documents/x")
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
}

func TestGetRun(t *testing.T) {
	docID := "doc-1"
	runs := &mockRuns{
		getFunc: func(ctx context.Context, id string) (*runlog.Run, error) {
			if id != "run-123" {
				return nil, fmt.Errorf("%w: %s", runlog.ErrRunNotFound, id)
			}
			return &runlog.Run{
				ID:         "run-123",
				Name:       "cu-relax",
				Mode:       "relax",
				Calculator: "lj",
				Status:     runlog.StatusSucceeded,
				DocumentID: &docID,
				StartedAt:  time.Now(),
			}, nil
		},
	}
	server := newTestServer(docstore.NewMemory(), runs, "")

	rr := serve(server, "/runs/run-123")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp runlog.Run
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != "run-123" || resp.Status != runlog.StatusSucceeded || resp.DocumentID == nil || *resp.DocumentID != docID {
		t.Errorf("unexpected run: %+v", resp)
	}

	rr = serve(server, "/runs/unknown")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestListRuns(t *testing.T) {
	var gotLimit int
	runs := &mockRuns{
		recentFunc: func(ctx context.Context, limit int) ([]runlog.Run, error) {
			gotLimit = limit
			return []runlog.Run{{ID: "a"}, {ID: "b"}}, nil
		},
	}
	server := newTestServer(docstore.NewMemory(), runs, "")

	rr := serve(server, "/runs?limit=2")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if gotLimit != 2 {
		t.Errorf("expected limit 2, got %d", gotLimit)
	}
	var resp struct {
		Runs  []runlog.Run `json:"runs"`
		Count int          `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 2 || resp.Runs[1].ID != "b" {
		t.Errorf("unexpected runs response: %+v", resp)
	}
}

func TestTokenRequired(t *testing.T) {
	docs, _ := seededStore(t)
	server := newTestServer(docs, &mockRuns{}, "secret")

	if rr := serve(server, "/documents"); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401 without token, got %d", rr.Code)
	}
	if rr := serve(server, "/documents", "Authorization", "Bearer wrong"); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401 with wrong token, got %d", rr.Code)
	}
	if rr := serve(server, "/documents", "Authorization", "Bearer secret"); rr.Code != http.StatusOK {
		t.Errorf("expected status 200 with token, got %d", rr.Code)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	server := newTestServer(docstore.NewMemory(), &mockRuns{}, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
