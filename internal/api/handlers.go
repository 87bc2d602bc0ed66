package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/calcflow/internal/docstore"
	"github.com/mattjoyce/calcflow/internal/runlog"
)

const maxListLimit = 1000

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	n, err := s.docs.Count(r.Context())
	if err != nil {
		s.logger.Error("failed to count documents", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count documents")
		return
	}
	calcs := s.config.Calculators
	if calcs == nil {
		calcs = []string{}
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Documents:     n,
		Calculators:   calcs,
	})
}

// handleListDocuments handles GET /documents?formula=&limit=.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.docs.List(r.Context(), docstore.Filter{
		Formula: r.URL.Query().Get("formula"),
		Limit:   limit,
	})
	if err != nil {
		s.logger.Error("failed to list documents", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}

	resp := DocumentListResponse{Documents: make([]DocumentSummary, 0, len(recs))}
	for _, rec := range recs {
		resp.Documents = append(resp.Documents, summary(rec))
	}
	resp.Count = len(resp.Documents)
	respondJSON(w, http.StatusOK, resp)
}

// handleGetDocument handles GET /documents/{id}.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.docs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "document not found")
			return
		}
		s.logger.Error("failed to retrieve document", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve document")
		return
	}
	body, err := rec.Document.MarshalJSON()
	if err != nil {
		s.logger.Error("failed to encode document", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to encode document")
		return
	}
	respondJSON(w, http.StatusOK, DocumentResponse{DocumentSummary: summary(*rec), Document: body})
}

// handleListRuns handles GET /runs?limit=.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.runs.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleGetRun handles GET /runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.runs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, runlog.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("failed to retrieve run", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve run")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, errors.New("limit must be an integer between 1 and 1000")
	}
	return n, nil
}

func summary(rec docstore.Record) DocumentSummary {
	return DocumentSummary{
		ID:        rec.ID,
		Formula:   rec.Formula,
		Chemsys:   rec.Chemsys,
		Hash:      rec.Hash,
		DirName:   rec.DirName,
		CreatedAt: rec.CreatedAt,
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
