package api

import (
	"encoding/json"
	"time"
)

// DocumentSummary is one entry of GET /documents.
type DocumentSummary struct {
	ID        string    `json:"id"`
	Formula   string    `json:"formula"`
	Chemsys   string    `json:"chemsys"`
	Hash      string    `json:"hash"`
	DirName   string    `json:"dir_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DocumentListResponse is returned by GET /documents.
type DocumentListResponse struct {
	Documents []DocumentSummary `json:"documents"`
	Count     int               `json:"count"`
}

// DocumentResponse is returned by GET /documents/{id}.
type DocumentResponse struct {
	DocumentSummary
	Document json.RawMessage `json:"document"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string   `json:"status"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Documents     int      `json:"documents"`
	Calculators   []string `json:"calculators"`
}
