package runlog

import (
	"errors"
	"time"

	"github.com/mattjoyce/calcflow/internal/workspace"
)

type Status string

const (
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusNotConverged Status = "not_converged"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusNotConverged
}

type Run struct {
	ID         string                   `json:"id"`
	Name       string                   `json:"name"`
	Mode       string                   `json:"mode"`
	Calculator string                   `json:"calculator"`
	Status     Status                   `json:"status"`
	ResultsDir string                   `json:"results_dir"`
	DocumentID *string                  `json:"document_id,omitempty"`
	Artifacts  []workspace.ArchivedFile `json:"artifacts"`
	LastError  *string                  `json:"last_error,omitempty"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt *time.Time               `json:"finished_at,omitempty"`
}

type StartRequest struct {
	Name       string
	Mode       string
	Calculator string
	ResultsDir string
}

// Completion records how a run ended.
type Completion struct {
	Status     Status
	DocumentID string
	Artifacts  []workspace.ArchivedFile
	Err        error
}

var ErrRunNotFound = errors.New("run not found")
