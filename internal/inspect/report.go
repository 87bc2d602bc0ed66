// Package inspect renders a run log entry together with its stored document
// and re-verifies the archived artifacts against their recorded checksums.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/calcflow/internal/docstore"
	"github.com/mattjoyce/calcflow/internal/fileutil"
	"github.com/mattjoyce/calcflow/internal/runlog"
)

// RunGetter loads one run log entry. *runlog.Log implements it.
type RunGetter interface {
	Get(ctx context.Context, id string) (*runlog.Run, error)
}

// Artifact states.
const (
	ArtifactOK       = "ok"
	ArtifactMissing  = "missing"
	ArtifactModified = "modified"
)

// Report is the structured JSON representation of a run report.
type Report struct {
	RunID      string        `json:"run_id"`
	Name       string        `json:"name"`
	Mode       string        `json:"mode"`
	Calculator string        `json:"calculator"`
	Status     runlog.Status `json:"status"`
	ResultsDir string        `json:"results_dir"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Error      string        `json:"error,omitempty"`
	Document   *Document     `json:"document,omitempty"`
	Artifacts  []Artifact    `json:"artifacts"`
}

// Document summarizes the stored result document of a run.
type Document struct {
	ID      string   `json:"id"`
	Formula string   `json:"formula"`
	Hash    string   `json:"hash"`
	Energy  *float64 `json:"energy,omitempty"`
	Missing bool     `json:"missing,omitempty"`
}

// Artifact is one archived file and its current state on disk.
type Artifact struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	Compressed bool   `json:"compressed"`
	State      string `json:"state"`
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, runs RunGetter, docs docstore.Reader, runID string) (string, error) {
	report, err := Gather(ctx, runs, docs, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.RunID)
	fmt.Fprintf(&out, "Job         : %s\n", report.Name)
	fmt.Fprintf(&out, "Mode        : %s\n", report.Mode)
	fmt.Fprintf(&out, "Calculator  : %s\n", report.Calculator)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Results     : %s\n", report.ResultsDir)
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Format(time.RFC3339))
	if report.FinishedAt != nil {
		fmt.Fprintf(&out, "Finished    : %s (%s)\n", report.FinishedAt.Format(time.RFC3339),
			report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	}
	if report.Error != "" {
		fmt.Fprintf(&out, "Error       :\n")
		for _, line := range strings.Split(strings.TrimSpace(report.Error), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}
	fmt.Fprintf(&out, "\n")

	switch d := report.Document; {
	case d == nil:
		fmt.Fprintf(&out, "document    : <none>\n")
	case d.Missing:
		fmt.Fprintf(&out, "document    : %s (not in store)\n", d.ID)
	default:
		fmt.Fprintf(&out, "document    : %s\n", d.ID)
		fmt.Fprintf(&out, "  formula   : %s\n", d.Formula)
		if d.Energy != nil {
			fmt.Fprintf(&out, "  energy    : %.8f eV\n", *d.Energy)
		}
		fmt.Fprintf(&out, "  hash      : %s\n", d.Hash)
	}

	if len(report.Artifacts) == 0 {
		fmt.Fprintf(&out, "artifacts   : <none>\n")
	} else {
		fmt.Fprintf(&out, "artifacts   :\n")
		for _, a := range report.Artifacts {
			fmt.Fprintf(&out, "  - %-40s %10d  %s\n", a.Path, a.Size, a.State)
		}
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable run report.
func BuildJSONReport(ctx context.Context, runs RunGetter, docs docstore.Reader, runID string) (string, error) {
	report, err := Gather(ctx, runs, docs, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// Gather loads a run, its document and the state of its artifacts.
func Gather(ctx context.Context, runs RunGetter, docs docstore.Reader, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}

	run, err := runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:      run.ID,
		Name:       run.Name,
		Mode:       run.Mode,
		Calculator: run.Calculator,
		Status:     run.Status,
		ResultsDir: run.ResultsDir,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Artifacts:  make([]Artifact, 0, len(run.Artifacts)),
	}
	if run.LastError != nil {
		report.Error = *run.LastError
	}

	if run.DocumentID != nil && docs != nil {
		report.Document = lookupDocument(ctx, docs, *run.DocumentID)
	}

	for _, f := range run.Artifacts {
		report.Artifacts = append(report.Artifacts, Artifact{
			Path:       f.Path,
			Size:       f.Size,
			Compressed: f.Compressed,
			State:      verify(filepath.Join(run.ResultsDir, filepath.FromSlash(f.Path)), f.Blake3),
		})
	}
	return report, nil
}

func lookupDocument(ctx context.Context, docs docstore.Reader, id string) *Document {
	rec, err := docs.Get(ctx, id)
	if err != nil {
		return &Document{ID: id, Missing: true}
	}
	d := &Document{ID: rec.ID, Formula: rec.Formula, Hash: rec.Hash}
	if e, ok := rec.Document.Float("results", "energy"); ok {
		d.Energy = &e
	}
	return d
}

func verify(path, want string) string {
	if _, err := os.Stat(path); err != nil {
		return ArtifactMissing
	}
	got, _, err := fileutil.Blake3File(path)
	if err != nil || got != want {
		return ArtifactModified
	}
	return ArtifactOK
}
