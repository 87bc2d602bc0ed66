package workspace

import (
	"context"
	"time"

	"github.com/mattjoyce/calcflow/internal/fileutil"
)

// Options controls where scratch directories live and how they are archived.
type Options struct {
	// ScratchRoot is the parent of every scratch directory. Empty means the
	// results directory of each run.
	ScratchRoot string
	// Prefix starts every scratch directory name.
	Prefix string
	// LinkName is the alias created in the results directory. Empty
	// disables the alias.
	LinkName string
	// Keep leaves the scratch directory in place after archival.
	Keep bool
	// Gzip compresses archived files of at least MinGzipBytes.
	Gzip         bool
	MinGzipBytes int64
	// KeepPlain lists base-name globs that are never compressed.
	KeepPlain []string
}

// StageReport records what staging copied and what it could not find.
type StageReport struct {
	Copied      []string
	Missing     []string
	SkippedDirs []string
}

// ArchivedFile describes one file written to the results directory.
type ArchivedFile struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	Blake3     string `json:"blake3"`
	Compressed bool   `json:"compressed"`
}

// ArchiveReport summarizes an archival pass.
type ArchiveReport struct {
	Files          []ArchivedFile
	RemovedLink    bool
	RemovedScratch bool
}

// PruneReport summarizes a prune run.
type PruneReport struct {
	DeletedDirs int
}

// Manager stages scratch directories for runs.
type Manager interface {
	// Stage creates a scratch directory for a run whose permanent outputs go
	// to resultsDir, and copies the manifest files into it.
	Stage(ctx context.Context, resultsDir string, manifest fileutil.Manifest) (*RunDir, error)

	// Prune removes scratch directories older than olderThan.
	Prune(ctx context.Context, olderThan time.Duration) (PruneReport, error)
}
