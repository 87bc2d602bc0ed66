package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/calcflow/internal/calcerr"
	"github.com/mattjoyce/calcflow/internal/fileutil"
	"github.com/mattjoyce/calcflow/internal/log"
)

// DefaultPrefix starts scratch directory names when Options.Prefix is empty.
const DefaultPrefix = "calcflow-"

// fsManager stages scratch directories on local disk.
type fsManager struct {
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

var _ Manager = (*fsManager)(nil)

// NewFSManager creates a filesystem-backed scratch manager.
func NewFSManager(opts Options) (*fsManager, error) {
	opts.ScratchRoot = strings.TrimSpace(opts.ScratchRoot)
	if opts.ScratchRoot != "" {
		abs, err := filepath.Abs(opts.ScratchRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve scratch root: %w", err)
		}
		opts.ScratchRoot = abs
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if strings.ContainsAny(opts.Prefix, `/\`) {
		return nil, fmt.Errorf("scratch prefix %q must not contain path separators", opts.Prefix)
	}
	if strings.ContainsAny(opts.LinkName, `/\`) {
		return nil, fmt.Errorf("link name %q must not contain path separators", opts.LinkName)
	}
	if opts.MinGzipBytes < 0 {
		return nil, fmt.Errorf("min gzip bytes must not be negative")
	}

	return &fsManager{
		opts:   opts,
		now:    time.Now,
		logger: log.WithComponent("workspace"),
	}, nil
}

// Stage creates the scratch directory, copies manifest files into it and
// points the results-directory alias at it.
func (m *fsManager) Stage(ctx context.Context, resultsDir string, manifest fileutil.Manifest) (*RunDir, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resultsDir, err := filepath.Abs(resultsDir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve results directory: %w", calcerr.ErrStaging, err)
	}
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create results directory: %w", calcerr.ErrStaging, err)
	}

	root := m.opts.ScratchRoot
	if root == "" {
		root = resultsDir
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create scratch root: %w", calcerr.ErrStaging, err)
	}

	scratch := filepath.Join(root, m.scratchName())
	if err := os.Mkdir(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create scratch directory %q: %w", calcerr.ErrStaging, scratch, err)
	}

	rd := &RunDir{
		ScratchDir: scratch,
		ResultsDir: resultsDir,
		opts:       m.opts,
		logger:     m.logger.With("scratch_dir", scratch),
	}

	report, err := m.copyManifest(ctx, scratch, manifest)
	if err != nil {
		_ = os.RemoveAll(scratch)
		return nil, fmt.Errorf("%w: %w", calcerr.ErrStaging, err)
	}
	rd.Staged = report

	if m.opts.LinkName != "" && runtime.GOOS != "windows" {
		rd.LinkPath = m.link(resultsDir, scratch)
	}

	m.logger.Debug("staged scratch directory",
		"scratch_dir", scratch,
		"results_dir", resultsDir,
		"copied", len(report.Copied),
		"missing", len(report.Missing),
	)
	return rd, nil
}

func (m *fsManager) scratchName() string {
	ts := m.now().UTC().Format("2006-01-02-15-04-05.000000")
	return m.opts.Prefix + ts + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

func (m *fsManager) copyManifest(ctx context.Context, scratch string, manifest fileutil.Manifest) (StageReport, error) {
	var report StageReport
	sources := make([]string, 0, len(manifest))
	for src := range manifest {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sel, err := fileutil.Select(src, manifest[src])
		if err != nil {
			return report, fmt.Errorf("select files from %q: %w", src, err)
		}
		for _, p := range sel.Missing {
			m.logger.Warn("copy-in file not found", "source_dir", src, "pattern", p)
			report.Missing = append(report.Missing, filepath.Join(src, p))
		}
		for _, d := range sel.SkippedDirs {
			m.logger.Warn("skipping directory in copy manifest", "path", d)
			report.SkippedDirs = append(report.SkippedDirs, d)
		}
		for _, f := range sel.Files {
			var dst string
			if _, ext := fileutil.SplitCompression(f); ext != "" {
				dst, err = fileutil.CopyDecompress(f, scratch)
			} else {
				dst = filepath.Join(scratch, filepath.Base(f))
				err = fileutil.CopyFile(f, dst)
			}
			if err != nil {
				return report, fmt.Errorf("copy %q into scratch: %w", f, err)
			}
			report.Copied = append(report.Copied, filepath.Base(dst))
		}
	}
	return report, nil
}

// link points resultsDir/LinkName at scratch and returns the link path, or
// "" when no link was made.
func (m *fsManager) link(resultsDir, scratch string) string {
	linkPath := filepath.Join(resultsDir, m.opts.LinkName)

	info, err := os.Lstat(linkPath)
	switch {
	case err == nil && info.Mode()&os.ModeSymlink != 0:
		if err := os.Remove(linkPath); err != nil {
			m.logger.Warn("could not replace stale scratch link", "link", linkPath, "error", err)
			return ""
		}
	case err == nil:
		m.logger.Warn("scratch link path exists and is not a symlink; leaving it", "link", linkPath)
		return ""
	case !os.IsNotExist(err):
		m.logger.Warn("could not inspect scratch link path", "link", linkPath, "error", err)
		return ""
	}

	if err := os.Symlink(scratch, linkPath); err != nil {
		m.logger.Warn("could not create scratch link", "link", linkPath, "error", err)
		return ""
	}
	return linkPath
}

// Prune removes scratch directories carrying the configured prefix whose
// modification time is older than olderThan.
func (m *fsManager) Prune(ctx context.Context, olderThan time.Duration) (PruneReport, error) {
	if err := ctx.Err(); err != nil {
		return PruneReport{}, err
	}
	if olderThan <= 0 {
		return PruneReport{}, fmt.Errorf("olderThan must be positive")
	}
	if m.opts.ScratchRoot == "" {
		return PruneReport{}, fmt.Errorf("prune needs a scratch root")
	}

	entries, err := os.ReadDir(m.opts.ScratchRoot)
	if os.IsNotExist(err) {
		return PruneReport{}, nil
	}
	if err != nil {
		return PruneReport{}, fmt.Errorf("read scratch root: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := PruneReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), m.opts.Prefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read scratch entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.opts.ScratchRoot, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove scratch directory %q: %w", entry.Name(), err)
		}
		m.logger.Info("pruned scratch directory", "path", path, "modified", info.ModTime())
		report.DeletedDirs++
	}

	return report, nil
}
