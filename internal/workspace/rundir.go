package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/mattjoyce/calcflow/internal/fileutil"
)

// RunDir owns one scratch directory for the duration of a run.
type RunDir struct {
	ScratchDir string
	ResultsDir string
	LinkPath   string
	Staged     StageReport

	opts   Options
	logger *slog.Logger

	once     sync.Once
	archives int
	report   ArchiveReport
	err      error
}

// Archive copies the scratch tree into the results directory, removes the
// alias and, unless configured to keep it, the scratch directory. Only the
// first call does any work; later calls return the first outcome. Archive
// runs to completion even when ctx is already cancelled.
func (r *RunDir) Archive(ctx context.Context) (ArchiveReport, error) {
	r.once.Do(func() {
		r.archives++
		r.report, r.err = r.archive(ctx)
	})
	return r.report, r.err
}

// Archives reports how many archival passes ran.
func (r *RunDir) Archives() int { return r.archives }

func (r *RunDir) archive(ctx context.Context) (ArchiveReport, error) {
	var report ArchiveReport
	var copyErrs []error

	walkErr := filepath.WalkDir(r.ScratchDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			copyErrs = append(copyErrs, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if p == r.ScratchDir {
			return nil
		}

		rel, err := filepath.Rel(r.ScratchDir, p)
		if err != nil {
			copyErrs = append(copyErrs, fmt.Errorf("resolve relative path: %w", err))
			return nil
		}
		dst := filepath.Join(r.ResultsDir, rel)

		if d.IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				copyErrs = append(copyErrs, fmt.Errorf("create %q: %w", dst, err))
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			r.logger.Debug("skipping non-regular file during archival", "path", p)
			return nil
		}

		af, err := r.archiveFile(p, dst, filepath.ToSlash(rel))
		if err != nil {
			copyErrs = append(copyErrs, err)
			return nil
		}
		report.Files = append(report.Files, af)
		return nil
	})
	if walkErr != nil {
		copyErrs = append(copyErrs, walkErr)
	}

	if r.LinkPath != "" {
		if target, err := os.Readlink(r.LinkPath); err == nil && target == r.ScratchDir {
			if err := os.Remove(r.LinkPath); err != nil {
				r.logger.Warn("could not remove scratch link", "link", r.LinkPath, "error", err)
			} else {
				report.RemovedLink = true
			}
		}
	}

	copyErr := errors.Join(copyErrs...)
	switch {
	case copyErr != nil:
		r.logger.Error("archival incomplete; keeping scratch directory", "error", copyErr)
	case r.opts.Keep:
		r.logger.Debug("keeping scratch directory")
	default:
		if err := os.RemoveAll(r.ScratchDir); err != nil {
			r.logger.Warn("could not remove scratch directory", "error", err)
		} else {
			report.RemovedScratch = true
		}
	}

	r.logger.InfoContext(ctx, "archived run outputs",
		"results_dir", r.ResultsDir,
		"files", len(report.Files),
		"removed_scratch", report.RemovedScratch,
	)
	if copyErr != nil {
		return report, fmt.Errorf("archive %q: %w", r.ScratchDir, copyErr)
	}
	return report, nil
}

func (r *RunDir) archiveFile(src, dst, rel string) (ArchivedFile, error) {
	info, err := os.Stat(src)
	if err != nil {
		return ArchivedFile{}, fmt.Errorf("stat %q: %w", src, err)
	}

	compress := r.shouldCompress(filepath.Base(src), info.Size())
	if compress {
		dst += ".gz"
		rel += ".gz"
		if err := fileutil.GzipFile(src, dst); err != nil {
			return ArchivedFile{}, fmt.Errorf("gzip %q: %w", src, err)
		}
	} else if err := fileutil.CopyFile(src, dst); err != nil {
		return ArchivedFile{}, fmt.Errorf("copy %q: %w", src, err)
	}

	sum, size, err := fileutil.Blake3File(dst)
	if err != nil {
		return ArchivedFile{}, fmt.Errorf("checksum %q: %w", dst, err)
	}
	return ArchivedFile{Path: rel, Size: size, Blake3: sum, Compressed: compress}, nil
}

func (r *RunDir) shouldCompress(name string, size int64) bool {
	if !r.opts.Gzip || size < r.opts.MinGzipBytes {
		return false
	}
	if _, ext := fileutil.SplitCompression(name); ext != "" {
		return false
	}
	for _, pattern := range r.opts.KeepPlain {
		if ok, _ := path.Match(pattern, name); ok {
			return false
		}
	}
	return true
}
