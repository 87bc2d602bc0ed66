// Package runner executes calculations inside staged scratch directories.
// Every run is archived exactly once, whether it succeeds or fails, and
// failures are returned only after archival.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/calcerr"
	"github.com/mattjoyce/calcflow/internal/fileutil"
	"github.com/mattjoyce/calcflow/internal/log"
	"github.com/mattjoyce/calcflow/internal/workspace"
)

// Options configures a Runner.
type Options struct {
	// OnArchive is called after each archival pass with its outcome.
	OnArchive func(rd *workspace.RunDir, report workspace.ArchiveReport, err error)
}

// Runner stages, runs and archives calculations.
type Runner struct {
	ws        workspace.Manager
	onArchive func(*workspace.RunDir, workspace.ArchiveReport, error)
	logger    *slog.Logger
}

// New returns a Runner staging through ws.
func New(ws workspace.Manager, opts Options) *Runner {
	return &Runner{
		ws:        ws,
		onArchive: opts.OnArchive,
		logger:    log.WithComponent("runner"),
	}
}

// CalcOptions configures a single-point calculation.
type CalcOptions struct {
	Properties []atoms.Property
	// GeomFile, relative to the scratch directory, is read back after the
	// calculation to update positions and cell.
	GeomFile   string
	CopyFiles  fileutil.Manifest
	ResultsDir string
}

// RunCalc runs the attached calculator on a copy of s and returns the copy
// with results attached. s itself is never modified.
func (r *Runner) RunCalc(ctx context.Context, s *atoms.Structure, opts CalcOptions) (out *atoms.Structure, err error) {
	calc := s.Calculator()
	if calc == nil {
		return nil, calcerr.ErrNoCalculator
	}
	props := opts.Properties
	if len(props) == 0 {
		props = atoms.DefaultProperties
	}

	rd, err := r.ws.Stage(ctx, resultsDir(opts.ResultsDir), opts.CopyFiles)
	if err != nil {
		return nil, err
	}
	defer r.finish(ctx, rd, &err)

	logger := r.logger.With("calculator", calc.Name(), "scratch", rd.ScratchDir)
	logger.Info("running calculation", "formula", s.Formula(), "properties", props)

	out = s.Copy()
	res, err := calc.Calculate(ctx, rd.ScratchDir, out, props)
	if err != nil {
		return nil, r.failed(calc, rd, err)
	}
	out.SetResults(res)

	if opts.GeomFile != "" {
		if err := Resync(out, filepath.Join(rd.ScratchDir, opts.GeomFile)); err != nil {
			return nil, r.failed(calc, rd, err)
		}
	}
	return out, nil
}

func (r *Runner) failed(calc atoms.Calculator, rd *workspace.RunDir, err error) error {
	return &calcerr.CalculationError{Calculator: calc.Name(), ResultsDir: rd.ResultsDir, Err: err}
}

// finish archives rd. An archival failure surfaces only when the run
// itself succeeded; otherwise it is logged next to the primary error.
func (r *Runner) finish(ctx context.Context, rd *workspace.RunDir, errp *error) {
	report, aerr := rd.Archive(context.WithoutCancel(ctx))
	if r.onArchive != nil {
		r.onArchive(rd, report, aerr)
	}
	if aerr == nil {
		r.logger.Info("archived run", "results_dir", rd.ResultsDir, "files", len(report.Files),
			"removed_scratch", report.RemovedScratch)
		return
	}
	if *errp == nil {
		*errp = fmt.Errorf("archive %s: %w", rd.ScratchDir, aerr)
		return
	}
	r.logger.Error("archive failed after run error", "results_dir", rd.ResultsDir, "error", aerr,
		"run_error", *errp, "not_converged", errors.Is(*errp, calcerr.ErrNotConverged))
}

func resultsDir(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}
