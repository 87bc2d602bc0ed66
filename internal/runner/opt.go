package runner

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/calcerr"
	"github.com/mattjoyce/calcflow/internal/config"
	"github.com/mattjoyce/calcflow/internal/fileutil"
	"github.com/mattjoyce/calcflow/internal/geomio"
	"github.com/mattjoyce/calcflow/internal/optimize"
)

// Files written into the scratch directory by RunOpt.
const (
	TrajectoryFile = "opt.traj"
	OptLogFile     = "opt.log"
	stepDirPrefix  = "step"
)

// OptOptions configures a geometry optimization.
type OptOptions struct {
	Fmax            float64 // eV/Å
	MaxSteps        int
	Optimizer       string
	OptimizerParams config.Params
	// Hook runs after every step; an error aborts the run.
	Hook func(StepInfo) error
	// StoreIntermediate snapshots the scratch files of each step into stepN/.
	StoreIntermediate bool
	CopyFiles         fileutil.Manifest
	CheckConvergence  bool
	ResultsDir        string
	// RelaxCell also relaxes the shape and volume of a periodic cell. The
	// calculator must return stress. Molecules ignore it.
	RelaxCell bool
}

// StepInfo describes one evaluated geometry. Step 0 is the initial one.
type StepInfo struct {
	Step      int
	Energy    float64
	Fmax      float64
	Structure *atoms.Structure
}

// TrajectoryStep is the per-step summary kept in an OptResult.
type TrajectoryStep struct {
	Step   int     `json:"step"`
	Energy float64 `json:"energy"`
	Fmax   float64 `json:"fmax"`
}

// OptResult is the outcome of RunOpt. Steps counts optimizer steps, so the
// trajectory holds Steps+1 frames.
type OptResult struct {
	Structure        *atoms.Structure
	Trajectory       []TrajectoryStep
	Steps            int
	Converged        bool
	Fmax             float64
	Optimizer        string
	OptimizerParams  map[string]any
	RelaxCell        bool
	ResultsDir       string
	IntermediateDirs []string
}

// RunOpt relaxes a copy of s with the attached calculator. It stops when the
// largest force is at most Fmax or after MaxSteps optimizer steps. With
// CheckConvergence, an unconverged run returns its result together with a
// *calcerr.ConvergenceError.
func (r *Runner) RunOpt(ctx context.Context, s *atoms.Structure, opts OptOptions) (result *OptResult, err error) {
	calc := s.Calculator()
	if calc == nil {
		return nil, calcerr.ErrNoCalculator
	}
	if opts.Fmax <= 0 {
		opts.Fmax = 0.01
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 1000
	}
	opt, err := optimize.New(opts.Optimizer, opts.OptimizerParams)
	if err != nil {
		return nil, err
	}

	rd, err := r.ws.Stage(ctx, resultsDir(opts.ResultsDir), opts.CopyFiles)
	if err != nil {
		return nil, err
	}
	defer r.finish(ctx, rd, &err)

	logger := r.logger.With("calculator", calc.Name(), "optimizer", opt.Name(), "scratch", rd.ScratchDir)
	logger.Info("starting optimization", "formula", s.Formula(), "fmax", opts.Fmax, "max_steps", opts.MaxSteps)

	traj, err := geomio.NewTrajectoryWriter(filepath.Join(rd.ScratchDir, TrajectoryFile))
	if err != nil {
		return nil, r.failed(calc, rd, err)
	}
	defer traj.Close()

	optLog, err := newOptLog(filepath.Join(rd.ScratchDir, OptLogFile), opt.Name())
	if err != nil {
		return nil, r.failed(calc, rd, err)
	}
	defer optLog.Close()

	out := s.Copy()
	result = &OptResult{
		Structure:       out,
		Optimizer:       opt.Name(),
		OptimizerParams: opt.Parameters(),
		ResultsDir:      rd.ResultsDir,
	}
	props := []atoms.Property{atoms.PropEnergy, atoms.PropForces}

	var cell *cellFilter
	if opts.RelaxCell && out.Periodic() {
		if cell, err = newCellFilter(out); err != nil {
			return result, r.failed(calc, rd, err)
		}
		props = append(props, atoms.PropStress)
		result.RelaxCell = true
		result.OptimizerParams["relax_cell"] = true
	} else if opts.RelaxCell {
		logger.Warn("relax_cell ignored for a non-periodic structure")
	}

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return result, r.failed(calc, rd, err)
		}
		res, err := calc.Calculate(ctx, rd.ScratchDir, out, props)
		if err != nil {
			return result, r.failed(calc, rd, fmt.Errorf("step %d: %w", step, err))
		}
		out.SetResults(res)
		energy, ok := res.Energy()
		forces, fok := res.Forces()
		if !ok || !fok {
			return result, r.failed(calc, rd, fmt.Errorf("step %d: calculator returned no energy or forces", step))
		}
		if cell != nil {
			if forces, err = cell.forces(res); err != nil {
				return result, r.failed(calc, rd, fmt.Errorf("step %d: %w", step, err))
			}
		}
		fmax := atoms.MaxForce(forces)

		if err := traj.Append(out); err != nil {
			return result, r.failed(calc, rd, err)
		}
		optLog.step(step, energy, fmax)
		result.Trajectory = append(result.Trajectory, TrajectoryStep{Step: step, Energy: energy, Fmax: fmax})
		result.Steps = step
		result.Fmax = fmax
		logger.Debug("optimizer step", "step", step, "energy", energy, "fmax", fmax)

		if opts.StoreIntermediate {
			dir, err := snapshotStep(rd.ScratchDir, step)
			if err != nil {
				return result, r.failed(calc, rd, err)
			}
			result.IntermediateDirs = append(result.IntermediateDirs, dir)
		}
		if opts.Hook != nil {
			if err := opts.Hook(StepInfo{Step: step, Energy: energy, Fmax: fmax, Structure: out.Copy()}); err != nil {
				return result, r.failed(calc, rd, fmt.Errorf("hook at step %d: %w", step, err))
			}
		}

		if fmax <= opts.Fmax {
			result.Converged = true
			break
		}
		if step >= opts.MaxSteps {
			break
		}
		if err := advance(opt, out, cell, forces); err != nil {
			return result, r.failed(calc, rd, fmt.Errorf("step %d: %w", step, err))
		}
	}

	logger.Info("optimization finished", "steps", result.Steps, "converged", result.Converged, "fmax", result.Fmax)
	if !result.Converged && opts.CheckConvergence {
		return result, &calcerr.ConvergenceError{
			Dir:    rd.ResultsDir,
			Steps:  result.Steps,
			Fmax:   result.Fmax,
			Reason: fmt.Sprintf("reached max_steps=%d above fmax=%g", opts.MaxSteps, opts.Fmax),
		}
	}
	return result, nil
}

// advance takes one optimizer step on the atoms, or on atoms and cell.
func advance(opt optimize.Optimizer, s *atoms.Structure, cell *cellFilter, forces *mat.Dense) error {
	if cell == nil {
		next, err := opt.Step(s.Positions, forces)
		if err != nil {
			return err
		}
		return s.SetPositions(next)
	}
	current, err := cell.positions()
	if err != nil {
		return err
	}
	next, err := opt.Step(current, forces)
	if err != nil {
		return err
	}
	return cell.setPositions(next)
}

type optLog struct {
	f     *os.File
	w     *bufio.Writer
	start time.Time
}

func newOptLog(path, optimizer string) (*optLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create optimizer log: %w", err)
	}
	l := &optLog{f: f, w: bufio.NewWriter(f), start: time.Now()}
	fmt.Fprintf(l.w, "%-6s %6s %10s %18s %12s\n", strings.ToUpper(optimizer)+":", "Step", "Time", "Energy", "fmax")
	return l, l.w.Flush()
}

func (l *optLog) step(step int, energy, fmax float64) {
	fmt.Fprintf(l.w, "%-6s %6d %10s %18.6f %12.4f\n", "", step, time.Since(l.start).Truncate(time.Millisecond), energy, fmax)
	_ = l.w.Flush()
}

func (l *optLog) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.w.Flush()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// snapshotStep copies the scratch files present after a step into stepN/,
// leaving out the trajectory, the log and earlier snapshots.
func snapshotStep(scratch string, step int) (string, error) {
	name := fmt.Sprintf("%s%d", stepDirPrefix, step)
	dst := filepath.Join(scratch, name)
	if err := os.Mkdir(dst, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}

	err := filepath.WalkDir(scratch, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(scratch, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if isStepDir(rel) {
				return fs.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if rel == TrajectoryFile || rel == OptLogFile || !d.Type().IsRegular() {
			return nil
		}
		return fileutil.CopyFile(p, filepath.Join(dst, rel))
	})
	if err != nil {
		return "", fmt.Errorf("snapshot %s: %w", name, err)
	}
	return name, nil
}

func isStepDir(rel string) bool {
	if !strings.HasPrefix(rel, stepDirPrefix) || strings.ContainsRune(rel, filepath.Separator) {
		return false
	}
	for _, c := range rel[len(stepDirPrefix):] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(rel) > len(stepDirPrefix)
}
