package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/calcerr"
	"github.com/mattjoyce/calcflow/internal/calculator"
	"github.com/mattjoyce/calcflow/internal/flow"
	"github.com/mattjoyce/calcflow/internal/geomio"
	"github.com/mattjoyce/calcflow/internal/lock"
	"github.com/mattjoyce/calcflow/internal/log"
	"github.com/mattjoyce/calcflow/internal/parse"
	"github.com/mattjoyce/calcflow/internal/runlog"
	"github.com/mattjoyce/calcflow/internal/runner"
	"github.com/mattjoyce/calcflow/internal/schema"
	"github.com/mattjoyce/calcflow/internal/workspace"
)

// RunLog records job executions. *runlog.Log implements it.
type RunLog interface {
	Start(ctx context.Context, req runlog.StartRequest) (string, error)
	Complete(ctx context.Context, id string, c runlog.Completion) error
}

// Executor runs expanded job specs.
type Executor struct {
	Workspace  workspace.Manager
	Registry   *calculator.Registry
	Store      schema.Store // optional
	RunLog     RunLog       // optional
	Hostname   string
	Additional map[string]any
}

// Outcome reports one executed job.
type Outcome struct {
	Name       string
	RunID      string
	Status     runlog.Status
	ResultsDir string
	DocumentID string
	Hash       string
	Formula    string
	Energy     *float64
	Steps      int
	Converged  bool
	Files      int
	Elapsed    time.Duration
	Err        error
}

// Execute runs one job. The returned outcome is always non-nil; its Err
// matches the returned error.
func (e *Executor) Execute(ctx context.Context, spec Spec) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{Name: spec.Name, ResultsDir: spec.ResultsDir, Status: runlog.StatusFailed}
	logger := log.WithComponent("job").With(slog.String("job", spec.Name))

	var artifacts []workspace.ArchivedFile
	r := runner.New(e.Workspace, runner.Options{
		OnArchive: func(rd *workspace.RunDir, report workspace.ArchiveReport, _ error) {
			out.ResultsDir = rd.ResultsDir
			artifacts = append(artifacts, report.Files...)
		},
	})

	if e.RunLog != nil {
		id, err := e.RunLog.Start(ctx, runlog.StartRequest{
			Name:       spec.Name,
			Mode:       spec.Mode,
			Calculator: spec.Calculator,
			ResultsDir: spec.ResultsDir,
		})
		if err != nil {
			return e.done(out, start, fmt.Errorf("start run log: %w", err))
		}
		out.RunID = id
		logger = log.WithRun(id).With(slog.String("job", spec.Name))
	}

	err := e.execute(ctx, r, spec, out)
	switch {
	case err == nil:
		out.Status = runlog.StatusSucceeded
	case errors.Is(err, calcerr.ErrNotConverged):
		out.Status = runlog.StatusNotConverged
	}
	out.Files = len(artifacts)

	if e.RunLog != nil && out.RunID != "" {
		cerr := e.RunLog.Complete(context.WithoutCancel(ctx), out.RunID, runlog.Completion{
			Status:     out.Status,
			DocumentID: out.DocumentID,
			Artifacts:  artifacts,
			Err:        err,
		})
		if cerr != nil {
			logger.Error("could not complete run log entry", "error", cerr)
			if err == nil {
				err = cerr
			}
		}
	}
	if err != nil {
		logger.Error("job failed", "status", out.Status, "error", err)
	} else {
		logger.Info("job finished", "results_dir", out.ResultsDir, "document_id", out.DocumentID)
	}
	return e.done(out, start, err)
}

func (e *Executor) done(out *Outcome, start time.Time, err error) (*Outcome, error) {
	out.Elapsed = time.Since(start)
	out.Err = err
	return out, err
}

func (e *Executor) execute(ctx context.Context, r *runner.Runner, spec Spec, out *Outcome) error {
	resultsDir := spec.ResultsDir
	if resultsDir == "" {
		resultsDir = "."
	}
	held, err := lock.AcquireDir(resultsDir, spec.Name)
	if err != nil {
		return fmt.Errorf("lock results directory: %w", err)
	}
	defer held.Release()

	s, err := geomio.ReadLast(spec.Structure)
	if err != nil {
		return fmt.Errorf("read structure: %w", err)
	}
	if spec.Charge != nil {
		s.Charge = *spec.Charge
	}
	if spec.Multiplicity != nil {
		s.Multiplicity = *spec.Multiplicity
	}
	out.Formula = s.Formula()
	// results carried in the structure file came from an earlier calculator
	s.CacheResults()

	calc, err := e.Registry.Get(spec.Calculator, spec.CalculatorParams)
	if err != nil {
		return err
	}
	s.SetCalculator(calc)

	summarizer, err := e.summarizer(spec)
	if err != nil {
		return err
	}

	switch spec.Mode {
	case ModeRelax:
		res, err := r.RunOpt(ctx, s, runner.OptOptions{
			Fmax:              spec.Fmax,
			MaxSteps:          spec.MaxSteps,
			Optimizer:         spec.Optimizer,
			OptimizerParams:   spec.OptimizerParams,
			StoreIntermediate: spec.Intermediate(),
			CopyFiles:         spec.Manifest(),
			CheckConvergence:  spec.Check(),
			ResultsDir:        spec.ResultsDir,
			RelaxCell:         spec.Cell(),
		})
		if res != nil {
			out.Steps = res.Steps
			out.Converged = res.Converged
		}
		if err != nil {
			return err
		}
		sum, err := summarizer.SummarizeOpt(ctx, schema.Input{
			Input:      s,
			Output:     res.Structure,
			Additional: spec.AdditionalFields,
			Dir:        res.ResultsDir,
		}, trajectory(res))
		if err != nil {
			return err
		}
		e.record(out, res.Structure, sum)
	case ModePath:
		return e.executePath(ctx, r, spec, s, summarizer, out)
	default:
		res, err := r.RunCalc(ctx, s, runner.CalcOptions{
			Properties: properties(spec.Properties),
			GeomFile:   spec.GeomFile,
			CopyFiles:  spec.Manifest(),
			ResultsDir: spec.ResultsDir,
		})
		if err != nil {
			return err
		}
		sum, err := summarizer.Summarize(ctx, schema.Input{
			Input:      s,
			Output:     res,
			Additional: spec.AdditionalFields,
			Dir:        out.ResultsDir,
		})
		if err != nil {
			return err
		}
		e.record(out, res, sum)
	}
	return nil
}

// executePath relaxes a band from the job's structure to its product and
// stores the highest image, the saddle estimate, with the band summary.
func (e *Executor) executePath(ctx context.Context, r *runner.Runner, spec Spec, reactant *atoms.Structure,
	summarizer schema.Summarizer, out *Outcome) error {
	product, err := geomio.ReadLast(spec.Product)
	if err != nil {
		return fmt.Errorf("read product: %w", err)
	}
	product.Charge = reactant.Charge
	product.Multiplicity = reactant.Multiplicity
	product.CacheResults()
	product.SetCalculator(reactant.Calculator())

	res, err := r.RunPathOpt(ctx, []*atoms.Structure{reactant, product}, runner.PathOptions{
		Fmax:             spec.Fmax,
		MaxSteps:         spec.MaxSteps,
		Optimizer:        spec.Optimizer,
		OptimizerParams:  spec.OptimizerParams,
		Spring:           spec.Spring,
		Interpolate:      spec.Images,
		Climb:            spec.Climbing(),
		CopyFiles:        spec.Manifest(),
		CheckConvergence: spec.Check(),
		ResultsDir:       spec.ResultsDir,
	})
	if res != nil {
		out.Steps = res.Steps
		out.Converged = res.Converged
		out.ResultsDir = res.ResultsDir
	}
	if err != nil {
		return err
	}

	additional := make(map[string]any, len(spec.AdditionalFields)+1)
	for k, v := range spec.AdditionalFields {
		additional[k] = v
	}
	additional["path"] = map[string]any{
		"energies":   res.Energies,
		"barrier":    res.Barrier,
		"highest":    res.Highest,
		"nimages":    len(res.Images),
		"image_dirs": res.ImageDirs,
	}
	saddle := res.Images[res.Highest]
	sum, err := summarizer.SummarizeOpt(ctx, schema.Input{
		Input:      reactant,
		Output:     saddle,
		Additional: additional,
		Dir:        res.ImageDirs[res.Highest],
	}, pathTrajectory(res))
	if err != nil {
		return err
	}
	e.record(out, saddle, sum)
	return nil
}

func (e *Executor) record(out *Outcome, s *atoms.Structure, sum *schema.Summary) {
	out.DocumentID = sum.ID
	out.Hash = sum.Hash
	if en, ok := s.Results().Energy(); ok {
		out.Energy = &en
	}
}

func (e *Executor) summarizer(spec Spec) (schema.Summarizer, error) {
	sum := schema.Summarizer{
		CheckConvergence: spec.Check(),
		Store:            e.Store,
		Additional:       e.Additional,
		Hostname:         e.Hostname,
	}
	name := spec.Parser
	if name == "" {
		if kind, ok := e.Registry.Kind(spec.Calculator); ok {
			if _, known := parse.Lookup(kind); known {
				name = kind
			}
		}
	}
	if name == "" || name == "none" {
		return sum, nil
	}
	p, ok := parse.Lookup(name)
	if !ok {
		return sum, fmt.Errorf("unknown parser %q (known: %v)", name, parse.Names())
	}
	if len(spec.ParserExtensions) > 0 {
		p.Extensions = spec.ParserExtensions
	}
	sum.Parser = &p
	return sum, nil
}

func properties(names []string) []atoms.Property {
	if len(names) == 0 {
		return nil
	}
	props := make([]atoms.Property, len(names))
	for i, n := range names {
		props[i] = atoms.Property(n)
	}
	return props
}

func trajectory(res *runner.OptResult) schema.Trajectory {
	return trajectoryOf(res.Trajectory, res.Steps, res.Converged, res.Fmax, res.Optimizer, res.OptimizerParams)
}

func pathTrajectory(res *runner.PathResult) schema.Trajectory {
	return trajectoryOf(res.Trajectory, res.Steps, res.Converged, res.Fmax, res.Optimizer, res.OptimizerParams)
}

func trajectoryOf(frames []runner.TrajectoryStep, n int, converged bool, fmax float64,
	optimizer string, params map[string]any) schema.Trajectory {
	steps := make([]schema.TrajectoryStep, len(frames))
	for i, st := range frames {
		steps[i] = schema.TrajectoryStep{Step: st.Step, Energy: st.Energy, Fmax: st.Fmax}
	}
	return schema.Trajectory{
		Steps:      steps,
		NSteps:     n,
		Converged:  converged,
		Fmax:       fmax,
		Optimizer:  optimizer,
		Parameters: params,
	}
}

// Tasks wraps specs as flow tasks. Outcomes land in the returned slice in
// spec order once the engine finishes.
func (e *Executor) Tasks(specs []Spec) ([]flow.Task, []*Outcome) {
	outcomes := make([]*Outcome, len(specs))
	tasks := make([]flow.Task, len(specs))
	for i, spec := range specs {
		tasks[i] = flow.Task{
			Name: spec.Name,
			Run: func(ctx context.Context) error {
				o, err := e.Execute(ctx, spec)
				outcomes[i] = o
				return err
			},
		}
	}
	return tasks, outcomes
}
