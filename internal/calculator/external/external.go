// Package external runs electronic-structure programs as subprocesses in
// the calculation's working directory and turns their output files into
// atoms.Results.
package external

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/config"
	"github.com/mattjoyce/calcflow/internal/log"
)

// Job is one calculation handed to a backend.
type Job struct {
	RunID      string
	Dir        string
	Structure  *atoms.Structure
	Properties []atoms.Property
	Params     config.Params
	Deadline   time.Time
}

func (j Job) wants(p atoms.Property) bool {
	for _, q := range j.Properties {
		if q == p {
			return true
		}
	}
	return false
}

// Backend knows one program's input and output files.
type Backend interface {
	Kind() string
	// Prepare writes input files into job.Dir.
	Prepare(job Job) (Invocation, error)
	// Collect reads results after the program exits.
	Collect(job Job, out RunOutput) (atoms.Results, error)
}

// Calculator adapts a Backend and a Program to atoms.Calculator.
type Calculator struct {
	name    string
	program Program
	backend Backend
	params  config.Params
	logger  *slog.Logger
}

var _ atoms.Calculator = (*Calculator)(nil)

// New returns a calculator called name. A zero timeout becomes
// config.DefaultCalculatorTimeout.
func New(name string, backend Backend, program Program, params config.Params) *Calculator {
	if program.Timeout <= 0 {
		program.Timeout = config.DefaultCalculatorTimeout
	}
	return &Calculator{
		name:    name,
		program: program,
		backend: backend,
		params:  params,
		logger:  log.WithCalculator(name),
	}
}

func (c *Calculator) Name() string { return c.name }

// Parameters returns the backend parameters plus the program identity.
func (c *Calculator) Parameters() map[string]any {
	out := make(map[string]any, len(c.params)+2)
	for k, v := range c.params {
		out[k] = atoms.CloneValue(v)
	}
	out["kind"] = c.backend.Kind()
	out["command"] = c.program.Command
	return out
}

// Calculate prepares inputs in dir, runs the program there and collects
// its results.
func (c *Calculator) Calculate(ctx context.Context, dir string, s *atoms.Structure, props []atoms.Property) (atoms.Results, error) {
	if len(props) == 0 {
		props = atoms.DefaultProperties
	}
	job := Job{
		RunID:      uuid.NewString(),
		Dir:        dir,
		Structure:  s,
		Properties: props,
		Params:     c.params,
		Deadline:   time.Now().Add(c.program.Timeout),
	}
	logger := c.logger.With("run_id", job.RunID)

	inv, err := c.backend.Prepare(job)
	if err != nil {
		return nil, fmt.Errorf("%s: prepare input: %w", c.name, err)
	}

	out, err := c.program.run(ctx, dir, inv, logger)
	if err != nil {
		if out.Stderr != "" {
			logger.Error("program failed", "error", err, "stderr", out.Stderr)
		}
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}

	res, cerr := c.backend.Collect(job, out)
	if out.ExitCode != 0 {
		detail := strings.TrimSpace(out.Stderr)
		if cerr != nil {
			detail = cerr.Error()
		}
		return nil, fmt.Errorf("%s: %s exited with status %d: %s", c.name, c.program.Command, out.ExitCode, detail)
	}
	if cerr != nil {
		return nil, fmt.Errorf("%s: collect results: %w", c.name, cerr)
	}

	logger.Info("calculation finished", "elapsed", out.Elapsed, "properties", len(res))
	return res, nil
}

func forcesMatrix(rows [][3]float64, n int) (*mat.Dense, error) {
	if n == 0 || len(rows) != n {
		return nil, fmt.Errorf("got forces for %d atoms, want %d", len(rows), n)
	}
	f := mat.NewDense(n, 3, nil)
	for i, row := range rows {
		f.SetRow(i, row[:])
	}
	return f, nil
}

func coordLines(s *atoms.Structure) []string {
	out := make([]string, s.Len())
	for i, sym := range s.Symbols {
		p := s.Position(i)
		out[i] = fmt.Sprintf("%-2s %16.8f %16.8f %16.8f", sym, p[0], p[1], p[2])
	}
	return out
}

func multiplicity(s *atoms.Structure) int {
	if s.Multiplicity < 1 {
		return 1
	}
	return s.Multiplicity
}
