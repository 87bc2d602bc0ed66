package schema

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/calcerr"
	"github.com/mattjoyce/calcflow/internal/log"
	"github.com/mattjoyce/calcflow/internal/parse"
)

// Store persists documents.
type Store interface {
	Insert(ctx context.Context, doc Document) (string, error)
}

// Summarizer builds result documents from finished runs.
type Summarizer struct {
	// CheckConvergence turns a converged=false flag from the parsed log
	// or the optimizer into a *calcerr.ConvergenceError.
	CheckConvergence bool
	// Parser, when set, reads the program log found in Input.Dir.
	Parser *parse.Parser
	// Store, when set, receives every document.
	Store Store
	// Additional fields are merged into every document.
	Additional map[string]any
	// Hostname prefixes dir_name; os.Hostname is used when empty.
	Hostname string
}

// Input describes one finished run.
type Input struct {
	Input      *atoms.Structure // structure before the run; optional
	Output     *atoms.Structure // structure carrying the results
	Parameters map[string]any   // calculator parameters; taken from Output's calculator when nil
	Additional map[string]any
	Dir        string // results directory
}

// Trajectory summarizes an optimization for SummarizeOpt.
type Trajectory struct {
	Steps      []TrajectoryStep
	NSteps     int
	Converged  bool
	Fmax       float64
	Optimizer  string
	Parameters map[string]any
}

// TrajectoryStep is one evaluated geometry.
type TrajectoryStep struct {
	Step   int
	Energy float64
	Fmax   float64
}

// Summary is the outcome of summarizing one run. ID is empty without a Store.
type Summary struct {
	Document Document
	ID       string
	Hash     string
}

// Summarize builds the document for a single-point run.
func (s Summarizer) Summarize(ctx context.Context, in Input) (*Summary, error) {
	return s.summarize(ctx, in, nil)
}

// SummarizeOpt builds the document for an optimization, adding the
// trajectory summary.
func (s Summarizer) SummarizeOpt(ctx context.Context, in Input, traj Trajectory) (*Summary, error) {
	return s.summarize(ctx, in, &traj)
}

func (s Summarizer) summarize(ctx context.Context, in Input, traj *Trajectory) (*Summary, error) {
	if in.Output == nil {
		return nil, fmt.Errorf("summarize: no output structure")
	}
	logger := log.WithComponent("schema")

	doc := structureFields(in.Output)
	doc["atoms"] = atomsMap(in.Output)
	if in.Input != nil {
		doc["input_atoms"] = atomsMap(in.Input)
	}

	params := in.Parameters
	if params == nil {
		if c := in.Output.Calculator(); c != nil {
			params = c.Parameters()
		}
	}
	if params != nil {
		doc["parameters"] = params
	}
	if c := in.Output.Calculator(); c != nil {
		doc["calculator"] = c.Name()
	}
	doc["results"] = resultsMap(in.Output.Results())

	if in.Dir != "" {
		abs, err := filepath.Abs(in.Dir)
		if err != nil {
			return nil, fmt.Errorf("resolve results dir: %w", err)
		}
		doc["dir_name"] = s.hostname() + ":" + abs
		if n := countStepDirs(abs); n > 0 {
			doc["intermediate_steps"] = n
		}
	}

	if s.Parser != nil {
		if in.Dir == "" {
			return nil, fmt.Errorf("summarize: %s parser needs a results dir", s.Parser.Name)
		}
		out, logPath, err := s.Parser.ParseDir(in.Dir)
		if err != nil {
			return nil, fmt.Errorf("parse %s output: %w", s.Parser.Name, err)
		}
		parsed := out.Map()
		parsed["logfile"] = filepath.Base(logPath)
		doc["parsed"] = parsed
		if s.CheckConvergence && out.Converged != nil && !*out.Converged {
			return nil, &calcerr.ConvergenceError{
				Dir:    in.Dir,
				Steps:  len(out.Energies),
				Reason: fmt.Sprintf("%s log reports converged=false", s.Parser.Name),
			}
		}
	}

	if traj != nil {
		steps := make([]any, len(traj.Steps))
		for i, st := range traj.Steps {
			steps[i] = map[string]any{"step": st.Step, "energy": st.Energy, "fmax": st.Fmax}
		}
		doc["trajectory"] = map[string]any{
			"steps":      steps,
			"nsteps":     traj.NSteps,
			"converged":  traj.Converged,
			"fmax":       traj.Fmax,
			"optimizer":  traj.Optimizer,
			"parameters": traj.Parameters,
		}
		if s.CheckConvergence && !traj.Converged {
			return nil, &calcerr.ConvergenceError{
				Dir:    in.Dir,
				Steps:  traj.NSteps,
				Fmax:   traj.Fmax,
				Reason: "optimizer did not reach fmax",
			}
		}
	}

	for k, v := range s.Additional {
		doc[k] = v
	}
	for k, v := range in.Additional {
		doc[k] = v
	}

	d, err := NewDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("build document: %w", err)
	}
	hash, err := d.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash document: %w", err)
	}
	sum := &Summary{Document: d, Hash: hash}

	if s.Store != nil {
		id, err := s.Store.Insert(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("store document: %w", err)
		}
		sum.ID = id
	}
	logger.Info("summarized run",
		slog.String("formula", in.Output.Formula()),
		slog.String("hash", hash),
		slog.String("id", sum.ID),
	)
	return sum, nil
}

func (s Summarizer) hostname() string {
	if s.Hostname != "" {
		return s.Hostname
	}
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}

func structureFields(st *atoms.Structure) map[string]any {
	elements := st.Elements()
	m := map[string]any{
		"formula":           st.Formula(),
		"formula_pretty":    st.ReducedFormula(),
		"elements":          elements,
		"nelements":         len(elements),
		"chemsys":           st.Chemsys(),
		"nsites":            st.Len(),
		"charge":            st.Charge,
		"spin_multiplicity": st.Multiplicity,
	}
	if st.Cell != nil {
		p := atoms.CellParameters(st.Cell)
		m["lattice"] = map[string]any{
			"a": p[0], "b": p[1], "c": p[2],
			"alpha": p[3], "beta": p[4], "gamma": p[5],
			"volume": st.Volume(),
			"matrix": st.Cell,
		}
		if st.Periodic() {
			m["crystal_system"] = atoms.CrystalSystem(p)
		}
	}
	return m
}

func atomsMap(st *atoms.Structure) map[string]any {
	m := map[string]any{
		"symbols":   st.Symbols,
		"positions": st.Positions,
		"pbc":       st.PBC,
	}
	if st.Cell != nil {
		m["cell"] = st.Cell
	}
	if len(st.Magmoms) > 0 {
		m["magmoms"] = st.Magmoms
	}
	if len(st.Info) > 0 {
		m["info"] = st.Info
	}
	return m
}

func resultsMap(r atoms.Results) map[string]any {
	m := make(map[string]any, len(r)+1)
	for k, v := range r {
		m[k] = v
	}
	if f, ok := r.Forces(); ok {
		m["max_force"] = atoms.MaxForce(f)
	}
	return m
}

func countStepDirs(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "step") {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "step")); err == nil {
			n++
		}
	}
	return n
}
