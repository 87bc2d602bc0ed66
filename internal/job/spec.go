// Package job loads job files and executes them end to end: build the
// structure and calculator, run, summarize, store and log.
package job

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/calcflow/internal/config"
	"github.com/mattjoyce/calcflow/internal/fileutil"
)

// Modes.
const (
	ModeStatic = "static"
	ModeRelax  = "relax"
	ModePath   = "path"
)

// Spec describes one job, or a batch when Jobs is set. Children inherit
// every field they leave unset.
type Spec struct {
	Name              string              `yaml:"name" toml:"name"`
	Structure         string              `yaml:"structure" toml:"structure"`
	Calculator        string              `yaml:"calculator" toml:"calculator"`
	CalculatorParams  config.Params       `yaml:"calculator_params,omitempty" toml:"calculator_params"`
	Mode              string              `yaml:"mode" toml:"mode"`
	Properties        []string            `yaml:"properties,omitempty" toml:"properties"`
	GeomFile          string              `yaml:"geom_file,omitempty" toml:"geom_file"`
	CopyFiles         map[string][]string `yaml:"copy_files,omitempty" toml:"copy_files"`
	Parser            string              `yaml:"parser,omitempty" toml:"parser"`
	ParserExtensions  []string            `yaml:"parser_extensions,omitempty" toml:"parser_extensions"`
	Fmax              float64             `yaml:"fmax,omitempty" toml:"fmax"`
	MaxSteps          int                 `yaml:"max_steps,omitempty" toml:"max_steps"`
	Optimizer         string              `yaml:"optimizer,omitempty" toml:"optimizer"`
	OptimizerParams   config.Params       `yaml:"optimizer_params,omitempty" toml:"optimizer_params"`
	StoreIntermediate *bool               `yaml:"store_intermediate,omitempty" toml:"store_intermediate"`
	CheckConvergence  *bool               `yaml:"check_convergence,omitempty" toml:"check_convergence"`
	RelaxCell         *bool               `yaml:"relax_cell,omitempty" toml:"relax_cell"`
	// Product is the final end point of a path job; Structure is the first.
	Product          string         `yaml:"product,omitempty" toml:"product"`
	Images           int            `yaml:"images,omitempty" toml:"images"`
	Climb            *bool          `yaml:"climb,omitempty" toml:"climb"`
	Spring           float64        `yaml:"spring,omitempty" toml:"spring"`
	ResultsDir       string         `yaml:"results_dir,omitempty" toml:"results_dir"`
	AdditionalFields map[string]any `yaml:"additional_fields,omitempty" toml:"additional_fields"`
	Charge           *int           `yaml:"charge,omitempty" toml:"charge"`
	Multiplicity     *int           `yaml:"multiplicity,omitempty" toml:"multiplicity"`
	Jobs             []Spec         `yaml:"jobs,omitempty" toml:"jobs"`

	baseDir string
}

// Load reads a YAML or TOML job file. Relative paths inside it resolve
// against the file's directory.
func Load(path string) (*Spec, error) {
	var spec Spec
	if err := config.DecodeFile(path, &spec); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve job dir: %w", err)
	}
	spec.setBaseDir(abs)
	return &spec, nil
}

func (s *Spec) setBaseDir(dir string) {
	if s.baseDir == "" {
		s.baseDir = dir
	}
	for i := range s.Jobs {
		s.Jobs[i].setBaseDir(s.baseDir)
	}
}

// Expand flattens the batch into runnable jobs, applying inheritance and
// defaults from run, and validates each one.
func (s Spec) Expand(run config.RunConfig) ([]Spec, error) {
	var out []Spec
	if err := s.expand(Spec{}, run, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("job file defines no jobs")
	}
	seen := make(map[string]bool, len(out))
	for _, j := range out {
		if seen[j.Name] {
			return nil, fmt.Errorf("duplicate job name %q", j.Name)
		}
		seen[j.Name] = true
	}
	return out, nil
}

func (s Spec) expand(parent Spec, run config.RunConfig, out *[]Spec) error {
	merged := s.inherit(parent)
	if len(s.Jobs) > 0 {
		for i, child := range s.Jobs {
			if child.Name == "" {
				child.Name = fmt.Sprintf("%s-%d", merged.Name, i)
			} else if merged.Name != "" {
				child.Name = merged.Name + "/" + child.Name
			}
			if err := child.expand(merged, run, out); err != nil {
				return err
			}
		}
		return nil
	}
	merged.applyDefaults(run)
	if err := merged.validate(); err != nil {
		return fmt.Errorf("job %q: %w", merged.Name, err)
	}
	*out = append(*out, merged)
	return nil
}

// inherit fills fields unset in s from p.
func (s Spec) inherit(p Spec) Spec {
	out := s
	out.Jobs = nil
	if out.Structure == "" {
		out.Structure = p.Structure
	}
	if out.Calculator == "" {
		out.Calculator = p.Calculator
	}
	out.CalculatorParams = mergeParams(p.CalculatorParams, s.CalculatorParams)
	if out.Mode == "" {
		out.Mode = p.Mode
	}
	if out.Properties == nil {
		out.Properties = p.Properties
	}
	if out.GeomFile == "" {
		out.GeomFile = p.GeomFile
	}
	if out.CopyFiles == nil {
		out.CopyFiles = p.CopyFiles
	}
	if out.Parser == "" {
		out.Parser = p.Parser
	}
	if out.ParserExtensions == nil {
		out.ParserExtensions = p.ParserExtensions
	}
	if out.Fmax == 0 {
		out.Fmax = p.Fmax
	}
	if out.MaxSteps == 0 {
		out.MaxSteps = p.MaxSteps
	}
	if out.Optimizer == "" {
		out.Optimizer = p.Optimizer
	}
	out.OptimizerParams = mergeParams(p.OptimizerParams, s.OptimizerParams)
	if out.StoreIntermediate == nil {
		out.StoreIntermediate = p.StoreIntermediate
	}
	if out.CheckConvergence == nil {
		out.CheckConvergence = p.CheckConvergence
	}
	if out.RelaxCell == nil {
		out.RelaxCell = p.RelaxCell
	}
	if out.Product == "" {
		out.Product = p.Product
	}
	if out.Images == 0 {
		out.Images = p.Images
	}
	if out.Climb == nil {
		out.Climb = p.Climb
	}
	if out.Spring == 0 {
		out.Spring = p.Spring
	}
	if out.AdditionalFields == nil {
		out.AdditionalFields = p.AdditionalFields
	} else if p.AdditionalFields != nil {
		fields := make(map[string]any, len(p.AdditionalFields)+len(s.AdditionalFields))
		for k, v := range p.AdditionalFields {
			fields[k] = v
		}
		for k, v := range s.AdditionalFields {
			fields[k] = v
		}
		out.AdditionalFields = fields
	}
	if out.Charge == nil {
		out.Charge = p.Charge
	}
	if out.Multiplicity == nil {
		out.Multiplicity = p.Multiplicity
	}
	if out.baseDir == "" {
		out.baseDir = p.baseDir
	}
	return out
}

func mergeParams(base, over config.Params) config.Params {
	if base == nil {
		return over
	}
	if over == nil {
		return base
	}
	out := make(config.Params, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func (s *Spec) applyDefaults(run config.RunConfig) {
	if s.Mode == "" {
		s.Mode = ModeStatic
	}
	if s.Properties == nil {
		s.Properties = run.Properties
	}
	if s.Fmax == 0 {
		s.Fmax = run.Fmax
	}
	if s.MaxSteps == 0 {
		s.MaxSteps = run.MaxSteps
	}
	if s.Optimizer == "" && s.Mode == ModePath {
		s.Optimizer = "fire"
	}
	if s.Optimizer == "" {
		s.Optimizer = run.Optimizer
	}
	if s.CheckConvergence == nil {
		v := run.CheckConvergence
		s.CheckConvergence = &v
	}
	if s.ResultsDir == "" && s.Name != "" {
		s.ResultsDir = filepath.Join(run.ResultsRoot, filepath.FromSlash(s.Name))
	}
	if s.Mode == ModePath && s.Images == 0 {
		s.Images = 5
	}
	s.Structure = s.resolve(s.Structure)
	s.Product = s.resolve(s.Product)
	s.ResultsDir = s.resolve(s.ResultsDir)
	if len(s.CopyFiles) > 0 {
		files := make(map[string][]string, len(s.CopyFiles))
		for dir, patterns := range s.CopyFiles {
			files[s.resolve(dir)] = patterns
		}
		s.CopyFiles = files
	}
}

func (s Spec) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || s.baseDir == "" {
		return p
	}
	return filepath.Join(s.baseDir, p)
}

func (s Spec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if s.Structure == "" {
		return fmt.Errorf("structure is required")
	}
	if s.Calculator == "" {
		return fmt.Errorf("calculator is required")
	}
	switch s.Mode {
	case ModeStatic, ModeRelax:
	case ModePath:
		if s.Product == "" {
			return fmt.Errorf("path mode needs a product structure")
		}
		if s.Images < 1 {
			return fmt.Errorf("path mode needs at least one image")
		}
		if s.RelaxCell != nil && *s.RelaxCell {
			return fmt.Errorf("relax_cell is not supported in path mode")
		}
	default:
		return fmt.Errorf("mode must be %q, %q or %q, got %q", ModeStatic, ModeRelax, ModePath, s.Mode)
	}
	if s.Spring < 0 {
		return fmt.Errorf("spring must not be negative")
	}
	if s.Fmax < 0 {
		return fmt.Errorf("fmax must not be negative")
	}
	if s.MaxSteps < 0 {
		return fmt.Errorf("max_steps must not be negative")
	}
	if s.GeomFile != "" && (filepath.IsAbs(s.GeomFile) || strings.Contains(s.GeomFile, "..")) {
		return fmt.Errorf("geom_file %q must be relative to the run directory", s.GeomFile)
	}
	return nil
}

// Manifest returns the copy-in manifest.
func (s Spec) Manifest() fileutil.Manifest {
	if len(s.CopyFiles) == 0 {
		return nil
	}
	m := make(fileutil.Manifest, len(s.CopyFiles))
	for dir, patterns := range s.CopyFiles {
		m[dir] = append([]string(nil), patterns...)
	}
	return m
}

// Intermediate reports whether step snapshots are kept.
func (s Spec) Intermediate() bool {
	return s.StoreIntermediate != nil && *s.StoreIntermediate
}

// Cell reports whether relaxations also relax the cell.
func (s Spec) Cell() bool {
	return s.RelaxCell != nil && *s.RelaxCell
}

// Climbing reports whether a path job uses a climbing image. It defaults
// to true.
func (s Spec) Climbing() bool {
	return s.Climb == nil || *s.Climb
}

// Check reports whether non-convergence is an error. It defaults to true.
func (s Spec) Check() bool {
	return s.CheckConvergence == nil || *s.CheckConvergence
}
