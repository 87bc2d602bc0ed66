// Package calculator builds atoms.Calculator values from configuration.
package calculator

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/calcerr"
	"github.com/mattjoyce/calcflow/internal/calculator/external"
	"github.com/mattjoyce/calcflow/internal/calculator/lj"
	"github.com/mattjoyce/calcflow/internal/config"
)

// Registry holds the configured calculators by name.
type Registry struct {
	configs map[string]config.CalculatorConfig
}

// NewRegistry returns a registry over the calculators section.
func NewRegistry(configs map[string]config.CalculatorConfig) *Registry {
	copied := make(map[string]config.CalculatorConfig, len(configs))
	for k, v := range configs {
		copied[k] = v
	}
	return &Registry{configs: copied}
}

// Names lists configured calculators in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for n := range r.configs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get builds a fresh calculator for name. Extra params override the
// configured ones.
func (r *Registry) Get(name string, extra config.Params) (atoms.Calculator, error) {
	cc, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", calcerr.ErrNoCalculator, name)
	}
	if len(extra) > 0 {
		merged := make(config.Params, len(cc.Params)+len(extra))
		for k, v := range cc.Params {
			merged[k] = v
		}
		for k, v := range extra {
			merged[k] = v
		}
		cc.Params = merged
	}
	return Build(name, cc)
}

// Build constructs the calculator described by cc.
func Build(name string, cc config.CalculatorConfig) (atoms.Calculator, error) {
	if cc.Kind == config.KindLJ {
		return lj.New(cc.Params)
	}

	var backend external.Backend
	switch cc.Kind {
	case config.KindXTB:
		backend = external.XTB{}
	case config.KindORCA:
		backend = external.ORCA{}
	case config.KindGaussian:
		backend = external.Gaussian{}
	case config.KindGULP:
		backend = external.GULP{}
	case config.KindProtocol:
		backend = external.Protocol{}
	default:
		return nil, fmt.Errorf("calculator %q: unknown kind %q", name, cc.Kind)
	}
	if cc.Command == "" {
		return nil, fmt.Errorf("calculator %q: command is required", name)
	}

	program := external.Program{
		Command:    cc.Command,
		Args:       cc.Args,
		Env:        cc.Env,
		Timeout:    cc.Timeout.Std(),
		StdoutCopy: cc.Stdout,
	}
	return external.New(name, backend, program, cc.Params), nil
}

// Kind returns the configured kind of name.
func (r *Registry) Kind(name string) (string, bool) {
	cc, ok := r.configs[name]
	return cc.Kind, ok
}
