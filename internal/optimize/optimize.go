// Package optimize implements the geometry optimizers driven by the run
// executor. Positions and forces are N×3 matrices in Å and eV/Å.
package optimize

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/config"
)

// Optimizer proposes new positions from the current positions and forces.
// Implementations keep their own history between calls.
type Optimizer interface {
	Name() string
	Parameters() map[string]any
	Step(positions, forces *mat.Dense) (*mat.Dense, error)
}

// Names of the available optimizers.
const (
	NameBFGS = "bfgs"
	NameFIRE = "fire"
)

// New returns the optimizer called name configured from params.
func New(name string, params config.Params) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "", NameBFGS:
		return NewBFGS(params)
	case NameFIRE:
		return NewFIRE(params)
	default:
		return nil, fmt.Errorf("unknown optimizer %q (want %s or %s)", name, NameBFGS, NameFIRE)
	}
}

func checkShapes(positions, forces *mat.Dense) (int, error) {
	if positions == nil || forces == nil {
		return 0, fmt.Errorf("positions and forces are required")
	}
	n, c := positions.Dims()
	fn, fc := forces.Dims()
	if c != 3 || fc != 3 || n != fn {
		return 0, fmt.Errorf("positions %dx%d and forces %dx%d do not match", n, c, fn, fc)
	}
	return n, nil
}

func flatten(m *mat.Dense) *mat.VecDense {
	n, _ := m.Dims()
	v := mat.NewVecDense(3*n, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < 3; k++ {
			v.SetVec(3*i+k, m.At(i, k))
		}
	}
	return v
}

func unflatten(v mat.Vector) *mat.Dense {
	n := v.Len() / 3
	m := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < 3; k++ {
			m.Set(i, k, v.AtVec(3*i+k))
		}
	}
	return m
}
