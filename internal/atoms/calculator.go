package atoms

//go:generate mockgen -destination=mocks/mock_calculator.go -package=mocks github.com/mattjoyce/calcflow/internal/atoms Calculator

import (
	"context"

	"gonum.org/v1/gonum/mat"
)

// Property names a quantity a calculator can be asked to compute.
type Property string

const (
	PropEnergy  Property = "energy"
	PropForces  Property = "forces"
	PropStress  Property = "stress"
	PropMagmoms Property = "magmoms"
	PropDipole  Property = "dipole"
)

// DefaultProperties is requested when a caller does not name any.
var DefaultProperties = []Property{PropEnergy, PropForces}

// Calculator computes properties for a structure. dir is the working
// directory the calculation must read and write in; implementations never
// change the process working directory.
type Calculator interface {
	Name() string
	Parameters() map[string]any
	Calculate(ctx context.Context, dir string, s *Structure, props []Property) (Results, error)
}

// Results holds calculator output keyed by property name. Energies are in
// eV, forces in eV/Å, stress in eV/Å³ (Voigt order).
type Results map[string]any

// Energy returns the total energy.
func (r Results) Energy() (float64, bool) {
	v, ok := r[string(PropEnergy)].(float64)
	return v, ok
}

// Forces returns the N×3 force matrix.
func (r Results) Forces() (*mat.Dense, bool) {
	v, ok := r[string(PropForces)].(*mat.Dense)
	return v, ok && v != nil
}

// Stress returns the six-component Voigt stress.
func (r Results) Stress() ([]float64, bool) {
	v, ok := r[string(PropStress)].([]float64)
	return v, ok
}

// Magmoms returns per-site magnetic moments.
func (r Results) Magmoms() ([]float64, bool) {
	v, ok := r[string(PropMagmoms)].([]float64)
	return v, ok
}

// Clone returns a deep copy of r.
func (r Results) Clone() Results {
	if r == nil {
		return nil
	}
	out := make(Results, len(r))
	for k, v := range r {
		out[k] = CloneValue(v)
	}
	return out
}

// MaxForce returns the largest per-atom force norm.
func MaxForce(f *mat.Dense) float64 {
	if f == nil {
		return 0
	}
	n, _ := f.Dims()
	maxF := 0.0
	for i := 0; i < n; i++ {
		if v := mat.Norm(f.RowView(i), 2); v > maxF {
			maxF = v
		}
	}
	return maxF
}
