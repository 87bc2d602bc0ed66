package runner

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/atoms"
)

// cellFilter exposes the cell of a periodic structure to a position
// optimizer as three extra rows. Atom rows hold positions mapped back into
// the reference cell; the last three rows hold the deformation gradient
// scaled by factor. Forces on the cell rows come from the virial, so a
// zero generalized force means zero forces and zero stress.
type cellFilter struct {
	s      *atoms.Structure
	ref    *mat.Dense
	factor float64
}

func newCellFilter(s *atoms.Structure) (*cellFilter, error) {
	if !s.Periodic() {
		return nil, fmt.Errorf("cell relaxation needs a periodic cell")
	}
	if s.Volume() == 0 {
		return nil, fmt.Errorf("cell relaxation needs a cell with non-zero volume")
	}
	return &cellFilter{s: s, ref: mat.DenseCopyOf(s.Cell), factor: float64(s.Len())}, nil
}

// deformation returns F with cell = ref·Fᵀ.
func (c *cellFilter) deformation() (*mat.Dense, error) {
	var ft mat.Dense
	if err := ft.Solve(c.ref, c.s.Cell); err != nil {
		return nil, fmt.Errorf("deformation gradient: %w", err)
	}
	return mat.DenseCopyOf(ft.T()), nil
}

// positions returns the (N+3)×3 generalized coordinates.
func (c *cellFilter) positions() (*mat.Dense, error) {
	f, err := c.deformation()
	if err != nil {
		return nil, err
	}
	n := c.s.Len()
	// undeformed = r·F⁻ᵀ, solved as F·undeformedᵀ = rᵀ
	var ut mat.Dense
	if err := ut.Solve(f, c.s.Positions.T()); err != nil {
		return nil, fmt.Errorf("undeform positions: %w", err)
	}
	out := mat.NewDense(n+3, 3, nil)
	out.Slice(0, n, 0, 3).(*mat.Dense).Copy(ut.T())
	var scaled mat.Dense
	scaled.Scale(c.factor, f)
	out.Slice(n, n+3, 0, 3).(*mat.Dense).Copy(&scaled)
	return out, nil
}

// forces converts atomic forces and Voigt stress into generalized forces.
func (c *cellFilter) forces(res atoms.Results) (*mat.Dense, error) {
	atomForces, ok := res.Forces()
	if !ok {
		return nil, fmt.Errorf("cell relaxation: calculator returned no forces")
	}
	stress, ok := res.Stress()
	if !ok || len(stress) != 6 {
		return nil, fmt.Errorf("cell relaxation: calculator returned no stress")
	}
	f, err := c.deformation()
	if err != nil {
		return nil, err
	}

	full := mat.NewDense(3, 3, []float64{
		stress[0], stress[5], stress[4],
		stress[5], stress[1], stress[3],
		stress[4], stress[3], stress[2],
	})
	var virial mat.Dense
	virial.Scale(-c.s.Volume(), full)
	// virial·F⁻ᵀ, solved as F·Xᵀ = virialᵀ
	var vt mat.Dense
	if err := vt.Solve(f, virial.T()); err != nil {
		return nil, fmt.Errorf("transform virial: %w", err)
	}

	n := c.s.Len()
	out := mat.NewDense(n+3, 3, nil)
	out.Slice(0, n, 0, 3).(*mat.Dense).Mul(atomForces, f)
	var cellRows mat.Dense
	cellRows.Scale(1/c.factor, vt.T())
	out.Slice(n, n+3, 0, 3).(*mat.Dense).Copy(&cellRows)
	return out, nil
}

// setPositions applies generalized coordinates: the cell rows set the new
// deformation and the atom rows are deformed with it.
func (c *cellFilter) setPositions(p *mat.Dense) error {
	n := c.s.Len()
	if r, cols := p.Dims(); r != n+3 || cols != 3 {
		return fmt.Errorf("cell filter: got %dx%d coordinates, want %dx3", r, cols, n+3)
	}
	var f mat.Dense
	f.Scale(1/c.factor, p.Slice(n, n+3, 0, 3))

	var cell mat.Dense
	cell.Mul(c.ref, f.T())
	var pos mat.Dense
	pos.Mul(p.Slice(0, n, 0, 3), f.T())

	c.s.SetCell(&cell, c.s.PBC)
	return c.s.SetPositions(&pos)
}
