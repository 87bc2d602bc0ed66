package protocol

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/atoms"
)

// FromStructure converts s to its wire form.
func FromStructure(s *atoms.Structure) Structure {
	out := Structure{
		Symbols:      append([]string(nil), s.Symbols...),
		Positions:    make([][3]float64, s.Len()),
		PBC:          s.PBC,
		Charge:       s.Charge,
		Multiplicity: s.Multiplicity,
		Magmoms:      append([]float64(nil), s.Magmoms...),
	}
	for i := range out.Positions {
		out.Positions[i] = s.Position(i)
	}
	if s.Cell != nil {
		var c [3][3]float64
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				c[i][j] = s.Cell.At(i, j)
			}
		}
		out.Cell = &c
	}
	return out
}

// ToResults converts wire results into atoms.Results for n sites.
func (r *Results) ToResults(n int) (atoms.Results, error) {
	out := atoms.Results{}
	if r.Energy != nil {
		out[string(atoms.PropEnergy)] = *r.Energy
	}
	if len(r.Forces) > 0 {
		if len(r.Forces) != n {
			return nil, fmt.Errorf("got forces for %d atoms, want %d", len(r.Forces), n)
		}
		f := mat.NewDense(n, 3, nil)
		for i, row := range r.Forces {
			f.SetRow(i, row[:])
		}
		out[string(atoms.PropForces)] = f
	}
	if r.Stress != nil {
		if len(r.Stress) != 6 {
			return nil, fmt.Errorf("stress has %d components, want 6", len(r.Stress))
		}
		out[string(atoms.PropStress)] = append([]float64(nil), r.Stress...)
	}
	if r.Magmoms != nil {
		out[string(atoms.PropMagmoms)] = append([]float64(nil), r.Magmoms...)
	}
	if r.Dipole != nil {
		out[string(atoms.PropDipole)] = append([]float64(nil), r.Dipole...)
	}
	for k, v := range r.Extra {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out, nil
}
