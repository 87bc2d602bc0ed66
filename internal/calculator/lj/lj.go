// Package lj is an in-process Lennard-Jones pair potential with a shifted
// cutoff and periodic images.
package lj

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/config"
)

// Calculator evaluates E = Σ 4ε[(σ/r)¹² − (σ/r)⁶] − e(rc) over pairs
// closer than rc. It needs no working directory.
type Calculator struct {
	Sigma   float64
	Epsilon float64
	Cutoff  float64
}

var _ atoms.Calculator = (*Calculator)(nil)

// New reads sigma, epsilon and rc from params. rc defaults to 3σ.
func New(params config.Params) (*Calculator, error) {
	sigma, err := params.Float("sigma", 1)
	if err != nil {
		return nil, err
	}
	epsilon, err := params.Float("epsilon", 1)
	if err != nil {
		return nil, err
	}
	rc, err := params.Float("rc", 3*sigma)
	if err != nil {
		return nil, err
	}
	if sigma <= 0 || rc <= 0 {
		return nil, fmt.Errorf("lj: sigma and rc must be positive")
	}
	return &Calculator{Sigma: sigma, Epsilon: epsilon, Cutoff: rc}, nil
}

func (c *Calculator) Name() string { return "lj" }

func (c *Calculator) Parameters() map[string]any {
	return map[string]any{"sigma": c.Sigma, "epsilon": c.Epsilon, "rc": c.Cutoff}
}

// Calculate computes energy and forces, and stress for 3D periodic cells.
func (c *Calculator) Calculate(ctx context.Context, _ string, s *atoms.Structure, props []atoms.Property) (atoms.Results, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wantStress := false
	for _, p := range props {
		switch p {
		case atoms.PropEnergy, atoms.PropForces:
		case atoms.PropStress:
			wantStress = true
		default:
			return nil, fmt.Errorf("lj: property %q not implemented", p)
		}
	}
	if wantStress && !(s.PBC[0] && s.PBC[1] && s.PBC[2]) {
		return nil, fmt.Errorf("lj: stress requires a cell periodic in all three directions")
	}

	images, err := c.images(s)
	if err != nil {
		return nil, err
	}

	n := s.Len()
	rc2 := c.Cutoff * c.Cutoff
	e0 := c.pairEnergy(rc2)

	energy := 0.0
	forces := mat.NewDense(max(n, 1), 3, nil)
	var virial [3][3]float64
	for i := 0; i < n; i++ {
		ri := s.Position(i)
		fi := [3]float64{}
		for j := 0; j < n; j++ {
			rj := s.Position(j)
			for _, shift := range images {
				if i == j && shift == [3]float64{} {
					continue
				}
				var d [3]float64
				for k := 0; k < 3; k++ {
					d[k] = rj[k] + shift[k] - ri[k]
				}
				r2 := d[0]*d[0] + d[1]*d[1] + d[2]*d[2]
				if r2 >= rc2 {
					continue
				}
				energy += 0.5 * (c.pairEnergy(r2) - e0)

				// dφ/dr · 1/r
				sr6 := math.Pow(c.Sigma*c.Sigma/r2, 3)
				g := 24 * c.Epsilon * (sr6 - 2*sr6*sr6) / r2
				for a := 0; a < 3; a++ {
					fi[a] += g * d[a]
					for b := 0; b < 3; b++ {
						virial[a][b] += 0.5 * g * d[a] * d[b]
					}
				}
			}
		}
		if n > 0 {
			forces.SetRow(i, fi[:])
		}
	}

	res := atoms.Results{string(atoms.PropEnergy): energy}
	if n > 0 {
		res[string(atoms.PropForces)] = forces
	}
	if wantStress {
		v := s.Volume()
		if v == 0 {
			return nil, fmt.Errorf("lj: cell has zero volume")
		}
		res[string(atoms.PropStress)] = []float64{
			virial[0][0] / v, virial[1][1] / v, virial[2][2] / v,
			virial[1][2] / v, virial[0][2] / v, virial[0][1] / v,
		}
	}
	return res, nil
}

func (c *Calculator) pairEnergy(r2 float64) float64 {
	sr6 := math.Pow(c.Sigma*c.Sigma/r2, 3)
	return 4 * c.Epsilon * (sr6*sr6 - sr6)
}

// images lists the lattice translations that can bring a neighbor within
// the cutoff. The range along a periodic axis is rc times the norm of the
// matching reciprocal vector, plus one cell for sites outside [0, 1).
func (c *Calculator) images(s *atoms.Structure) ([][3]float64, error) {
	if !s.Periodic() {
		return [][3]float64{{}}, nil
	}
	var inv mat.Dense
	if err := inv.Inverse(s.Cell); err != nil {
		return nil, fmt.Errorf("lj: singular cell: %w", err)
	}

	var nmax [3]int
	for k := 0; k < 3; k++ {
		if !s.PBC[k] {
			continue
		}
		// Column k of the inverse is the k-th reciprocal vector.
		recip := mat.Norm(inv.ColView(k), 2)
		nmax[k] = int(math.Ceil(c.Cutoff*recip)) + 1
	}

	var out [][3]float64
	for a := -nmax[0]; a <= nmax[0]; a++ {
		for b := -nmax[1]; b <= nmax[1]; b++ {
			for cc := -nmax[2]; cc <= nmax[2]; cc++ {
				var shift [3]float64
				for k := 0; k < 3; k++ {
					shift[k] = float64(a)*s.Cell.At(0, k) + float64(b)*s.Cell.At(1, k) + float64(cc)*s.Cell.At(2, k)
				}
				out = append(out, shift)
			}
		}
	}
	return out, nil
}
