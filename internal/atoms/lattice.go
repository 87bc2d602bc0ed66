package atoms

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CellParameters returns a, b, c (Å) and alpha, beta, gamma (degrees).
func CellParameters(cell *mat.Dense) [6]float64 {
	a := mat.Row(nil, 0, cell)
	b := mat.Row(nil, 1, cell)
	c := mat.Row(nil, 2, cell)
	la, lb, lc := floats.Norm(a, 2), floats.Norm(b, 2), floats.Norm(c, 2)
	angle := func(u, v []float64, lu, lv float64) float64 {
		if lu == 0 || lv == 0 {
			return 90
		}
		cos := floats.Dot(u, v) / (lu * lv)
		cos = math.Max(-1, math.Min(1, cos))
		return math.Acos(cos) * 180 / math.Pi
	}
	return [6]float64{la, lb, lc, angle(b, c, lb, lc), angle(a, c, la, lc), angle(a, b, la, lb)}
}

// CellFromParameters builds a lattice with a along x and b in the xy plane.
func CellFromParameters(p [6]float64) *mat.Dense {
	a, b, c := p[0], p[1], p[2]
	alpha, beta, gamma := p[3]*math.Pi/180, p[4]*math.Pi/180, p[5]*math.Pi/180

	cosA, cosB, cosG := clean(math.Cos(alpha)), clean(math.Cos(beta)), clean(math.Cos(gamma))
	sinG := clean(math.Sin(gamma))

	cx := c * cosB
	cy := c * (cosA - cosB*cosG) / sinG
	cz := math.Sqrt(math.Max(0, c*c-cx*cx-cy*cy))

	return mat.NewDense(3, 3, []float64{
		a, 0, 0,
		b * cosG, b * sinG, 0,
		cx, cy, cz,
	})
}

func clean(v float64) float64 {
	if math.Abs(v) < 1e-12 {
		return 0
	}
	return v
}

// CrystalSystem classifies a lattice from its parameters. It does not
// inspect site symmetry, so it is an upper bound on the true system.
func CrystalSystem(p [6]float64) string {
	const lt, at = 1e-3, 1e-2
	eq := func(x, y, tol float64) bool { return math.Abs(x-y) <= tol*math.Max(1, math.Abs(y)) }
	a, b, c := p[0], p[1], p[2]
	al, be, ga := p[3], p[4], p[5]
	right := func(x float64) bool { return math.Abs(x-90) <= at*90 }

	switch {
	case eq(a, b, lt) && eq(b, c, lt) && right(al) && right(be) && right(ga):
		return "cubic"
	case eq(a, b, lt) && eq(b, c, lt) && eq(al, be, at) && eq(be, ga, at):
		return "trigonal"
	case eq(a, b, lt) && right(al) && right(be) && math.Abs(ga-120) <= at*120:
		return "hexagonal"
	case eq(a, b, lt) && right(al) && right(be) && right(ga):
		return "tetragonal"
	case right(al) && right(be) && right(ga):
		return "orthorhombic"
	case right(al) && right(ga), right(al) && right(be), right(be) && right(ga):
		return "monoclinic"
	default:
		return "triclinic"
	}
}

// FractionalToCartesian converts fractional coordinates using cell rows.
func FractionalToCartesian(cell *mat.Dense, frac [3]float64) [3]float64 {
	var out [3]float64
	for j := 0; j < 3; j++ {
		for i := 0; i < 3; i++ {
			out[j] += frac[i] * cell.At(i, j)
		}
	}
	return out
}

// CartesianToFractional inverts FractionalToCartesian.
func CartesianToFractional(cell *mat.Dense, cart [3]float64) ([3]float64, error) {
	var inv mat.Dense
	if err := inv.Inverse(cell); err != nil {
		return [3]float64{}, err
	}
	var out [3]float64
	for j := 0; j < 3; j++ {
		for i := 0; i < 3; i++ {
			out[j] += cart[i] * inv.At(i, j)
		}
	}
	return out, nil
}
