package optimize

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/config"
)

// BFGS is a quasi-Newton optimizer with an explicit Hessian, started from
// alpha times the identity.
type BFGS struct {
	MaxStep float64 // Å, largest displacement of any atom per step
	Alpha   float64 // eV/Å², initial Hessian diagonal

	h  *mat.SymDense
	r0 *mat.VecDense
	f0 *mat.VecDense
}

// NewBFGS reads maxstep and alpha from params.
func NewBFGS(params config.Params) (*BFGS, error) {
	maxStep, err := params.Float("maxstep", 0.2)
	if err != nil {
		return nil, err
	}
	alpha, err := params.Float("alpha", 70)
	if err != nil {
		return nil, err
	}
	if maxStep <= 0 || alpha <= 0 {
		return nil, fmt.Errorf("bfgs: maxstep and alpha must be positive")
	}
	return &BFGS{MaxStep: maxStep, Alpha: alpha}, nil
}

func (b *BFGS) Name() string { return NameBFGS }

func (b *BFGS) Parameters() map[string]any {
	return map[string]any{"optimizer": NameBFGS, "maxstep": b.MaxStep, "alpha": b.Alpha}
}

// Step returns the next positions.
func (b *BFGS) Step(positions, forces *mat.Dense) (*mat.Dense, error) {
	if _, err := checkShapes(positions, forces); err != nil {
		return nil, err
	}
	r := flatten(positions)
	f := flatten(forces)
	if b.h != nil && b.h.SymmetricDim() != r.Len() {
		return nil, fmt.Errorf("bfgs: atom count changed from %d to %d", b.h.SymmetricDim()/3, r.Len()/3)
	}
	b.update(r, f)

	var eig mat.EigenSym
	if ok := eig.Factorize(b.h, true); !ok {
		return nil, fmt.Errorf("bfgs: hessian eigendecomposition failed")
	}
	omega := eig.Values(nil)
	var v mat.Dense
	eig.VectorsTo(&v)

	// dr = V (fᵀV / |ω|)
	var proj mat.VecDense
	proj.MulVec(v.T(), f)
	for i := range omega {
		proj.SetVec(i, proj.AtVec(i)/math.Abs(omega[i]))
	}
	var dr mat.VecDense
	dr.MulVec(&v, &proj)

	step := unflatten(&dr)
	longest := 0.0
	n, _ := step.Dims()
	for i := 0; i < n; i++ {
		longest = math.Max(longest, mat.Norm(step.RowView(i), 2))
	}
	if longest > b.MaxStep {
		step.Scale(b.MaxStep/longest, step)
	}

	b.r0 = r
	b.f0 = f

	var next mat.Dense
	next.Add(positions, step)
	return &next, nil
}

func (b *BFGS) update(r, f *mat.VecDense) {
	if b.h == nil {
		n := r.Len()
		b.h = mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			b.h.SetSym(i, i, b.Alpha)
		}
		return
	}

	var dr, df mat.VecDense
	dr.SubVec(r, b.r0)
	if mat.Norm(&dr, math.Inf(1)) < 1e-7 {
		return
	}
	df.SubVec(f, b.f0)

	a := mat.Dot(&dr, &df)
	var dg mat.VecDense
	dg.MulVec(b.h, &dr)
	c := mat.Dot(&dr, &dg)
	if a == 0 || c == 0 {
		return
	}
	b.h.SymRankOne(b.h, -1/a, &df)
	b.h.SymRankOne(b.h, -1/c, &dg)
}
