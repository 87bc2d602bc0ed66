package optimize

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/config"
)

// FIRE is the fast inertial relaxation engine.
type FIRE struct {
	Dt      float64
	MaxStep float64
	DtMax   float64
	NMin    int
	FInc    float64
	FDec    float64
	AStart  float64
	FA      float64

	a      float64
	v      *mat.VecDense
	nSteps int
}

// NewFIRE reads dt, maxstep, dtmax, nmin, finc, fdec, astart and fa from
// params.
func NewFIRE(params config.Params) (*FIRE, error) {
	f := &FIRE{}
	floats := []struct {
		key string
		dst *float64
		def float64
	}{
		{"dt", &f.Dt, 0.1},
		{"maxstep", &f.MaxStep, 0.2},
		{"dtmax", &f.DtMax, 1.0},
		{"finc", &f.FInc, 1.1},
		{"fdec", &f.FDec, 0.5},
		{"astart", &f.AStart, 0.1},
		{"fa", &f.FA, 0.99},
	}
	for _, p := range floats {
		v, err := params.Float(p.key, p.def)
		if err != nil {
			return nil, err
		}
		if v <= 0 {
			return nil, fmt.Errorf("fire: %s must be positive", p.key)
		}
		*p.dst = v
	}
	nmin, err := params.Int("nmin", 5)
	if err != nil {
		return nil, err
	}
	f.NMin = nmin
	f.a = f.AStart
	return f, nil
}

func (f *FIRE) Name() string { return NameFIRE }

func (f *FIRE) Parameters() map[string]any {
	return map[string]any{
		"optimizer": NameFIRE,
		"dt":        f.Dt,
		"maxstep":   f.MaxStep,
		"dtmax":     f.DtMax,
		"nmin":      f.NMin,
		"finc":      f.FInc,
		"fdec":      f.FDec,
		"astart":    f.AStart,
		"fa":        f.FA,
	}
}

// Step returns the next positions.
func (f *FIRE) Step(positions, forces *mat.Dense) (*mat.Dense, error) {
	if _, err := checkShapes(positions, forces); err != nil {
		return nil, err
	}
	force := flatten(forces)

	if f.v == nil || f.v.Len() != force.Len() {
		f.v = mat.NewVecDense(force.Len(), nil)
	} else {
		vf := mat.Dot(force, f.v)
		if vf > 0 {
			fnorm := mat.Norm(force, 2)
			vnorm := mat.Norm(f.v, 2)
			f.v.ScaleVec(1-f.a, f.v)
			if fnorm > 0 {
				f.v.AddScaledVec(f.v, f.a*vnorm/fnorm, force)
			}
			if f.nSteps > f.NMin {
				f.Dt = math.Min(f.Dt*f.FInc, f.DtMax)
				f.a *= f.FA
			}
			f.nSteps++
		} else {
			f.v.Zero()
			f.a = f.AStart
			f.Dt *= f.FDec
			f.nSteps = 0
		}
	}

	f.v.AddScaledVec(f.v, f.Dt, force)
	var dr mat.VecDense
	dr.ScaleVec(f.Dt, f.v)
	if norm := mat.Norm(&dr, 2); norm > f.MaxStep {
		dr.ScaleVec(f.MaxStep/norm, &dr)
	}

	var next mat.Dense
	next.Add(positions, unflatten(&dr))
	return &next, nil
}
