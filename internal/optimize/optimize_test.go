package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/config"
)

// harmonic returns forces for E = k/2 |r - r0|².
func harmonic(k float64, r0, r *mat.Dense) *mat.Dense {
	var f mat.Dense
	f.Sub(r0, r)
	f.Scale(k, &f)
	return &f
}

func relax(t *testing.T, opt Optimizer, steps int) (*mat.Dense, float64) {
	t.Helper()
	r0 := mat.NewDense(2, 3, []float64{0, 0, 0, 1, 1, 1})
	r := mat.NewDense(2, 3, []float64{0.05, -0.05, 0.02, 1.1, 0.95, 1.0})
	for i := 0; i < steps; i++ {
		f := harmonic(5, r0, r)
		if atoms.MaxForce(f) < 1e-4 {
			return r, atoms.MaxForce(f)
		}
		next, err := opt.Step(r, f)
		require.NoError(t, err)
		r = next
	}
	return r, atoms.MaxForce(harmonic(5, r0, r))
}

func TestBFGSConvergesOnHarmonicWell(t *testing.T) {
	opt, err := NewBFGS(config.Params{"alpha": 5})
	require.NoError(t, err)

	_, fmax := relax(t, opt, 5)
	assert.Less(t, fmax, 1e-4)
}

func TestBFGSDefaultAlphaStillConverges(t *testing.T) {
	opt, err := New("bfgs", nil)
	require.NoError(t, err)

	_, fmax := relax(t, opt, 50)
	assert.Less(t, fmax, 1e-4)
}

func TestBFGSLimitsStepLength(t *testing.T) {
	opt, err := NewBFGS(config.Params{"maxstep": 0.1, "alpha": 1})
	require.NoError(t, err)

	r := mat.NewDense(1, 3, []float64{0, 0, 0})
	f := mat.NewDense(1, 3, []float64{10, 0, 0})
	next, err := opt.Step(r, f)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, next.At(0, 0), 1e-12)
}

func TestFIREConverges(t *testing.T) {
	opt, err := New("FIRE", nil)
	require.NoError(t, err)

	_, fmax := relax(t, opt, 500)
	assert.Less(t, fmax, 1e-4)
	assert.Equal(t, NameFIRE, opt.Name())
	assert.Equal(t, 5, opt.Parameters()["nmin"])
}

func TestFIRELimitsStepLength(t *testing.T) {
	opt, err := NewFIRE(config.Params{"dt": 1.0, "maxstep": 0.05})
	require.NoError(t, err)

	r := mat.NewDense(1, 3, []float64{0, 0, 0})
	f := mat.NewDense(1, 3, []float64{0, 100, 0})
	next, err := opt.Step(r, f)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, next.At(0, 1), 1e-12)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("lbfgs", nil)
	assert.Error(t, err)

	_, err = New("bfgs", config.Params{"maxstep": -1})
	assert.Error(t, err)

	_, err = New("fire", config.Params{"dt": "fast"})
	assert.Error(t, err)

	opt, err := New("bfgs", nil)
	require.NoError(t, err)
	_, err = opt.Step(mat.NewDense(2, 3, nil), mat.NewDense(1, 3, nil))
	assert.Error(t, err)
}
