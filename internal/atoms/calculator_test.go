package atoms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

type stubCalc struct{}

func (stubCalc) Name() string               { return "stub" }
func (stubCalc) Parameters() map[string]any { return nil }
func (stubCalc) Calculate(context.Context, string, *Structure, []Property) (Results, error) {
	return Results{}, nil
}

func TestResultsAccessors(t *testing.T) {
	r := Results{
		"energy":  -3.2,
		"forces":  mat.NewDense(1, 3, []float64{1, 0, 0}),
		"stress":  []float64{1, 2, 3, 0, 0, 0},
		"magmoms": []float64{0.5},
	}

	e, ok := r.Energy()
	assert.True(t, ok)
	assert.Equal(t, -3.2, e)

	f, ok := r.Forces()
	assert.True(t, ok)
	assert.Equal(t, 1.0, f.At(0, 0))

	s, ok := r.Stress()
	assert.True(t, ok)
	assert.Len(t, s, 6)

	m, ok := r.Magmoms()
	assert.True(t, ok)
	assert.Equal(t, []float64{0.5}, m)

	clone := r.Clone()
	cf, _ := clone.Forces()
	cf.Set(0, 0, 7)
	assert.Equal(t, 1.0, f.At(0, 0))
}

func TestResultsMissingKeys(t *testing.T) {
	var r Results
	_, ok := r.Energy()
	assert.False(t, ok)
	_, ok = r.Forces()
	assert.False(t, ok)
	assert.Nil(t, r.Clone())
}

func TestElementLookup(t *testing.T) {
	z, ok := AtomicNumber("Cu")
	assert.True(t, ok)
	assert.Equal(t, 29, z)

	sym, ok := Symbol(8)
	assert.True(t, ok)
	assert.Equal(t, "O", sym)

	_, ok = Symbol(500)
	assert.False(t, ok)
}
