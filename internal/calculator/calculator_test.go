package calculator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/calcflow/internal/calcerr"
	"github.com/mattjoyce/calcflow/internal/calculator/external"
	"github.com/mattjoyce/calcflow/internal/calculator/lj"
	"github.com/mattjoyce/calcflow/internal/config"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry(map[string]config.CalculatorConfig{
		"lj-cu": {Kind: config.KindLJ, Params: config.Params{"sigma": 2.3, "epsilon": 0.4}},
		"xtb":   {Kind: config.KindXTB, Command: "xtb", Params: config.Params{"method": "gfn2"}},
	})
	assert.Equal(t, []string{"lj-cu", "xtb"}, reg.Names())

	c, err := reg.Get("lj-cu", config.Params{"epsilon": 0.5})
	require.NoError(t, err)
	ljc, ok := c.(*lj.Calculator)
	require.True(t, ok)
	assert.Equal(t, 2.3, ljc.Sigma)
	assert.Equal(t, 0.5, ljc.Epsilon)

	c, err = reg.Get("xtb", nil)
	require.NoError(t, err)
	_, ok = c.(*external.Calculator)
	assert.True(t, ok)
	assert.Equal(t, "xtb", c.Name())
	assert.Equal(t, "gfn2", c.Parameters()["method"])

	kind, ok := reg.Kind("xtb")
	assert.True(t, ok)
	assert.Equal(t, config.KindXTB, kind)

	_, err = reg.Get("vasp", nil)
	assert.True(t, errors.Is(err, calcerr.ErrNoCalculator))
}

func TestBuildRejects(t *testing.T) {
	_, err := Build("x", config.CalculatorConfig{Kind: "dftb"})
	assert.Error(t, err)

	_, err = Build("x", config.CalculatorConfig{Kind: config.KindORCA})
	assert.Error(t, err)

	_, err = Build("x", config.CalculatorConfig{Kind: config.KindLJ, Params: config.Params{"sigma": "big"}})
	assert.Error(t, err)
}
