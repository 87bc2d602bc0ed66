package geomio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/atoms"
)

func bulkCu(t *testing.T) *atoms.Structure {
	t.Helper()
	a := 3.61
	s, err := atoms.New([]string{"Cu", "Cu", "Cu", "Cu"}, [][3]float64{
		{0, 0, 0}, {0, a / 2, a / 2}, {a / 2, 0, a / 2}, {a / 2, a / 2, 0},
	})
	require.NoError(t, err)
	s.SetCell(mat.NewDense(3, 3, []float64{a, 0, 0, 0, a, 0, 0, 0, a}), [3]bool{true, true, true})
	return s
}

func TestDetect(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"mol.xyz", FormatXYZ},
		{"opt.traj.gz", FormatXYZ},
		{"frames.extxyz", FormatXYZ},
		{"POSCAR", FormatVASP},
		{"CONTCAR.gz", FormatVASP},
		{"bulk.vasp", FormatVASP},
		{"gulp.cif", FormatCIF},
	}
	for _, tt := range tests {
		got, err := Detect(tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}

	_, err := Detect("orca.out")
	assert.Error(t, err)
}

func TestExtXYZRoundTripWithResults(t *testing.T) {
	s := bulkCu(t)
	s.Info["step"] = 3
	s.Info["note"] = "relaxed cell"
	s.SetResults(atoms.Results{
		"energy": -14.25,
		"forces": mat.NewDense(4, 3, []float64{0.1, 0, 0, 0, -0.1, 0, 0, 0, 0.2, 0, 0, 0}),
		"stress": []float64{1, 2, 3, 4, 5, 6},
	})

	path := filepath.Join(t.TempDir(), "cu.extxyz.gz")
	require.NoError(t, Write(path, s))

	got, err := ReadLast(path)
	require.NoError(t, err)
	assert.Equal(t, s.Symbols, got.Symbols)
	assert.True(t, mat.EqualApprox(s.Positions, got.Positions, 1e-8))
	assert.True(t, mat.EqualApprox(s.Cell, got.Cell, 1e-12))
	assert.Equal(t, [3]bool{true, true, true}, got.PBC)
	assert.Equal(t, 3, got.Info["step"])
	assert.Equal(t, "relaxed cell", got.Info["note"])

	res := got.Results()
	e, ok := res.Energy()
	require.True(t, ok)
	assert.Equal(t, -14.25, e)
	f, ok := res.Forces()
	require.True(t, ok)
	assert.InDelta(t, 0.2, f.At(2, 2), 1e-8)
	st, ok := res.Stress()
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, st)
}

func TestReadPlainXYZMultiFrame(t *testing.T) {
	data := "2\nwater fragment\nO 0 0 0\nH 0 0 0.96\n\n2\nframe two\nO 0 0 0.1\nH 0 0 1.0\n"
	path := filepath.Join(t.TempDir(), "frag.xyz")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	frames, err := Read(path)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Nil(t, frames[0].Cell)
	assert.InDelta(t, 0.1, frames[1].Positions.At(0, 2), 1e-12)

	last, err := ReadLast(path)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, last.Positions.At(1, 2), 1e-12)
}

func TestReadXYZErrors(t *testing.T) {
	tests := map[string]string{
		"bad count":     "x\ncomment\n",
		"truncated":     "3\ncomment\nH 0 0 0\n",
		"bad coords":    "1\ncomment\nH a b c\n",
		"narrow pos":    "2\nProperties=species:S:1:pos:R:2\nCu 0 0\nCu 1 1\n",
		"narrow forces": "1\nProperties=species:S:1:pos:R:3:forces:R:1\nCu 0 0 0 1\n",
		"wide species":  "1\nProperties=species:S:2:pos:R:3\nCu Cu 0 0 0\n",
		"no species":    "1\nProperties=pos:R:3\n0 0 0\n",
		"no pos":        "1\nProperties=species:S:1\nCu\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(data), FormatXYZ)
			assert.Error(t, err)
		})
	}
}

func TestEmptyFileHasNoFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xyz")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := Read(path)
	assert.ErrorIs(t, err, ErrNoFrames)
}

func TestParseKeyValues(t *testing.T) {
	kv := parseKeyValues(`Lattice="1 0 0 0 1 0 0 0 1" Properties=species:S:1:pos:R:3 energy=-1.5 pbc="T T F" fixed`)
	assert.Equal(t, "1 0 0 0 1 0 0 0 1", kv["Lattice"])
	assert.Equal(t, "-1.5", kv["energy"])
	assert.Equal(t, "T T F", kv["pbc"])
	assert.Equal(t, "T", kv["fixed"])
	assert.Equal(t, [3]bool{true, true, false}, parsePBC(kv["pbc"]))
}

func TestPOSCARRoundTrip(t *testing.T) {
	s, err := atoms.New([]string{"Cu", "Cu", "O", "Cu"}, [][3]float64{{0, 0, 0}, {1, 1, 1}, {0.5, 0.5, 0.5}, {2, 2, 2}})
	require.NoError(t, err)
	s.SetCell(mat.NewDense(3, 3, []float64{4, 0, 0, 0, 4, 0, 0, 0, 4}), [3]bool{true, true, true})

	path := filepath.Join(t.TempDir(), "POSCAR")
	require.NoError(t, Write(path, s))

	got, err := ReadLast(path)
	require.NoError(t, err)
	assert.Equal(t, s.Symbols, got.Symbols, "species runs preserve order")
	assert.True(t, mat.EqualApprox(s.Positions, got.Positions, 1e-10))
	assert.True(t, mat.EqualApprox(s.Cell, got.Cell, 1e-10))
}

func TestReadPOSCARDirectSelectiveDynamics(t *testing.T) {
	data := `Cu bulk
2.0
 1.0 0.0 0.0
 0.0 1.0 0.0
 0.0 0.0 1.0
 Cu_pv O
 1 1
Selective dynamics
Direct
 0.0 0.0 0.0 T T T
 0.5 0.5 0.5 F F F
`
	frames, err := Decode(strings.NewReader(data), FormatVASP)
	require.NoError(t, err)
	s := frames[0]
	assert.Equal(t, []string{"Cu", "O"}, s.Symbols)
	assert.InDelta(t, 2.0, s.Cell.At(0, 0), 1e-12)
	assert.InDelta(t, 1.0, s.Positions.At(1, 2), 1e-12)
}

func TestReadPOSCARVasp4(t *testing.T) {
	data := "Cu O\n1.0\n3 0 0\n0 3 0\n0 0 3\n1 1\nCartesian\n0 0 0\n1.5 1.5 1.5\n"
	frames, err := Decode(strings.NewReader(data), FormatVASP)
	require.NoError(t, err)
	assert.Equal(t, []string{"Cu", "O"}, frames[0].Symbols)
}

func TestWritePOSCARRequiresCell(t *testing.T) {
	s, err := atoms.New([]string{"H"}, [][3]float64{{0, 0, 0}})
	require.NoError(t, err)
	assert.Error(t, Write(filepath.Join(t.TempDir(), "POSCAR"), s))
}
