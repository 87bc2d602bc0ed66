package parse

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/fileutil"
)

const gaussianLog = ` Entering Gaussian System
 Charge =  0 Multiplicity = 1
                         Standard orientation:
 SCF Done:  E(RB3LYP) =  -76.4089533     A.U. after   10 cycles
 Alpha  occ. eigenvalues --  -19.13692  -1.01678  -0.52617  -0.37623  -0.29946
 Alpha virt. eigenvalues --    0.06619   0.15069
 Mulliken charges:
               1
     1  O   -0.612345
     2  H    0.306172
     3  H    0.306173
 Sum of Mulliken charges =   0.00000
 Mulliken charges with hydrogens summed into heavy atoms:
               1
     1  O    0.000000
 -------------------------------------------------------------------
 Center     Atomic                   Forces (Hartrees/Bohr)
 Number     Number              X              Y              Z
 -------------------------------------------------------------------
      1        8           0.000000000    0.000000000    0.010000000
      2        1           0.000000000    0.005000000   -0.005000000
      3        1           0.000000000   -0.005000000   -0.005000000
 -------------------------------------------------------------------
                         Standard orientation:
 SCF Done:  E(RB3LYP) =  -76.4090000     A.U. after    6 cycles
 Optimization completed.
 Frequencies --   1600.1234              3700.5678              3800.9012
 Normal termination of Gaussian 16 at Mon Jan  1 00:00:00 2024.
`

func TestParseGaussian(t *testing.T) {
	out, err := ParseGaussian(strings.NewReader(gaussianLog))
	require.NoError(t, err)

	require.Len(t, out.Energies, 2)
	assert.InDelta(t, -76.4090000*atoms.Hartree, *out.FinalEnergy, 1e-9)
	assert.True(t, out.NormalTermination)
	require.NotNil(t, out.Converged)
	assert.True(t, *out.Converged)
	assert.Equal(t, 0, *out.Charge)
	assert.Equal(t, 1, *out.Multiplicity)
	assert.Equal(t, 2, out.GeometryFrames)
	assert.Equal(t, []float64{1600.1234, 3700.5678, 3800.9012}, out.Frequencies)
	assert.Equal(t, []float64{-0.612345, 0.306172, 0.306173}, out.Charges["mulliken"])

	require.Len(t, out.Forces, 3)
	assert.InDelta(t, 0.01*atoms.Hartree/atoms.Bohr, out.Forces[0][2], 1e-9)

	assert.InDelta(t, -0.29946*atoms.Hartree, *out.HOMO, 1e-9)
	assert.InDelta(t, 0.06619*atoms.Hartree, *out.LUMO, 1e-9)
	assert.InDelta(t, (0.06619+0.29946)*atoms.Hartree, *out.Gap, 1e-9)
}

func TestFixedWidthFloatsJoinedNegatives(t *testing.T) {
	got := fixedWidthFloats("-100.12345-10.12345", 10)
	assert.Equal(t, []float64{-100.12345, -10.12345}, got)
}

const orcaLog = `
 Total Charge           Charge          ....    0
 Multiplicity           Mult            ....    1
CARTESIAN COORDINATES (ANGSTROEM)
---------------------------------
  O      0.000000    0.000000    0.000000
ORBITAL ENERGIES
----------------

  NO   OCC          E(Eh)            E(eV)
   0   2.0000     -18.937000      -515.3000
   4   2.0000      -0.243000        -6.6124
   5   0.0000       0.011000         0.2993
   6   0.0000       0.090000         2.4490

MULLIKEN ATOMIC CHARGES
-----------------------
   0 O :   -0.335000
   1 H :    0.167500
   2 H :    0.167500
Sum of atomic charges:    0.0000000

LOEWDIN ATOMIC CHARGES
----------------------
   0 O :   -0.200000
   1 H :    0.100000
   2 H :    0.100000

FINAL SINGLE POINT ENERGY       -76.323456789012

------------------
CARTESIAN GRADIENT
------------------

   1   O   :   -0.000100000    0.000200000    0.003000000
   2   H   :    0.000050000   -0.000100000   -0.001500000
   3   H   :    0.000050000   -0.000100000   -0.001500000

Difference to translation invariance:
VIBRATIONAL FREQUENCIES
-----------------------

   0:         0.00 cm**-1
   6:      1620.45 cm**-1
   7:      3750.10 cm**-1

                             ****ORCA TERMINATED NORMALLY****
`

func TestParseORCA(t *testing.T) {
	out, err := ParseORCA(strings.NewReader(orcaLog))
	require.NoError(t, err)

	assert.True(t, out.NormalTermination)
	assert.InDelta(t, -76.323456789012*atoms.Hartree, *out.FinalEnergy, 1e-9)
	assert.Equal(t, 0, *out.Charge)
	assert.Equal(t, 1, *out.Multiplicity)
	assert.Equal(t, 1, out.GeometryFrames)
	assert.Equal(t, []float64{-0.335, 0.1675, 0.1675}, out.Charges["mulliken"])
	assert.Equal(t, []float64{-0.2, 0.1, 0.1}, out.Charges["loewdin"])
	assert.InDelta(t, -6.6124, *out.HOMO, 1e-12)
	assert.InDelta(t, 0.2993, *out.LUMO, 1e-12)
	assert.InDelta(t, 6.9117, *out.Gap, 1e-9)
	assert.Equal(t, []float64{1620.45, 3750.10}, out.Frequencies)

	require.Len(t, out.Forces, 3)
	assert.InDelta(t, -0.003*atoms.Hartree/atoms.Bohr, out.Forces[0][2], 1e-9)
	assert.Nil(t, out.Converged)
}

const xtbLog = `
          :  net charge                         0          :
          :  unpaired electrons                 0          :
         4        2.0000           -0.4164138             -11.3312 (HOMO)
         5                            0.0869584               2.3663 (LUMO)
     #   Z          covCN         q      C6AA      α(0)
     1   8 O        1.608    -0.565    24.736     6.696
     2   1 H        0.804     0.282     2.423     2.260
     3   1 H        0.804     0.283     2.423     2.260

          | TOTAL ENERGY               -5.070544440612 Eh   |
          | HOMO-LUMO GAP              13.697567809529 eV   |
   *** GEOMETRY OPTIMIZATION CONVERGED AFTER 5 ITERATIONS ***
 normal termination of xtb
`

func TestParseXTB(t *testing.T) {
	out, err := ParseXTB(strings.NewReader(xtbLog))
	require.NoError(t, err)

	assert.True(t, out.NormalTermination)
	assert.InDelta(t, -5.070544440612*atoms.Hartree, *out.FinalEnergy, 1e-9)
	assert.InDelta(t, 13.697567809529, *out.Gap, 1e-12)
	assert.InDelta(t, -11.3312, *out.HOMO, 1e-12)
	assert.InDelta(t, 2.3663, *out.LUMO, 1e-12)
	assert.Equal(t, []float64{-0.565, 0.282, 0.283}, out.Charges["xtb"])
	assert.Equal(t, 0, *out.Charge)
	assert.Equal(t, 1, *out.Multiplicity)
	assert.True(t, *out.Converged)
}

func TestParseXTBAbnormal(t *testing.T) {
	out, err := ParseXTB(strings.NewReader(" abnormal termination of xtb\n"))
	require.NoError(t, err)
	assert.False(t, out.NormalTermination)
	assert.Nil(t, out.FinalEnergy)
}

const gulpLog = `
  Total lattice energy       =          -14.12345678 eV
  Total lattice energy       =        -1362.7 kJ/(mole unit cells)
  **** Optimisation achieved ****
  Final energy =     -14.20000000 eV
  Final fractional coordinates of atoms :
  Final Cartesian derivatives :

--------------------------------------------------------------------------------
   No.  Atomic          x             y             z           Radius
        Label       (eV/Angs)     (eV/Angs)    (eV/Angs)      (eV/Angs)
--------------------------------------------------------------------------------
      1 Cu    c       0.100000     -0.200000      0.000000      0.000000
      2 Cu    c      -0.100000      0.200000      0.000000      0.000000
--------------------------------------------------------------------------------

  Frequencies (cm-1) [NB: Negative implies an imaginary mode]:

   -0.01    0.00    0.01  210.50  210.50

  Job Finished at 12:00.00 1st January 2024
`

func TestParseGULP(t *testing.T) {
	out, err := ParseGULP(strings.NewReader(gulpLog))
	require.NoError(t, err)

	assert.Equal(t, []float64{-14.12345678, -14.2}, out.Energies)
	assert.True(t, *out.Converged)
	assert.True(t, out.NormalTermination)
	assert.Equal(t, 1, out.GeometryFrames)
	require.Len(t, out.Forces, 2)
	assert.Equal(t, [3]float64{-0.1, 0.2, 0}, out.Forces[0])
	assert.Equal(t, []float64{-0.01, 0, 0.01, 210.5, 210.5}, out.Frequencies)
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"gaussian", "ORCA", "xtb", "gulp"} {
		p, ok := Lookup(name)
		assert.True(t, ok, name)
		assert.NotNil(t, p.Parse)
	}
	_, ok := Lookup("vasp")
	assert.False(t, ok)
	assert.Equal(t, []string{"gaussian", "gulp", "orca", "xtb"}, Names())
}

func TestFindRecentLogfile(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "first.log")
	recent := filepath.Join(dir, "second.log.gz")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	require.NoError(t, fileutil.GzipFile(old, recent))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir.log"), 0o755))

	got, err := FindRecentLogfile(dir, ".log")
	require.NoError(t, err)
	assert.Equal(t, recent, got)

	got, err = FindRecentLogfile(dir, ".out")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseDirAndLogContains(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Gaussian.log")
	require.NoError(t, os.WriteFile(path, []byte(gaussianLog), 0o644))

	p, _ := Lookup("gaussian")
	out, from, err := p.ParseDir(dir)
	require.NoError(t, err)
	assert.Equal(t, path, from)
	assert.Len(t, out.Energies, 2)

	ok, err := LogContains(path, "Normal termination")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = LogContains(path, "Error termination")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = p.ParseDir(t.TempDir())
	assert.Error(t, err)
}

func TestOutputMapOmitsUnset(t *testing.T) {
	m := (&Output{Program: "xtb"}).Map()
	assert.Equal(t, "xtb", m["program"])
	assert.NotContains(t, m, "final_energy")
	assert.NotContains(t, m, "gap")
}
