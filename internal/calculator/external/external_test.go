package external

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/config"
	"github.com/mattjoyce/calcflow/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text") // Suppress logs in tests
	os.Exit(m.Run())
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func water(t *testing.T) *atoms.Structure {
	t.Helper()
	s, err := atoms.New([]string{"O", "H", "H"}, [][3]float64{
		{0, 0, 0.119}, {0, 0.763, -0.477}, {0, -0.763, -0.477},
	})
	require.NoError(t, err)
	return s
}

func TestProtocolCalculator(t *testing.T) {
	script := writeScript(t, `cat > request.json
echo "$CALC_MODE" > mode.txt
echo '{"status":"ok","results":{"energy":-14.2,"forces":[[0,0,0.1],[0,0.2,0],[0,-0.2,0]]},"logs":[{"level":"info","message":"scf converged"}]}'
`)
	calc := New("proto", Protocol{}, Program{
		Command:    script,
		Env:        map[string]string{"CALC_MODE": "test"},
		Timeout:    10 * time.Second,
		StdoutCopy: "stdout.json",
	}, config.Params{"method": "fake"})

	dir := t.TempDir()
	res, err := calc.Calculate(context.Background(), dir, water(t), nil)
	require.NoError(t, err)

	e, ok := res.Energy()
	require.True(t, ok)
	assert.Equal(t, -14.2, e)
	f, ok := res.Forces()
	require.True(t, ok)
	assert.Equal(t, 0.2, f.At(1, 1))

	req, err := os.ReadFile(filepath.Join(dir, "request.json"))
	require.NoError(t, err)
	assert.Contains(t, string(req), `"protocol":1`)
	assert.Contains(t, string(req), `"workdir":"`+dir+`"`)
	assert.Contains(t, string(req), `"method":"fake"`)

	mode, err := os.ReadFile(filepath.Join(dir, "mode.txt"))
	require.NoError(t, err)
	assert.Equal(t, "test\n", string(mode))

	assert.FileExists(t, filepath.Join(dir, protocolResponse))
	assert.FileExists(t, filepath.Join(dir, "stdout.json"))

	params := calc.Parameters()
	assert.Equal(t, "protocol", params["kind"])
	assert.Equal(t, "fake", params["method"])
}

func TestProtocolCalculatorErrors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{
			name:    "reported error",
			script:  `echo '{"status":"error","error":"scf did not converge"}'`,
			wantErr: "scf did not converge",
		},
		{
			name:    "non-zero exit keeps decoded reason",
			script:  `echo '{"status":"error","error":"out of memory"}'; exit 3`,
			wantErr: "exited with status 3",
		},
		{
			name:    "garbage output",
			script:  `echo 'Segmentation fault'`,
			wantErr: "decode response",
		},
		{
			name:    "missing property",
			script:  `echo '{"status":"ok","results":{"energy":1.0}}'`,
			wantErr: `missing requested property "forces"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc := New("proto", Protocol{}, Program{Command: writeScript(t, tt.script), Timeout: 10 * time.Second}, nil)
			_, err := calc.Calculate(context.Background(), t.TempDir(), water(t), atoms.DefaultProperties)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestProgramTimeout(t *testing.T) {
	script := writeScript(t, "exec sleep 30\n")
	calc := New("slow", Protocol{}, Program{Command: script, Timeout: 200 * time.Millisecond}, nil)

	start := time.Now()
	_, err := calc.Calculate(context.Background(), t.TempDir(), water(t), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProgramCancel(t *testing.T) {
	script := writeScript(t, "exec sleep 30\n")
	calc := New("slow", Protocol{}, Program{Command: script, Timeout: time.Minute}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	_, err := calc.Calculate(ctx, t.TempDir(), water(t), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProgramMissingBinary(t *testing.T) {
	calc := New("ghost", Protocol{}, Program{Command: filepath.Join(t.TempDir(), "nope")}, nil)
	_, err := calc.Calculate(context.Background(), t.TempDir(), water(t), nil)
	assert.Error(t, err)
}

func TestXTBBackend(t *testing.T) {
	script := writeScript(t, `echo "$@" > args.txt
cat <<'EOF2'
          :  net charge                         0          :
          | TOTAL ENERGY               -5.070544440612 Eh   |
          | HOMO-LUMO GAP              13.697567809529 eV   |
 normal termination of xtb
EOF2
cat > gradient <<'EOF2'
$grad
  cycle =      1    SCF energy =    -5.07054444061   |dE/xyz| =  0.001000
    0.00000000000000      0.00000000000000      0.22488000000000      o
    0.00000000000000      1.44186000000000     -0.90140000000000      h
    0.00000000000000     -1.44186000000000     -0.90140000000000      h
   0.0000000000000D+00   0.0000000000000D+00  -1.0000000000000D-03
   0.0000000000000E+00   5.0000000000000E-04   5.0000000000000E-04
   0.0000000000000E+00  -5.0000000000000E-04   5.0000000000000E-04
$end
EOF2
`)
	calc := New("xtb", XTB{}, Program{Command: script, Timeout: 10 * time.Second}, config.Params{"method": "gfn1", "solvent": "water"})

	dir := t.TempDir()
	s := water(t)
	s.Charge = -1
	s.Multiplicity = 2
	res, err := calc.Calculate(context.Background(), dir, s, atoms.DefaultProperties)
	require.NoError(t, err)

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, "input.xyz --chrg -1 --uhf 1 --gfn 1 --alpb water --grad", strings.TrimSpace(string(args)))
	assert.FileExists(t, filepath.Join(dir, xtbInput))
	assert.FileExists(t, filepath.Join(dir, xtbLog))

	e, _ := res.Energy()
	assert.InDelta(t, -5.07054444061*atoms.Hartree, e, 1e-9)
	f, _ := res.Forces()
	assert.InDelta(t, 1e-3*atoms.Hartree/atoms.Bohr, f.At(0, 2), 1e-12)
	assert.InDelta(t, 13.697567809529, res["homo_lumo_gap"], 1e-12)
}

func TestXTBRejectsCrystals(t *testing.T) {
	_, err := XTB{}.Prepare(Job{Dir: t.TempDir(), Structure: periodicCu(t)})
	assert.Error(t, err)
}

func TestReadEngrad(t *testing.T) {
	path := filepath.Join(t.TempDir(), orcaEngrad)
	content := `#
# Number of atoms
#
 2
#
# The current total energy in Eh
#
   -1.117505023
#
# The current gradient in Eh/bohr
#
       0.000000000000
       0.000000000000
      -0.012000000000
       0.000000000000
       0.000000000000
       0.012000000000
#
# The atomic numbers and current coordinates in Bohr
#
   1     0.0000000    0.0000000   -0.7000000
   1     0.0000000    0.0000000    0.7000000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	e, grad, err := readEngrad(path)
	require.NoError(t, err)
	assert.Equal(t, -1.117505023, e)
	assert.Equal(t, []float64{0, 0, -0.012, 0, 0, 0.012}, grad)

	require.NoError(t, os.WriteFile(path, []byte(" 2\n -1.0\n 0.0\n"), 0o644))
	_, _, err = readEngrad(path)
	assert.Error(t, err)
}

func TestORCAPrepare(t *testing.T) {
	dir := t.TempDir()
	inv, err := ORCA{}.Prepare(Job{
		Dir:        dir,
		Structure:  water(t),
		Properties: atoms.DefaultProperties,
		Params:     config.Params{"simpleinput": "HF def2-SVP", "blocks": []any{"%pal nprocs 2 end"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{orcaInput}, inv.Args)
	assert.Equal(t, orcaLog, inv.StdoutFile)

	data, err := os.ReadFile(filepath.Join(dir, orcaInput))
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "! HF def2-SVP EnGrad\n%pal nprocs 2 end\n* xyz 0 1\n"), text)
	assert.True(t, strings.HasSuffix(text, "*\n"))
}

func TestGaussianPrepareEnergyOnly(t *testing.T) {
	dir := t.TempDir()
	_, err := Gaussian{}.Prepare(Job{
		Dir:        dir,
		Structure:  water(t),
		Properties: []atoms.Property{atoms.PropEnergy},
		Params:     config.Params{"mem": "2GB", "nprocshared": 4},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, gaussianInput))
	require.NoError(t, err)
	assert.Contains(t, string(data), "%mem=2GB\n%nprocshared=4\n%chk=Gaussian.chk\n# b3lyp/6-31g(d) sp")
	assert.Contains(t, string(data), "\n0 1\nO ")
}

func TestGULPPrepareCrystal(t *testing.T) {
	dir := t.TempDir()
	inv, err := GULP{}.Prepare(Job{
		Dir:        dir,
		Structure:  periodicCu(t),
		Properties: atoms.DefaultProperties,
		Params:     config.Params{"options": []any{"library reaxff"}},
	})
	require.NoError(t, err)
	assert.Equal(t, gulpLog, inv.StdoutFile)

	text := string(inv.Stdin)
	assert.True(t, strings.HasPrefix(text, "conp gradients\n"))
	assert.Contains(t, text, "vectors\n")
	assert.Contains(t, text, "Cu core")
	assert.True(t, strings.HasSuffix(text, "library reaxff\n"))
	assert.FileExists(t, filepath.Join(dir, gulpInput))
}

func periodicCu(t *testing.T) *atoms.Structure {
	t.Helper()
	s, err := atoms.New([]string{"Cu"}, [][3]float64{{0, 0, 0}})
	require.NoError(t, err)
	s.SetCell(atoms.CellFromParameters([6]float64{2.55, 2.55, 2.55, 60, 60, 60}), [3]bool{true, true, true})
	return s
}
