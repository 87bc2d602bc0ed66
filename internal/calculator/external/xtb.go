package external

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/geomio"
	"github.com/mattjoyce/calcflow/internal/parse"
)

// XTB drives the xtb semiempirical code on molecules.
//
// Parameters: method (gfn0, gfn1, gfn2, gfnff; default gfn2), accuracy,
// electronic_temperature, solvent (ALPB).
type XTB struct{}

const (
	xtbInput = "input.xyz"
	xtbLog   = "xtb.out"
	xtbGrad  = "gradient"
)

func (XTB) Kind() string { return "xtb" }

func (XTB) Prepare(job Job) (Invocation, error) {
	s := job.Structure
	if s.Periodic() {
		return Invocation{}, fmt.Errorf("xtb backend handles molecules only")
	}
	if err := geomio.Write(filepath.Join(job.Dir, xtbInput), s); err != nil {
		return Invocation{}, err
	}

	args := []string{xtbInput, "--chrg", strconv.Itoa(s.Charge), "--uhf", strconv.Itoa(multiplicity(s) - 1)}
	method, err := job.Params.String("method", "gfn2")
	if err != nil {
		return Invocation{}, err
	}
	switch strings.ToLower(method) {
	case "gfnff":
		args = append(args, "--gfnff")
	case "gfn0", "gfn1", "gfn2":
		args = append(args, "--gfn", strings.TrimPrefix(strings.ToLower(method), "gfn"))
	default:
		return Invocation{}, fmt.Errorf("unknown xtb method %q", method)
	}
	if acc, err := job.Params.Float("accuracy", 0); err != nil {
		return Invocation{}, err
	} else if acc > 0 {
		args = append(args, "--acc", strconv.FormatFloat(acc, 'g', -1, 64))
	}
	if etemp, err := job.Params.Float("electronic_temperature", 0); err != nil {
		return Invocation{}, err
	} else if etemp > 0 {
		args = append(args, "--etemp", strconv.FormatFloat(etemp, 'g', -1, 64))
	}
	if solvent, err := job.Params.String("solvent", ""); err != nil {
		return Invocation{}, err
	} else if solvent != "" {
		args = append(args, "--alpb", solvent)
	}
	if job.wants(atoms.PropForces) {
		args = append(args, "--grad")
	}
	return Invocation{Args: args, StdoutFile: xtbLog}, nil
}

func (XTB) Collect(job Job, _ RunOutput) (atoms.Results, error) {
	logOut, err := parse.XTB().ParseFile(filepath.Join(job.Dir, xtbLog))
	if err != nil {
		return nil, err
	}
	if !logOut.NormalTermination {
		return nil, fmt.Errorf("xtb did not terminate normally (see %s)", xtbLog)
	}

	res := atoms.Results{}
	if job.wants(atoms.PropForces) {
		energy, grad, err := readTurbomoleGradient(filepath.Join(job.Dir, xtbGrad), job.Structure.Len())
		if err != nil {
			return nil, err
		}
		forces := make([][3]float64, len(grad))
		for i, g := range grad {
			for k := 0; k < 3; k++ {
				forces[i][k] = -g[k] * atoms.Hartree / atoms.Bohr
			}
		}
		f, err := forcesMatrix(forces, job.Structure.Len())
		if err != nil {
			return nil, err
		}
		res[string(atoms.PropForces)] = f
		res[string(atoms.PropEnergy)] = energy * atoms.Hartree
	}
	if _, ok := res.Energy(); !ok {
		if logOut.FinalEnergy == nil {
			return nil, fmt.Errorf("no total energy in %s", xtbLog)
		}
		res[string(atoms.PropEnergy)] = *logOut.FinalEnergy
	}
	if logOut.Gap != nil {
		res["homo_lumo_gap"] = *logOut.Gap
	}
	return res, nil
}

// readTurbomoleGradient reads the last cycle of a $grad file: energy in Eh
// and the gradient in Eh/bohr.
func readTurbomoleGradient(path string, n int) (float64, [][3]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("open gradient: %w", err)
	}
	defer f.Close()

	var ls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		ls = append(ls, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return 0, nil, err
	}

	cycle := -1
	for i, l := range ls {
		if strings.Contains(l, "cycle =") {
			cycle = i
		}
	}
	if cycle < 0 {
		return 0, nil, fmt.Errorf("%s: no cycle line", filepath.Base(path))
	}
	_, rest, ok := strings.Cut(ls[cycle], "energy =")
	if !ok {
		return 0, nil, fmt.Errorf("%s: no energy on cycle line", filepath.Base(path))
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, nil, fmt.Errorf("%s: empty energy field", filepath.Base(path))
	}
	energy, err := parseFortranFloat(fields[0])
	if err != nil {
		return 0, nil, err
	}

	start := cycle + 1 + n
	if start+n > len(ls) {
		return 0, nil, fmt.Errorf("%s: truncated gradient block", filepath.Base(path))
	}
	grad := make([][3]float64, n)
	for i := 0; i < n; i++ {
		fields := strings.Fields(ls[start+i])
		if len(fields) < 3 {
			return 0, nil, fmt.Errorf("%s: short gradient row %d", filepath.Base(path), i+1)
		}
		for k := 0; k < 3; k++ {
			v, err := parseFortranFloat(fields[k])
			if err != nil {
				return 0, nil, err
			}
			grad[i][k] = v
		}
	}
	return energy, grad, nil
}

func parseFortranFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.NewReplacer("D", "E", "d", "e").Replace(s), 64)
}
