package external

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/parse"
)

// ORCA drives the ORCA quantum chemistry package.
//
// Parameters: simpleinput (the "!" line, default "B3LYP def2-SVP") and
// blocks (a list of "%..." input blocks).
type ORCA struct{}

const (
	orcaInput  = "orca.inp"
	orcaLog    = "orca.out"
	orcaEngrad = "orca.engrad"
)

func (ORCA) Kind() string { return "orca" }

func (ORCA) Prepare(job Job) (Invocation, error) {
	s := job.Structure
	if s.Periodic() {
		return Invocation{}, fmt.Errorf("orca backend handles molecules only")
	}
	simple, err := job.Params.String("simpleinput", "B3LYP def2-SVP")
	if err != nil {
		return Invocation{}, err
	}
	blocks, err := job.Params.Strings("blocks")
	if err != nil {
		return Invocation{}, err
	}

	task := "SP"
	if job.wants(atoms.PropForces) {
		task = "EnGrad"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "! %s %s\n", simple, task)
	for _, block := range blocks {
		b.WriteString(block)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "* xyz %d %d\n", s.Charge, multiplicity(s))
	for _, l := range coordLines(s) {
		b.WriteString(l)
		b.WriteString("\n")
	}
	b.WriteString("*\n")

	if err := os.WriteFile(filepath.Join(job.Dir, orcaInput), []byte(b.String()), 0o644); err != nil {
		return Invocation{}, fmt.Errorf("write %s: %w", orcaInput, err)
	}
	return Invocation{Args: []string{orcaInput}, StdoutFile: orcaLog}, nil
}

func (ORCA) Collect(job Job, _ RunOutput) (atoms.Results, error) {
	logOut, err := parse.ORCA().ParseFile(filepath.Join(job.Dir, orcaLog))
	if err != nil {
		return nil, err
	}
	if !logOut.NormalTermination {
		return nil, fmt.Errorf("ORCA did not terminate normally (see %s)", orcaLog)
	}

	res := atoms.Results{}
	if job.wants(atoms.PropForces) {
		energy, grad, err := readEngrad(filepath.Join(job.Dir, orcaEngrad))
		if err != nil {
			return nil, err
		}
		rows := make([][3]float64, len(grad)/3)
		for i := range rows {
			for k := 0; k < 3; k++ {
				rows[i][k] = -grad[3*i+k] * atoms.Hartree / atoms.Bohr
			}
		}
		f, err := forcesMatrix(rows, job.Structure.Len())
		if err != nil {
			return nil, err
		}
		res[string(atoms.PropForces)] = f
		res[string(atoms.PropEnergy)] = energy * atoms.Hartree
	} else {
		if logOut.FinalEnergy == nil {
			return nil, fmt.Errorf("no FINAL SINGLE POINT ENERGY in %s", orcaLog)
		}
		res[string(atoms.PropEnergy)] = *logOut.FinalEnergy
	}
	if q, ok := logOut.Charges["mulliken"]; ok {
		res["mulliken_charges"] = q
	}
	return res, nil
}

// readEngrad reads an .engrad file: atom count, energy (Eh) and the flat
// gradient (Eh/bohr). Comment lines start with '#'.
func readEngrad(path string) (float64, []float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, fmt.Errorf("read engrad: %w", err)
	}
	var values []string
	for _, l := range strings.Split(string(data), "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		values = append(values, l)
	}
	if len(values) < 2 {
		return 0, nil, fmt.Errorf("%s: truncated", filepath.Base(path))
	}
	n, err := strconv.Atoi(values[0])
	if err != nil {
		return 0, nil, fmt.Errorf("%s: atom count: %w", filepath.Base(path), err)
	}
	energy, err := strconv.ParseFloat(values[1], 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: energy: %w", filepath.Base(path), err)
	}
	if len(values) < 2+3*n {
		return 0, nil, fmt.Errorf("%s: gradient has fewer than %d values", filepath.Base(path), 3*n)
	}
	grad := make([]float64, 3*n)
	for i := range grad {
		v, err := strconv.ParseFloat(values[2+i], 64)
		if err != nil {
			return 0, nil, fmt.Errorf("%s: gradient: %w", filepath.Base(path), err)
		}
		grad[i] = v
	}
	return energy, grad, nil
}
