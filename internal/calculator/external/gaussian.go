package external

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/parse"
)

// Gaussian drives Gaussian 09/16.
//
// Parameters: method (default "b3lyp"), basis (default "6-31g(d)"), route
// (extra route keywords), mem, nprocshared.
type Gaussian struct{}

const (
	gaussianInput = "Gaussian.com"
	gaussianLog   = "Gaussian.log"
)

func (Gaussian) Kind() string { return "gaussian" }

func (Gaussian) Prepare(job Job) (Invocation, error) {
	s := job.Structure
	if s.Periodic() {
		return Invocation{}, fmt.Errorf("gaussian backend handles molecules only")
	}
	method, err := job.Params.String("method", "b3lyp")
	if err != nil {
		return Invocation{}, err
	}
	basis, err := job.Params.String("basis", "6-31g(d)")
	if err != nil {
		return Invocation{}, err
	}
	route, err := job.Params.String("route", "")
	if err != nil {
		return Invocation{}, err
	}
	mem, err := job.Params.String("mem", "")
	if err != nil {
		return Invocation{}, err
	}
	nproc, err := job.Params.Int("nprocshared", 0)
	if err != nil {
		return Invocation{}, err
	}

	task := "sp"
	if job.wants(atoms.PropForces) {
		task = "force"
	}
	var b strings.Builder
	if mem != "" {
		fmt.Fprintf(&b, "%%mem=%s\n", mem)
	}
	if nproc > 0 {
		fmt.Fprintf(&b, "%%nprocshared=%d\n", nproc)
	}
	b.WriteString("%chk=Gaussian.chk\n")
	fmt.Fprintf(&b, "# %s/%s %s %s\n\n", method, basis, task, route)
	b.WriteString("calcflow\n\n")
	fmt.Fprintf(&b, "%d %d\n", s.Charge, multiplicity(s))
	for _, l := range coordLines(s) {
		b.WriteString(l)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if err := os.WriteFile(filepath.Join(job.Dir, gaussianInput), []byte(b.String()), 0o644); err != nil {
		return Invocation{}, fmt.Errorf("write %s: %w", gaussianInput, err)
	}
	return Invocation{Args: []string{gaussianInput}}, nil
}

func (Gaussian) Collect(job Job, _ RunOutput) (atoms.Results, error) {
	out, err := parse.Gaussian().ParseFile(filepath.Join(job.Dir, gaussianLog))
	if err != nil {
		return nil, err
	}
	if !out.NormalTermination {
		return nil, fmt.Errorf("gaussian did not terminate normally (see %s)", gaussianLog)
	}
	if out.FinalEnergy == nil {
		return nil, fmt.Errorf("no SCF energy in %s", gaussianLog)
	}

	res := atoms.Results{string(atoms.PropEnergy): *out.FinalEnergy}
	if job.wants(atoms.PropForces) {
		f, err := forcesMatrix(out.Forces, job.Structure.Len())
		if err != nil {
			return nil, err
		}
		res[string(atoms.PropForces)] = f
	}
	if q, ok := out.Charges["mulliken"]; ok {
		res["mulliken_charges"] = q
	}
	return res, nil
}
