package external

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/calcflow/internal/atoms"
	"github.com/mattjoyce/calcflow/internal/parse"
)

// GULP drives the General Utility Lattice Program.
//
// Parameters: keywords (default "conp gradients" for crystals and
// "gradients" for molecules) and options (lines appended after the
// geometry, such as "library reaxff").
type GULP struct{}

const (
	gulpInput = "gulp.gin"
	gulpLog   = "gulp.got"
)

func (GULP) Kind() string { return "gulp" }

func (GULP) Prepare(job Job) (Invocation, error) {
	s := job.Structure
	def := "gradients"
	if s.Periodic() {
		def = "conp gradients"
	}
	keywords, err := job.Params.String("keywords", def)
	if err != nil {
		return Invocation{}, err
	}
	options, err := job.Params.Strings("options")
	if err != nil {
		return Invocation{}, err
	}

	var b strings.Builder
	b.WriteString(keywords + "\n")
	b.WriteString("title\ncalcflow\nend\n")
	if s.Periodic() {
		b.WriteString("vectors\n")
		for i := 0; i < 3; i++ {
			fmt.Fprintf(&b, "%16.8f %16.8f %16.8f\n", s.Cell.At(i, 0), s.Cell.At(i, 1), s.Cell.At(i, 2))
		}
	}
	b.WriteString("cartesian\n")
	for i, sym := range s.Symbols {
		p := s.Position(i)
		fmt.Fprintf(&b, "%-2s core %16.8f %16.8f %16.8f\n", sym, p[0], p[1], p[2])
	}
	for _, o := range options {
		b.WriteString(o + "\n")
	}

	input := []byte(b.String())
	if err := os.WriteFile(filepath.Join(job.Dir, gulpInput), input, 0o644); err != nil {
		return Invocation{}, fmt.Errorf("write %s: %w", gulpInput, err)
	}
	return Invocation{Stdin: input, StdoutFile: gulpLog}, nil
}

func (GULP) Collect(job Job, _ RunOutput) (atoms.Results, error) {
	out, err := parse.GULP().ParseFile(filepath.Join(job.Dir, gulpLog))
	if err != nil {
		return nil, err
	}
	if !out.NormalTermination {
		return nil, fmt.Errorf("gulp did not finish (see %s)", gulpLog)
	}
	if out.FinalEnergy == nil {
		return nil, fmt.Errorf("no lattice energy in %s", gulpLog)
	}

	res := atoms.Results{string(atoms.PropEnergy): *out.FinalEnergy}
	if job.wants(atoms.PropForces) {
		f, err := forcesMatrix(out.Forces, job.Structure.Len())
		if err != nil {
			return nil, err
		}
		res[string(atoms.PropForces)] = f
	}
	if out.Converged != nil {
		res["converged"] = *out.Converged
	}
	return res, nil
}
