package parse

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mattjoyce/calcflow/internal/atoms"
)

// ParseGaussian reads a Gaussian log.
func ParseGaussian(r io.Reader) (*Output, error) {
	ls, err := lines(r)
	if err != nil {
		return nil, err
	}

	out := &Output{Program: "gaussian"}
	var occ, virt []float64
	standard, input := 0, 0
	for i := 0; i < len(ls); i++ {
		line := ls[i]
		switch {
		case strings.Contains(line, "SCF Done"):
			fields := strings.Fields(line)
			if len(fields) < 5 {
				return nil, fmt.Errorf("line %d: short SCF Done line", i+1)
			}
			e, err := strconv.ParseFloat(fields[4], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			out.addEnergy(e * atoms.Hartree)
		case strings.HasPrefix(strings.TrimSpace(line), "Charge =") && strings.Contains(line, "Multiplicity ="):
			fields := strings.Fields(line)
			if len(fields) >= 6 {
				if c, err := strconv.Atoi(fields[2]); err == nil {
					out.Charge = ptr(c)
				}
				if m, err := strconv.Atoi(fields[5]); err == nil {
					out.Multiplicity = ptr(m)
				}
			}
		case strings.Contains(line, "Alpha  occ. eigenvalues --"):
			if len(virt) > 0 {
				occ, virt = nil, nil
			}
			occ = append(occ, fixedWidthFloats(eigenvalueFields(line), 10)...)
		case strings.Contains(line, "Alpha virt. eigenvalues --"):
			virt = append(virt, fixedWidthFloats(eigenvalueFields(line), 10)...)
		case strings.Contains(line, "Mulliken charges") && !strings.Contains(line, "hydrogens summed"):
			q, next := gaussianCharges(ls, i+1)
			if len(q) > 0 {
				setCharges(out, "mulliken", q)
			}
			i = next
		case strings.Contains(line, "Frequencies --"):
			for _, f := range strings.Fields(after(line, "--")) {
				if v, err := strconv.ParseFloat(f, 64); err == nil {
					out.Frequencies = append(out.Frequencies, v)
				}
			}
		case strings.Contains(line, "Standard orientation:"):
			standard++
		case strings.Contains(line, "Input orientation:"):
			input++
		case strings.Contains(line, "Forces (Hartrees/Bohr)"):
			f, next, err := gaussianForces(ls, i+1)
			if err != nil {
				return nil, err
			}
			out.Forces = f
			i = next
		case strings.Contains(line, "Optimization completed"):
			out.Converged = ptr(true)
		case strings.Contains(line, "Optimization stopped"):
			out.Converged = ptr(false)
		case strings.Contains(line, "Normal termination of Gaussian"):
			out.NormalTermination = true
		}
	}

	out.GeometryFrames = standard
	if standard == 0 {
		out.GeometryFrames = input
	}
	if len(occ) > 0 {
		out.HOMO = ptr(occ[len(occ)-1] * atoms.Hartree)
	}
	if len(virt) > 0 {
		out.LUMO = ptr(virt[0] * atoms.Hartree)
	}
	out.setGap()
	return out, nil
}

// gaussianCharges reads the rows following a "Mulliken charges" header.
func gaussianCharges(ls []string, start int) ([]float64, int) {
	var q []float64
	i := start
	for ; i < len(ls); i++ {
		line := ls[i]
		if strings.Contains(line, "Sum of Mulliken") {
			break
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			continue
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			continue
		}
		q = append(q, v)
	}
	return q, i
}

func gaussianForces(ls []string, start int) ([][3]float64, int, error) {
	var forces [][3]float64
	dashes := 0
	i := start
	for ; i < len(ls) && dashes < 2; i++ {
		line := strings.TrimSpace(ls[i])
		if strings.HasPrefix(line, "---") {
			dashes++
			continue
		}
		if dashes != 1 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, i, fmt.Errorf("line %d: short force row", i+1)
		}
		var row [3]float64
		for k := 0; k < 3; k++ {
			v, err := strconv.ParseFloat(fields[2+k], 64)
			if err != nil {
				return nil, i, fmt.Errorf("line %d: %w", i+1, err)
			}
			row[k] = v * atoms.Hartree / atoms.Bohr
		}
		forces = append(forces, row)
	}
	return forces, i - 1, nil
}

// fixedWidthFloats splits Fortran fixed-width output, where adjacent
// negative numbers are not separated by spaces.
func fixedWidthFloats(s string, width int) []float64 {
	var out []float64
	for len(s) > 0 {
		n := min(width, len(s))
		field := strings.TrimSpace(s[:n])
		s = s[n:]
		if field == "" {
			continue
		}
		if v, err := strconv.ParseFloat(field, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// eigenvalueFields returns the F10.5 columns that follow "-- ".
func eigenvalueFields(line string) string {
	rest := after(line, "--")
	if strings.HasPrefix(rest, " ") {
		rest = rest[1:]
	}
	return rest
}

func after(line, sep string) string {
	if _, rest, ok := strings.Cut(line, sep); ok {
		return rest
	}
	return ""
}

func setCharges(out *Output, kind string, q []float64) {
	if out.Charges == nil {
		out.Charges = map[string][]float64{}
	}
	out.Charges[kind] = q
}
