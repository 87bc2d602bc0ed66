package parse

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseGULP reads a GULP .got output file. GULP reports in eV already.
func ParseGULP(r io.Reader) (*Output, error) {
	ls, err := lines(r)
	if err != nil {
		return nil, err
	}

	out := &Output{Program: "gulp"}
	for i := 0; i < len(ls); i++ {
		line := ls[i]
		trimmed := strings.TrimSpace(line)
		switch {
		case (strings.HasPrefix(trimmed, "Total lattice energy") || strings.HasPrefix(trimmed, "Final energy")) &&
			strings.HasSuffix(trimmed, "eV"):
			v, err := fieldBefore(trimmed, "eV")
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			out.addEnergy(v)
		case strings.Contains(line, "Optimisation achieved"):
			out.Converged = ptr(true)
		case strings.Contains(line, "Conditions for a minimum have not been satisfied"),
			strings.Contains(line, "Too many failed attempts to optimise"):
			out.Converged = ptr(false)
		case strings.HasPrefix(trimmed, "Final Cartesian derivatives"):
			f, next, err := gulpDerivatives(ls, i+1)
			if err != nil {
				return nil, err
			}
			out.Forces = f
			i = next
		case strings.HasPrefix(trimmed, "Frequencies (cm-1)"):
			out.Frequencies, i = gulpFrequencies(ls, i+1)
		case strings.HasPrefix(trimmed, "Final fractional coordinates"),
			strings.HasPrefix(trimmed, "Final cartesian coordinates"):
			out.GeometryFrames++
		case strings.Contains(line, "Job Finished"):
			out.NormalTermination = true
		}
	}
	return out, nil
}

// gulpDerivatives reads "  1 Cu c  dx dy dz radius" rows and returns
// forces as the negative derivatives.
func gulpDerivatives(ls []string, start int) ([][3]float64, int, error) {
	var forces [][3]float64
	i := start
	for ; i < len(ls); i++ {
		fields := strings.Fields(ls[i])
		if len(fields) < 6 {
			if len(forces) > 0 && strings.HasPrefix(strings.TrimSpace(ls[i]), "---") {
				break
			}
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			continue
		}
		var row [3]float64
		for k := 0; k < 3; k++ {
			v, err := strconv.ParseFloat(fields[3+k], 64)
			if err != nil {
				return nil, i, fmt.Errorf("line %d: %w", i+1, err)
			}
			row[k] = -v
		}
		forces = append(forces, row)
	}
	return forces, i, nil
}

func gulpFrequencies(ls []string, start int) ([]float64, int) {
	var freqs []float64
	i := start
	for ; i < len(ls); i++ {
		fields := strings.Fields(ls[i])
		if len(fields) == 0 {
			if len(freqs) > 0 {
				break
			}
			continue
		}
		row := make([]float64, 0, len(fields))
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return freqs, i
			}
			row = append(row, v)
		}
		freqs = append(freqs, row...)
	}
	return freqs, i
}
