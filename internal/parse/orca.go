package parse

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mattjoyce/calcflow/internal/atoms"
)

// ParseORCA reads an ORCA output file.
func ParseORCA(r io.Reader) (*Output, error) {
	ls, err := lines(r)
	if err != nil {
		return nil, err
	}

	out := &Output{Program: "orca"}
	for i := 0; i < len(ls); i++ {
		line := ls[i]
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "FINAL SINGLE POINT ENERGY"):
			fields := strings.Fields(trimmed)
			e, err := strconv.ParseFloat(fields[len(fields)-1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			out.addEnergy(e * atoms.Hartree)
		case strings.Contains(line, "ORCA TERMINATED NORMALLY"):
			out.NormalTermination = true
		case strings.HasPrefix(trimmed, "Total Charge") && strings.Contains(line, "...."):
			if v, err := strconv.Atoi(lastField(line)); err == nil {
				out.Charge = ptr(v)
			}
		case strings.HasPrefix(trimmed, "Multiplicity") && strings.Contains(line, "...."):
			if v, err := strconv.Atoi(lastField(line)); err == nil {
				out.Multiplicity = ptr(v)
			}
		case trimmed == "MULLIKEN ATOMIC CHARGES":
			q, next := orcaCharges(ls, i+1)
			setCharges(out, "mulliken", q)
			i = next
		case trimmed == "LOEWDIN ATOMIC CHARGES":
			q, next := orcaCharges(ls, i+1)
			setCharges(out, "loewdin", q)
			i = next
		case trimmed == "ORBITAL ENERGIES":
			i = orcaOrbitals(ls, i+1, out)
		case trimmed == "VIBRATIONAL FREQUENCIES":
			out.Frequencies, i = orcaFrequencies(ls, i+1)
		case trimmed == "CARTESIAN GRADIENT":
			f, next, err := orcaGradient(ls, i+1)
			if err != nil {
				return nil, err
			}
			out.Forces = f
			i = next
		case trimmed == "CARTESIAN COORDINATES (ANGSTROEM)":
			out.GeometryFrames++
		case strings.Contains(line, "THE OPTIMIZATION HAS CONVERGED"):
			out.Converged = ptr(true)
		case strings.Contains(line, "The optimization did not converge"):
			out.Converged = ptr(false)
		}
	}
	out.setGap()
	return out, nil
}

// orcaCharges reads "  0 O :   -0.33" rows up to the sum line.
func orcaCharges(ls []string, start int) ([]float64, int) {
	var q []float64
	i := start
	for ; i < len(ls); i++ {
		line := ls[i]
		if strings.Contains(line, "Sum of atomic charges") || (len(q) > 0 && strings.TrimSpace(line) == "") {
			break
		}
		_, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			continue
		}
		q = append(q, v)
	}
	return q, i
}

// orcaOrbitals reads the NO/OCC/E(Eh)/E(eV) table. Only the first spin
// block is considered.
func orcaOrbitals(ls []string, start int, out *Output) int {
	out.HOMO, out.LUMO, out.Gap = nil, nil, nil
	started := false
	i := start
	for ; i < len(ls); i++ {
		fields := strings.Fields(ls[i])
		if len(fields) != 4 {
			if started {
				break
			}
			continue
		}
		occ, err1 := strconv.ParseFloat(fields[1], 64)
		ev, err2 := strconv.ParseFloat(fields[3], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		started = true
		if occ > 0 {
			out.HOMO = ptr(ev)
		} else if out.LUMO == nil {
			out.LUMO = ptr(ev)
		}
	}
	return i
}

func orcaFrequencies(ls []string, start int) ([]float64, int) {
	var freqs []float64
	started := false
	i := start
	for ; i < len(ls); i++ {
		line := ls[i]
		if !strings.Contains(line, "cm**-1") {
			if started && strings.TrimSpace(line) == "" {
				break
			}
			continue
		}
		started = true
		_, rest, _ := strings.Cut(line, ":")
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || v == 0 {
			continue
		}
		freqs = append(freqs, v)
	}
	return freqs, i
}

// orcaGradient reads "   1   O   :   -0.0001  0.0002  0.0003" rows in
// Eh/bohr and returns forces in eV/Å.
func orcaGradient(ls []string, start int) ([][3]float64, int, error) {
	var forces [][3]float64
	i := start
	for ; i < len(ls); i++ {
		line := ls[i]
		_, rest, ok := strings.Cut(line, ":")
		if !ok {
			if len(forces) > 0 {
				break
			}
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			return nil, i, fmt.Errorf("line %d: short gradient row", i+1)
		}
		var row [3]float64
		for k := 0; k < 3; k++ {
			g, err := strconv.ParseFloat(fields[k], 64)
			if err != nil {
				return nil, i, fmt.Errorf("line %d: %w", i+1, err)
			}
			row[k] = -g * atoms.Hartree / atoms.Bohr
		}
		forces = append(forces, row)
	}
	return forces, i, nil
}

func lastField(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
