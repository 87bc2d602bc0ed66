package parse

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mattjoyce/calcflow/internal/atoms"
)

// ParseXTB reads the stdout log of xtb.
func ParseXTB(r io.Reader) (*Output, error) {
	ls, err := lines(r)
	if err != nil {
		return nil, err
	}

	out := &Output{Program: "xtb"}
	for i := 0; i < len(ls); i++ {
		line := ls[i]
		switch {
		case strings.Contains(line, "TOTAL ENERGY") && strings.Contains(line, "Eh"):
			v, err := fieldBefore(line, "Eh")
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			out.addEnergy(v * atoms.Hartree)
		case strings.Contains(line, "HOMO-LUMO GAP") && strings.Contains(line, "eV"):
			if v, err := fieldBefore(line, "eV"); err == nil {
				out.Gap = ptr(v)
			}
		case strings.Contains(line, "(HOMO)"):
			if v, err := fieldBefore(line, "(HOMO)"); err == nil {
				out.HOMO = ptr(v)
			}
		case strings.Contains(line, "(LUMO)"):
			if v, err := fieldBefore(line, "(LUMO)"); err == nil {
				out.LUMO = ptr(v)
			}
		case strings.Contains(line, "covCN") && strings.Contains(line, " q "):
			q, next := xtbCharges(ls, i+1)
			setCharges(out, "xtb", q)
			i = next
		case strings.Contains(line, "net charge"):
			if v, err := strconv.Atoi(firstInt(after(line, "net charge"))); err == nil {
				out.Charge = ptr(v)
			}
		case strings.Contains(line, "unpaired electrons"):
			if v, err := strconv.Atoi(firstInt(after(line, "unpaired electrons"))); err == nil {
				out.Multiplicity = ptr(v + 1)
			}
		case strings.Contains(line, "GEOMETRY OPTIMIZATION CONVERGED"):
			out.Converged = ptr(true)
		case strings.Contains(line, "FAILED TO CONVERGE GEOMETRY OPTIMIZATION"):
			out.Converged = ptr(false)
		case strings.Contains(line, "normal termination of xtb") && !strings.Contains(line, "abnormal"):
			out.NormalTermination = true
		}
	}
	out.setGap()
	return out, nil
}

// xtbCharges reads the "#  Z  covCN  q  C6AA  α(0)" table.
func xtbCharges(ls []string, start int) ([]float64, int) {
	var q []float64
	i := start
	for ; i < len(ls); i++ {
		fields := strings.Fields(ls[i])
		if len(fields) < 5 {
			break
		}
		v, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			break
		}
		q = append(q, v)
	}
	return q, i
}

func fieldBefore(line, marker string) (float64, error) {
	head, _, _ := strings.Cut(line, marker)
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return 0, fmt.Errorf("no value before %q", marker)
	}
	return strconv.ParseFloat(fields[len(fields)-1], 64)
}

func firstInt(s string) string {
	for _, f := range strings.Fields(s) {
		if _, err := strconv.Atoi(f); err == nil {
			return f
		}
	}
	return ""
}
