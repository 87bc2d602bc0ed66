package geomio

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/atoms"
)

func readPOSCAR(r io.Reader) (*atoms.Structure, error) {
	sc := bufio.NewScanner(r)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) < 7 {
		return nil, fmt.Errorf("POSCAR too short: %d lines", len(lines))
	}

	comment := strings.TrimSpace(lines[0])
	scale, err := strconv.ParseFloat(firstField(lines[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("POSCAR scale: %w", err)
	}

	cellVals := make([]float64, 0, 9)
	for i := 2; i < 5; i++ {
		vals, err := parseFloats(lines[i])
		if err != nil || len(vals) < 3 {
			return nil, fmt.Errorf("POSCAR lattice line %d: %q", i+1, lines[i])
		}
		cellVals = append(cellVals, vals[:3]...)
	}
	cell := mat.NewDense(3, 3, cellVals)
	if scale < 0 {
		scale = math.Cbrt(-scale / math.Abs(mat.Det(cell)))
	}
	cell.Scale(scale, cell)

	idx := 5
	var species []string
	if _, err := strconv.Atoi(firstField(lines[idx])); err != nil {
		for _, f := range strings.Fields(lines[idx]) {
			species = append(species, potcarSymbol(f))
		}
		idx++
	}
	var counts []int
	for _, f := range strings.Fields(lines[idx]) {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("POSCAR counts line: %q", lines[idx])
		}
		counts = append(counts, n)
	}
	idx++
	if species == nil {
		// VASP 4 files carry species in the comment line
		for _, f := range strings.Fields(comment) {
			species = append(species, potcarSymbol(f))
		}
	}
	if len(species) < len(counts) {
		return nil, fmt.Errorf("POSCAR names %d species for %d counts", len(species), len(counts))
	}

	if idx >= len(lines) {
		return nil, fmt.Errorf("POSCAR truncated before coordinates")
	}
	mode := strings.TrimSpace(lines[idx])
	if mode != "" && (mode[0] == 'S' || mode[0] == 's') {
		idx++
		if idx >= len(lines) {
			return nil, fmt.Errorf("POSCAR truncated before coordinates")
		}
		mode = strings.TrimSpace(lines[idx])
	}
	cartesian := mode != "" && strings.ContainsRune("CcKk", rune(mode[0]))
	idx++

	var symbols []string
	for i, n := range counts {
		for j := 0; j < n; j++ {
			symbols = append(symbols, species[i])
		}
	}

	positions := make([][3]float64, len(symbols))
	for i := range symbols {
		if idx+i >= len(lines) {
			return nil, fmt.Errorf("POSCAR has %d coordinates, want %d", i, len(symbols))
		}
		vals, err := parseFloats(strings.Join(firstN(strings.Fields(lines[idx+i]), 3), " "))
		if err != nil || len(vals) < 3 {
			return nil, fmt.Errorf("POSCAR coordinate line %d: %q", idx+i+1, lines[idx+i])
		}
		p := [3]float64{vals[0], vals[1], vals[2]}
		if cartesian {
			p = [3]float64{p[0] * scale, p[1] * scale, p[2] * scale}
		} else {
			p = atoms.FractionalToCartesian(cell, p)
		}
		positions[i] = p
	}

	s, err := atoms.New(symbols, positions)
	if err != nil {
		return nil, err
	}
	s.SetCell(cell, [3]bool{true, true, true})
	return s, nil
}

func firstField(line string) string {
	if f := strings.Fields(line); len(f) > 0 {
		return f[0]
	}
	return ""
}

func firstN(fields []string, n int) []string {
	if len(fields) > n {
		return fields[:n]
	}
	return fields
}

// potcarSymbol strips POTCAR decorations such as "Cu_pv" or "O/abc123".
func potcarSymbol(name string) string {
	name = strings.SplitN(name, "/", 2)[0]
	name = strings.SplitN(name, "_", 2)[0]
	return normalizeSymbol(name)
}

func writePOSCAR(w io.Writer, s *atoms.Structure) error {
	if s.Cell == nil {
		return fmt.Errorf("POSCAR requires a cell")
	}

	var runs []string
	var counts []int
	for _, sym := range s.Symbols {
		if n := len(runs); n > 0 && runs[n-1] == sym {
			counts[n-1]++
			continue
		}
		runs = append(runs, sym)
		counts = append(counts, 1)
	}

	var b strings.Builder
	b.WriteString(s.Formula() + "\n")
	b.WriteString(" 1.0000000000000000\n")
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&b, " %21.16f %21.16f %21.16f\n", s.Cell.At(i, 0), s.Cell.At(i, 1), s.Cell.At(i, 2))
	}
	for _, r := range runs {
		fmt.Fprintf(&b, " %3s", r)
	}
	b.WriteByte('\n')
	for _, c := range counts {
		fmt.Fprintf(&b, " %3d", c)
	}
	b.WriteString("\nCartesian\n")
	for i := 0; i < s.Len(); i++ {
		p := s.Position(i)
		fmt.Fprintf(&b, " %19.16f %19.16f %19.16f\n", p[0], p[1], p[2])
	}
	_, err := io.WriteString(w, b.String())
	return err
}
