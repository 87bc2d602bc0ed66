// Package atoms holds the atomic structure model shared by every calculator,
// file reader and run.
package atoms

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Structure is a mutable set of atomic sites plus an attached calculator and
// the results it last produced.
type Structure struct {
	Symbols      []string
	Positions    *mat.Dense // N×3, Å
	Cell         *mat.Dense // 3×3, rows are lattice vectors; nil when molecular
	PBC          [3]bool
	Magmoms      []float64
	Charge       int
	Multiplicity int
	Info         map[string]any

	calc    Calculator
	results Results
}

// New builds a non-periodic structure from symbols and Cartesian positions.
func New(symbols []string, positions [][3]float64) (*Structure, error) {
	if len(symbols) != len(positions) {
		return nil, fmt.Errorf("got %d symbols and %d positions", len(symbols), len(positions))
	}
	for _, sym := range symbols {
		if _, ok := AtomicNumber(sym); !ok {
			return nil, fmt.Errorf("unknown element %q", sym)
		}
	}
	s := &Structure{
		Symbols:      append([]string(nil), symbols...),
		Multiplicity: 1,
		Info:         map[string]any{},
	}
	if len(positions) > 0 {
		data := make([]float64, 0, 3*len(positions))
		for _, p := range positions {
			data = append(data, p[0], p[1], p[2])
		}
		s.Positions = mat.NewDense(len(positions), 3, data)
	}
	return s, nil
}

// Len returns the number of sites.
func (s *Structure) Len() int { return len(s.Symbols) }

// Position returns the Cartesian position of site i.
func (s *Structure) Position(i int) [3]float64 {
	return [3]float64{s.Positions.At(i, 0), s.Positions.At(i, 1), s.Positions.At(i, 2)}
}

// SetPositions replaces positions; the shape must match the site count.
func (s *Structure) SetPositions(p *mat.Dense) error {
	r, c := p.Dims()
	if r != s.Len() || c != 3 {
		return fmt.Errorf("positions shape %dx%d does not match %d sites", r, c, s.Len())
	}
	s.Positions = mat.DenseCopyOf(p)
	return nil
}

// SetCell sets the lattice and periodicity. A nil cell clears both.
func (s *Structure) SetCell(cell *mat.Dense, pbc [3]bool) {
	if cell == nil {
		s.Cell = nil
		s.PBC = [3]bool{}
		return
	}
	s.Cell = mat.DenseCopyOf(cell)
	s.PBC = pbc
}

// Periodic reports whether any direction is periodic.
func (s *Structure) Periodic() bool {
	return s.Cell != nil && (s.PBC[0] || s.PBC[1] || s.PBC[2])
}

// Volume returns the cell volume in Å³, or 0 without a cell.
func (s *Structure) Volume() float64 {
	if s.Cell == nil {
		return 0
	}
	return math.Abs(mat.Det(s.Cell))
}

// Copy returns a deep copy. The calculator reference is shared.
func (s *Structure) Copy() *Structure {
	out := &Structure{
		Symbols:      append([]string(nil), s.Symbols...),
		PBC:          s.PBC,
		Charge:       s.Charge,
		Multiplicity: s.Multiplicity,
		calc:         s.calc,
		results:      s.results.Clone(),
	}
	if s.Positions != nil {
		out.Positions = mat.DenseCopyOf(s.Positions)
	}
	if s.Cell != nil {
		out.Cell = mat.DenseCopyOf(s.Cell)
	}
	if s.Magmoms != nil {
		out.Magmoms = append([]float64(nil), s.Magmoms...)
	}
	out.Info = map[string]any{}
	for k, v := range s.Info {
		out.Info[k] = CloneValue(v)
	}
	return out
}

// SetCalculator attaches c and discards stale results.
func (s *Structure) SetCalculator(c Calculator) {
	s.calc = c
	s.results = nil
}

// Calculator returns the attached calculator, or nil.
func (s *Structure) Calculator() Calculator { return s.calc }

// Results returns a copy of the last results.
func (s *Structure) Results() Results { return s.results.Clone() }

// SetResults stores a copy of r as the current results.
func (s *Structure) SetResults(r Results) { s.results = r.Clone() }

// CacheResults moves the current results into Info["results"]["calcN"] and
// carries computed magnetic moments over as initial moments, so a new
// calculator can be attached without losing history.
func (s *Structure) CacheResults() {
	if len(s.results) == 0 {
		return
	}
	history, _ := s.Info["results"].(map[string]any)
	if history == nil {
		history = map[string]any{}
	}
	key := "calc" + strconv.Itoa(len(history))
	history[key] = map[string]any(s.results.Clone())
	if s.Info == nil {
		s.Info = map[string]any{}
	}
	s.Info["results"] = history

	if m, ok := s.results.Magmoms(); ok && len(m) == s.Len() {
		s.Magmoms = append([]float64(nil), m...)
	}
	s.results = nil
}

// SameSpecies reports whether both structures have the same species sequence.
func (s *Structure) SameSpecies(o *Structure) bool {
	if s.Len() != o.Len() {
		return false
	}
	for i := range s.Symbols {
		if s.Symbols[i] != o.Symbols[i] {
			return false
		}
	}
	return true
}

func (s *Structure) counts() map[string]int {
	c := make(map[string]int)
	for _, sym := range s.Symbols {
		c[sym]++
	}
	return c
}

// Elements returns the distinct elements in alphabetical order.
func (s *Structure) Elements() []string {
	c := s.counts()
	out := make([]string, 0, len(c))
	for el := range c {
		out = append(out, el)
	}
	sort.Strings(out)
	return out
}

// Chemsys returns the dash-joined element list, e.g. "Cu-O".
func (s *Structure) Chemsys() string {
	return strings.Join(s.Elements(), "-")
}

// Formula returns the Hill-order formula, e.g. "CH4" or "Cu4".
func (s *Structure) Formula() string {
	return hill(s.counts(), 1)
}

// ReducedFormula divides the Hill formula by the greatest common divisor of
// the element counts.
func (s *Structure) ReducedFormula() string {
	c := s.counts()
	g := 0
	for _, n := range c {
		g = gcd(g, n)
	}
	if g == 0 {
		g = 1
	}
	return hill(c, g)
}

func hill(counts map[string]int, div int) string {
	els := make([]string, 0, len(counts))
	for el := range counts {
		els = append(els, el)
	}
	sort.Strings(els)
	if _, ok := counts["C"]; ok {
		ordered := []string{"C"}
		if _, ok := counts["H"]; ok {
			ordered = append(ordered, "H")
		}
		for _, el := range els {
			if el != "C" && el != "H" {
				ordered = append(ordered, el)
			}
		}
		els = ordered
	}

	var b strings.Builder
	for _, el := range els {
		b.WriteString(el)
		if n := counts[el] / div; n != 1 {
			b.WriteString(strconv.Itoa(n))
		}
	}
	return b.String()
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
