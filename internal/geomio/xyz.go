package geomio

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/atoms"
)

type column struct {
	name  string
	kind  byte
	count int
}

var defaultColumns = []column{{"species", 'S', 1}, {"pos", 'R', 3}}

func readXYZ(r io.Reader) ([]*atoms.Structure, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var frames []*atoms.Structure
	lineNo := 0
	next := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		lineNo++
		return sc.Text(), true
	}

	for {
		header, ok := next()
		if !ok {
			break
		}
		if strings.TrimSpace(header) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(header))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("line %d: bad atom count %q", lineNo, header)
		}
		comment, ok := next()
		if !ok {
			return nil, fmt.Errorf("line %d: missing comment line", lineNo)
		}
		s, err := parseXYZFrame(n, comment, next, &lineNo)
		if err != nil {
			return nil, err
		}
		frames = append(frames, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

func parseXYZFrame(n int, comment string, next func() (string, bool), lineNo *int) (*atoms.Structure, error) {
	kv := parseKeyValues(comment)
	cols := defaultColumns
	if p, ok := kv["Properties"]; ok {
		var err error
		if cols, err = parseColumns(p); err != nil {
			return nil, fmt.Errorf("line %d: %w", *lineNo, err)
		}
		delete(kv, "Properties")
	}

	symbols := make([]string, n)
	pos := mat.NewDense(max(n, 1), 3, nil)
	var forces *mat.Dense
	var magmoms, initMagmoms []float64

	for i := 0; i < n; i++ {
		line, ok := next()
		if !ok {
			return nil, fmt.Errorf("line %d: expected %d atoms, got %d", *lineNo, n, i)
		}
		fields := strings.Fields(line)
		at := 0
		for _, c := range cols {
			if at+c.count > len(fields) {
				return nil, fmt.Errorf("line %d: too few columns", *lineNo)
			}
			vals := fields[at : at+c.count]
			at += c.count

			switch c.name {
			case "species":
				symbols[i] = normalizeSymbol(vals[0])
			case "pos", "positions":
				for j := 0; j < 3; j++ {
					v, err := strconv.ParseFloat(vals[j], 64)
					if err != nil {
						return nil, fmt.Errorf("line %d: %w", *lineNo, err)
					}
					pos.Set(i, j, v)
				}
			case "forces", "force":
				if forces == nil {
					forces = mat.NewDense(max(n, 1), 3, nil)
				}
				for j := 0; j < 3; j++ {
					v, err := strconv.ParseFloat(vals[j], 64)
					if err != nil {
						return nil, fmt.Errorf("line %d: %w", *lineNo, err)
					}
					forces.Set(i, j, v)
				}
			case "magmoms", "initial_magmoms":
				v, err := strconv.ParseFloat(vals[0], 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", *lineNo, err)
				}
				if c.name == "magmoms" {
					magmoms = append(magmoms, v)
				} else {
					initMagmoms = append(initMagmoms, v)
				}
			}
		}
	}

	s := &atoms.Structure{
		Symbols:      symbols,
		Multiplicity: 1,
		Info:         map[string]any{},
	}
	if n > 0 {
		s.Positions = pos
	}
	if len(initMagmoms) == n && n > 0 {
		s.Magmoms = initMagmoms
	}

	if lat, ok := kv["Lattice"]; ok {
		vals, err := parseFloats(lat)
		if err != nil || len(vals) != 9 {
			return nil, fmt.Errorf("line %d: bad Lattice %q", *lineNo, lat)
		}
		pbc := [3]bool{true, true, true}
		if p, ok := kv["pbc"]; ok {
			pbc = parsePBC(p)
		}
		s.SetCell(mat.NewDense(3, 3, vals), pbc)
		delete(kv, "Lattice")
		delete(kv, "pbc")
	}

	results := atoms.Results{}
	if forces != nil {
		results[string(atoms.PropForces)] = forces
	}
	if magmoms != nil {
		results[string(atoms.PropMagmoms)] = magmoms
	}
	if e, ok := kv["energy"]; ok {
		v, err := strconv.ParseFloat(e, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad energy %q", *lineNo, e)
		}
		results[string(atoms.PropEnergy)] = v
		delete(kv, "energy")
	}
	if st, ok := kv["stress"]; ok {
		vals, err := parseFloats(st)
		if err == nil && (len(vals) == 9 || len(vals) == 6) {
			results[string(atoms.PropStress)] = toVoigt(vals)
		}
		delete(kv, "stress")
	}
	if len(results) > 0 {
		s.SetResults(results)
	}

	for k, v := range kv {
		switch k {
		case "charge":
			if c, err := strconv.Atoi(v); err == nil {
				s.Charge = c
				continue
			}
		case "multiplicity":
			if m, err := strconv.Atoi(v); err == nil {
				s.Multiplicity = m
				continue
			}
		}
		s.Info[k] = parseScalar(v)
	}
	return s, nil
}

func toVoigt(v []float64) []float64 {
	if len(v) == 6 {
		return v
	}
	return []float64{v[0], v[4], v[8], v[5], v[2], v[1]}
}

// parseKeyValues splits an extended XYZ comment into key=value pairs. Values
// may be double quoted; bare keys map to "T".
func parseKeyValues(line string) map[string]string {
	out := make(map[string]string)
	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' || i < len(line) && line[i] == '\t' {
			i++
		}
		if i >= len(line) {
			break
		}
		start := i
		for i < len(line) && line[i] != '=' && line[i] != ' ' && line[i] != '\t' {
			i++
		}
		key := line[start:i]
		if i >= len(line) || line[i] != '=' {
			out[key] = "T"
			continue
		}
		i++
		var val string
		if i < len(line) && line[i] == '"' {
			i++
			start = i
			for i < len(line) && line[i] != '"' {
				i++
			}
			val = line[start:i]
			if i < len(line) {
				i++
			}
		} else {
			start = i
			for i < len(line) && line[i] != ' ' && line[i] != '\t' {
				i++
			}
			val = line[start:i]
		}
		out[key] = val
	}
	return out
}

func parseColumns(spec string) ([]column, error) {
	parts := strings.Split(spec, ":")
	if len(parts)%3 != 0 {
		return nil, fmt.Errorf("bad Properties %q", spec)
	}
	cols := make([]column, 0, len(parts)/3)
	for i := 0; i < len(parts); i += 3 {
		n, err := strconv.Atoi(parts[i+2])
		if err != nil || n < 1 || len(parts[i+1]) != 1 {
			return nil, fmt.Errorf("bad Properties %q", spec)
		}
		c := column{name: parts[i], kind: parts[i+1][0], count: n}
		if want, ok := columnWidths[c.name]; ok && c.count != want {
			return nil, fmt.Errorf("Properties column %q has %d values, want %d", c.name, c.count, want)
		}
		cols = append(cols, c)
	}
	if !hasColumn(cols, "species") || !(hasColumn(cols, "pos") || hasColumn(cols, "positions")) {
		return nil, fmt.Errorf("Properties %q needs species and pos columns", spec)
	}
	return cols, nil
}

// columnWidths fixes the width of the columns the reader interprets.
var columnWidths = map[string]int{
	"species":         1,
	"pos":             3,
	"positions":       3,
	"forces":          3,
	"force":           3,
	"magmoms":         1,
	"initial_magmoms": 1,
}

func hasColumn(cols []column, name string) bool {
	for _, c := range cols {
		if c.name == name {
			return true
		}
	}
	return false
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parsePBC(s string) [3]bool {
	var pbc [3]bool
	for i, f := range strings.Fields(s) {
		if i > 2 {
			break
		}
		pbc[i] = f == "T" || f == "True" || f == "true" || f == "1"
	}
	return pbc
}

func parseScalar(s string) any {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "T", "True", "true":
		return true
	case "F", "False", "false":
		return false
	}
	return s
}

// normalizeSymbol turns labels such as "Cu1" or "cu" into an element symbol.
func normalizeSymbol(label string) string {
	var b strings.Builder
	for i, r := range label {
		if r < 'A' || (r > 'Z' && r < 'a') || r > 'z' {
			break
		}
		if i == 0 {
			b.WriteString(strings.ToUpper(string(r)))
			continue
		}
		if i == 1 {
			b.WriteString(strings.ToLower(string(r)))
			continue
		}
		break
	}
	sym := b.String()
	if _, ok := atoms.AtomicNumber(sym); !ok && len(sym) == 2 {
		if _, ok := atoms.AtomicNumber(sym[:1]); ok {
			return sym[:1]
		}
	}
	return sym
}

func writeXYZFrame(w io.Writer, s *atoms.Structure) error {
	res := s.Results()
	forces, hasForces := res.Forces()

	var b strings.Builder
	if s.Cell != nil {
		b.WriteString(`Lattice="`)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				if i+j > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(formatFloat(s.Cell.At(i, j)))
			}
		}
		b.WriteString(`" `)
	}
	b.WriteString("Properties=species:S:1:pos:R:3")
	if hasForces {
		b.WriteString(":forces:R:3")
	}
	if e, ok := res.Energy(); ok {
		b.WriteString(" energy=" + formatFloat(e))
	}
	if st, ok := res.Stress(); ok && len(st) == 6 {
		full := []float64{st[0], st[5], st[4], st[5], st[1], st[3], st[4], st[3], st[2]}
		b.WriteString(` stress="`)
		for i, v := range full {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(formatFloat(v))
		}
		b.WriteByte('"')
	}
	if s.Charge != 0 {
		b.WriteString(" charge=" + strconv.Itoa(s.Charge))
	}
	if s.Multiplicity > 1 {
		b.WriteString(" multiplicity=" + strconv.Itoa(s.Multiplicity))
	}
	keys := make([]string, 0, len(s.Info))
	for k := range s.Info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.ContainsAny(k, " =\"") {
			continue
		}
		switch v := s.Info[k].(type) {
		case string:
			b.WriteString(" " + k + `="` + strings.ReplaceAll(v, `"`, "'") + `"`)
		case int:
			b.WriteString(" " + k + "=" + strconv.Itoa(v))
		case float64:
			b.WriteString(" " + k + "=" + formatFloat(v))
		case bool:
			b.WriteString(" " + k + "=" + boolFlag(v))
		}
	}
	if s.Cell != nil {
		b.WriteString(` pbc="` + boolFlag(s.PBC[0]) + " " + boolFlag(s.PBC[1]) + " " + boolFlag(s.PBC[2]) + `"`)
	}

	if _, err := fmt.Fprintf(w, "%d\n%s\n", s.Len(), b.String()); err != nil {
		return err
	}
	for i := 0; i < s.Len(); i++ {
		p := s.Position(i)
		line := fmt.Sprintf("%-2s %16.8f %16.8f %16.8f", s.Symbols[i], p[0], p[1], p[2])
		if hasForces {
			line += fmt.Sprintf(" %16.8f %16.8f %16.8f", forces.At(i, 0), forces.At(i, 1), forces.At(i, 2))
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func boolFlag(b bool) string {
	if b {
		return "T"
	}
	return "F"
}
