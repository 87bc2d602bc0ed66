package geomio

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/mattjoyce/calcflow/internal/atoms"
)

type cifBlock struct {
	name  string
	tags  map[string]string
	loops []cifLoop
}

type cifLoop struct {
	headers []string
	rows    [][]string
}

func (l cifLoop) column(names ...string) int {
	for _, n := range names {
		for i, h := range l.headers {
			if strings.EqualFold(h, n) {
				return i
			}
		}
	}
	return -1
}

// tokenizeCIF splits CIF text into tokens, keeping quoted strings and
// semicolon text fields whole.
func tokenizeCIF(r io.Reader) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var tokens []string
	var text *strings.Builder
	for sc.Scan() {
		line := sc.Text()
		if text != nil {
			if strings.HasPrefix(line, ";") {
				tokens = append(tokens, strings.TrimSpace(text.String()))
				text = nil
				continue
			}
			text.WriteString(line + "\n")
			continue
		}
		if strings.HasPrefix(line, ";") {
			text = &strings.Builder{}
			text.WriteString(line[1:] + "\n")
			continue
		}

		i := 0
		for i < len(line) {
			c := line[i]
			switch {
			case c == ' ' || c == '\t':
				i++
			case c == '#':
				i = len(line)
			case c == '\'' || c == '"':
				end := i + 1
				for end < len(line) {
					if line[end] == c && (end+1 == len(line) || line[end+1] == ' ' || line[end+1] == '\t') {
						break
					}
					end++
				}
				tokens = append(tokens, line[i+1:min(end, len(line))])
				i = end + 1
			default:
				start := i
				for i < len(line) && line[i] != ' ' && line[i] != '\t' {
					i++
				}
				tokens = append(tokens, line[start:i])
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if text != nil {
		return nil, fmt.Errorf("unterminated text field")
	}
	return tokens, nil
}

func parseCIFBlocks(tokens []string) ([]cifBlock, error) {
	var blocks []cifBlock
	var cur *cifBlock
	isKeyword := func(t string) bool {
		l := strings.ToLower(t)
		return strings.HasPrefix(t, "_") || strings.HasPrefix(l, "data_") || l == "loop_"
	}

	for i := 0; i < len(tokens); {
		t := tokens[i]
		lower := strings.ToLower(t)
		switch {
		case strings.HasPrefix(lower, "data_"):
			blocks = append(blocks, cifBlock{name: t[5:], tags: map[string]string{}})
			cur = &blocks[len(blocks)-1]
			i++
		case cur == nil:
			i++
		case lower == "loop_":
			i++
			var loop cifLoop
			for i < len(tokens) && strings.HasPrefix(tokens[i], "_") {
				loop.headers = append(loop.headers, strings.ToLower(tokens[i]))
				i++
			}
			if len(loop.headers) == 0 {
				return nil, fmt.Errorf("loop_ without headers")
			}
			var row []string
			for i < len(tokens) && !isKeyword(tokens[i]) {
				row = append(row, tokens[i])
				if len(row) == len(loop.headers) {
					loop.rows = append(loop.rows, row)
					row = nil
				}
				i++
			}
			if len(row) != 0 {
				return nil, fmt.Errorf("loop %s has a partial row", loop.headers[0])
			}
			cur.loops = append(cur.loops, loop)
		case strings.HasPrefix(t, "_"):
			if i+1 >= len(tokens) {
				return nil, fmt.Errorf("tag %s has no value", t)
			}
			cur.tags[strings.ToLower(t)] = tokens[i+1]
			i += 2
		default:
			i++
		}
	}
	return blocks, nil
}

// cifNumber parses a CIF numeric value, dropping a standard uncertainty such
// as "3.615(2)".
func cifNumber(s string) (float64, error) {
	if i := strings.IndexByte(s, '('); i >= 0 {
		s = s[:i]
	}
	return strconv.ParseFloat(s, 64)
}

type symop struct {
	rot   [3][3]float64
	trans [3]float64
}

func (o symop) apply(f [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = o.trans[i]
		for j := 0; j < 3; j++ {
			out[i] += o.rot[i][j] * f[j]
		}
	}
	return out
}

// parseSymop parses operations like "-x+1/2, y, z-1/4".
func parseSymop(s string) (symop, error) {
	var op symop
	parts := strings.Split(strings.ReplaceAll(strings.ToLower(s), " ", ""), ",")
	if len(parts) != 3 {
		return op, fmt.Errorf("bad symmetry operation %q", s)
	}
	for row, expr := range parts {
		i := 0
		for i < len(expr) {
			sign := 1.0
			if expr[i] == '+' || expr[i] == '-' {
				if expr[i] == '-' {
					sign = -1
				}
				i++
			}
			start := i
			for i < len(expr) && (expr[i] >= '0' && expr[i] <= '9' || expr[i] == '.' || expr[i] == '/') {
				i++
			}
			num := 1.0
			hasNum := i > start
			if hasNum {
				v, err := parseFraction(expr[start:i])
				if err != nil {
					return op, fmt.Errorf("bad symmetry operation %q: %w", s, err)
				}
				num = v
			}
			if i < len(expr) && expr[i] == '*' {
				i++
			}
			if i < len(expr) && expr[i] >= 'x' && expr[i] <= 'z' {
				op.rot[row][expr[i]-'x'] += sign * num
				i++
				continue
			}
			if !hasNum {
				return op, fmt.Errorf("bad symmetry operation %q", s)
			}
			op.trans[row] += sign * num
		}
	}
	return op, nil
}

func parseFraction(s string) (float64, error) {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, err
		}
		d, err := strconv.ParseFloat(den, 64)
		if err != nil || d == 0 {
			return 0, fmt.Errorf("bad fraction %q", s)
		}
		return n / d, nil
	}
	return strconv.ParseFloat(s, 64)
}

func wrap01(v float64) float64 {
	v -= math.Floor(v)
	if v >= 1-1e-8 {
		v = 0
	}
	return v
}

func readCIF(r io.Reader) ([]*atoms.Structure, error) {
	tokens, err := tokenizeCIF(r)
	if err != nil {
		return nil, err
	}
	blocks, err := parseCIFBlocks(tokens)
	if err != nil {
		return nil, err
	}

	var frames []*atoms.Structure
	for _, b := range blocks {
		s, err := cifStructure(b)
		if err != nil {
			return nil, fmt.Errorf("data_%s: %w", b.name, err)
		}
		if s != nil {
			frames = append(frames, s)
		}
	}
	return frames, nil
}

func cifStructure(b cifBlock) (*atoms.Structure, error) {
	var params [6]float64
	for i, tag := range []string{"_cell_length_a", "_cell_length_b", "_cell_length_c", "_cell_angle_alpha", "_cell_angle_beta", "_cell_angle_gamma"} {
		v, ok := b.tags[tag]
		if !ok {
			if i >= 3 {
				params[i] = 90
				continue
			}
			return nil, fmt.Errorf("missing %s", tag)
		}
		f, err := cifNumber(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", tag, err)
		}
		params[i] = f
	}
	cell := atoms.CellFromParameters(params)

	ops := []symop{{rot: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}}
	var sites *cifLoop
	for i := range b.loops {
		l := &b.loops[i]
		if c := l.column("_symmetry_equiv_pos_as_xyz", "_space_group_symop_operation_xyz"); c >= 0 {
			ops = ops[:0]
			for _, row := range l.rows {
				op, err := parseSymop(row[c])
				if err != nil {
					return nil, err
				}
				ops = append(ops, op)
			}
		}
		if l.column("_atom_site_fract_x") >= 0 {
			sites = l
		}
	}
	if sites == nil {
		return nil, nil
	}

	cType := sites.column("_atom_site_type_symbol", "_atom_site_label")
	cx := sites.column("_atom_site_fract_x")
	cy := sites.column("_atom_site_fract_y")
	cz := sites.column("_atom_site_fract_z")
	if cType < 0 || cy < 0 || cz < 0 {
		return nil, fmt.Errorf("atom_site loop lacks species or coordinates")
	}

	type site struct {
		sym  string
		frac [3]float64
	}
	var all []site
	for _, row := range sites.rows {
		var f [3]float64
		for k, c := range []int{cx, cy, cz} {
			v, err := cifNumber(row[c])
			if err != nil {
				return nil, fmt.Errorf("atom_site coordinate %q: %w", row[c], err)
			}
			f[k] = v
		}
		sym := normalizeSymbol(row[cType])
		for _, op := range ops {
			g := op.apply(f)
			g = [3]float64{wrap01(g[0]), wrap01(g[1]), wrap01(g[2])}
			dup := false
			for _, s := range all {
				if s.sym == sym && samePeriodic(s.frac, g) {
					dup = true
					break
				}
			}
			if !dup {
				all = append(all, site{sym: sym, frac: g})
			}
		}
	}

	symbols := make([]string, len(all))
	positions := make([][3]float64, len(all))
	for i, st := range all {
		symbols[i] = st.sym
		positions[i] = atoms.FractionalToCartesian(cell, st.frac)
	}
	s, err := atoms.New(symbols, positions)
	if err != nil {
		return nil, err
	}
	s.SetCell(cell, [3]bool{true, true, true})
	if b.name != "" {
		s.Info["cif_block"] = b.name
	}
	return s, nil
}

func samePeriodic(a, b [3]float64) bool {
	for i := 0; i < 3; i++ {
		d := math.Abs(a[i] - b[i])
		d = math.Min(d, 1-d)
		if d > 1e-4 {
			return false
		}
	}
	return true
}

func writeCIF(w io.Writer, s *atoms.Structure) error {
	if s.Cell == nil {
		return fmt.Errorf("CIF requires a cell")
	}
	p := atoms.CellParameters(s.Cell)

	var b strings.Builder
	fmt.Fprintf(&b, "data_%s\n", s.Formula())
	b.WriteString("_symmetry_space_group_name_H-M   'P 1'\n")
	fmt.Fprintf(&b, "_cell_length_a   %.8f\n", p[0])
	fmt.Fprintf(&b, "_cell_length_b   %.8f\n", p[1])
	fmt.Fprintf(&b, "_cell_length_c   %.8f\n", p[2])
	fmt.Fprintf(&b, "_cell_angle_alpha   %.8f\n", p[3])
	fmt.Fprintf(&b, "_cell_angle_beta   %.8f\n", p[4])
	fmt.Fprintf(&b, "_cell_angle_gamma   %.8f\n", p[5])
	b.WriteString("_symmetry_Int_Tables_number   1\n")
	b.WriteString("loop_\n _symmetry_equiv_pos_as_xyz\n 'x, y, z'\n")
	b.WriteString("loop_\n _atom_site_label\n _atom_site_type_symbol\n _atom_site_fract_x\n _atom_site_fract_y\n _atom_site_fract_z\n _atom_site_occupancy\n")

	counts := map[string]int{}
	for i := 0; i < s.Len(); i++ {
		frac, err := atoms.CartesianToFractional(s.Cell, s.Position(i))
		if err != nil {
			return fmt.Errorf("fractional coordinates: %w", err)
		}
		sym := s.Symbols[i]
		counts[sym]++
		fmt.Fprintf(&b, " %s%d %s %.8f %.8f %.8f 1.0\n", sym, counts[sym], sym, frac[0], frac[1], frac[2])
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}
