// Package parse extracts energies, forces and related quantities from the
// log files of external electronic-structure programs.
package parse

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/calcflow/internal/fileutil"
)

// Output is what a parser recovers from one log file. Energies are in eV,
// forces in eV/Å and frequencies in cm⁻¹.
type Output struct {
	Program           string
	Energies          []float64
	FinalEnergy       *float64
	Forces            [][3]float64
	Converged         *bool
	NormalTermination bool
	Frequencies       []float64
	Charges           map[string][]float64
	HOMO              *float64
	LUMO              *float64
	Gap               *float64
	Charge            *int
	Multiplicity      *int
	GeometryFrames    int
}

// Map renders o as the nested map stored in result documents. Unset
// optional fields are omitted.
func (o *Output) Map() map[string]any {
	m := map[string]any{
		"program":            o.Program,
		"normal_termination": o.NormalTermination,
		"nenergies":          len(o.Energies),
	}
	if len(o.Energies) > 0 {
		m["energies"] = append([]float64(nil), o.Energies...)
	}
	if o.FinalEnergy != nil {
		m["final_energy"] = *o.FinalEnergy
	}
	if len(o.Forces) > 0 {
		f := make([]any, len(o.Forces))
		for i, row := range o.Forces {
			f[i] = []float64{row[0], row[1], row[2]}
		}
		m["forces"] = f
	}
	if o.Converged != nil {
		m["converged"] = *o.Converged
	}
	if len(o.Frequencies) > 0 {
		m["frequencies"] = append([]float64(nil), o.Frequencies...)
	}
	if len(o.Charges) > 0 {
		c := make(map[string]any, len(o.Charges))
		for k, v := range o.Charges {
			c[k] = append([]float64(nil), v...)
		}
		m["charges"] = c
	}
	if o.HOMO != nil {
		m["homo"] = *o.HOMO
	}
	if o.LUMO != nil {
		m["lumo"] = *o.LUMO
	}
	if o.Gap != nil {
		m["gap"] = *o.Gap
	}
	if o.Charge != nil {
		m["charge"] = *o.Charge
	}
	if o.Multiplicity != nil {
		m["spin_multiplicity"] = *o.Multiplicity
	}
	if o.GeometryFrames > 0 {
		m["geometry_frames"] = o.GeometryFrames
	}
	return m
}

func (o *Output) addEnergy(e float64) {
	o.Energies = append(o.Energies, e)
	v := e
	o.FinalEnergy = &v
}

func (o *Output) setGap() {
	if o.HOMO != nil && o.LUMO != nil && o.Gap == nil {
		g := *o.LUMO - *o.HOMO
		o.Gap = &g
	}
}

// Parser reads the log of one program.
type Parser struct {
	Name       string
	Extensions []string // candidate log extensions, most specific first
	Parse      func(r io.Reader) (*Output, error)
}

var parsers = map[string]Parser{
	"gaussian": {Name: "gaussian", Extensions: []string{".log", ".out"}, Parse: ParseGaussian},
	"orca":     {Name: "orca", Extensions: []string{".out", ".log"}, Parse: ParseORCA},
	"xtb":      {Name: "xtb", Extensions: []string{".out", ".log"}, Parse: ParseXTB},
	"gulp":     {Name: "gulp", Extensions: []string{".got", ".out"}, Parse: ParseGULP},
}

// Gaussian returns the Gaussian log parser.
func Gaussian() Parser { return parsers["gaussian"] }

// ORCA returns the ORCA output parser.
func ORCA() Parser { return parsers["orca"] }

// XTB returns the xtb log parser.
func XTB() Parser { return parsers["xtb"] }

// GULP returns the GULP output parser.
func GULP() Parser { return parsers["gulp"] }

// Lookup returns the parser registered under name.
func Lookup(name string) (Parser, bool) {
	p, ok := parsers[strings.ToLower(name)]
	return p, ok
}

// Names lists the registered parsers.
func Names() []string {
	names := make([]string, 0, len(parsers))
	for n := range parsers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseFile parses path, decompressing it if needed.
func (p Parser) ParseFile(path string) (*Output, error) {
	rc, err := fileutil.Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	out, err := p.Parse(rc)
	if err != nil {
		return nil, fmt.Errorf("parse %s log %s: %w", p.Name, filepath.Base(path), err)
	}
	return out, nil
}

// ParseDir parses the most recent log in dir matching one of the parser's
// extensions. It returns the parsed output and the file it came from.
func (p Parser) ParseDir(dir string) (*Output, string, error) {
	for _, ext := range p.Extensions {
		path, err := FindRecentLogfile(dir, ext)
		if err != nil {
			return nil, "", err
		}
		if path == "" {
			continue
		}
		out, err := p.ParseFile(path)
		return out, path, err
	}
	return nil, "", fmt.Errorf("no %s log (%s) in %s", p.Name, strings.Join(p.Extensions, ", "), dir)
}

// FindRecentLogfile returns the most recently modified regular file in dir
// whose name contains ext, so ".log" also finds "job.log.gz". It returns ""
// when nothing matches.
func FindRecentLogfile(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", dir, err)
	}

	var (
		best     string
		bestTime int64
	)
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.Contains(e.Name(), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if t := info.ModTime().UnixNano(); best == "" || t > bestTime {
			best, bestTime = e.Name(), t
		}
	}
	if best == "" {
		return "", nil
	}
	return filepath.Join(dir, best), nil
}

// LogContains reports whether the file at path contains substr on any line.
func LogContains(path, substr string) (bool, error) {
	rc, err := fileutil.Open(path)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	sc := newScanner(rc)
	for sc.Scan() {
		if strings.Contains(sc.Text(), substr) {
			return true, nil
		}
	}
	return false, sc.Err()
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return sc
}

// lines reads r fully; the parsers look ahead across blocks.
func lines(r io.Reader) ([]string, error) {
	sc := newScanner(r)
	var out []string
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out, sc.Err()
}

func ptr[T any](v T) *T { return &v }
