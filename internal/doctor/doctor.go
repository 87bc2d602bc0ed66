// Package doctor checks that a loaded calcflow configuration can actually
// run on this machine: calculator programs, scratch and store locations,
// archive patterns and API exposure.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/mattjoyce/calcflow/internal/config"
	"github.com/mattjoyce/calcflow/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid       bool    `json:"valid"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	Errors      []Issue `json:"errors,omitempty"`
	Warnings    []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration against the local environment.
type Doctor struct {
	cfg        *config.Config
	lookPath   func(string) (string, error)
	localCheck func(path, purpose string) error
	numCPU     int
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:        cfg,
		lookPath:   exec.LookPath,
		localCheck: storage.EnsureLocalFilesystem,
		numCPU:     runtime.NumCPU(),
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateCalculators(r)
	d.validateScratch(r)
	d.validateStore(r)
	d.validateResultsRoot(r)
	d.validateArchive(r)
	d.warnEngine(r)
	d.warnAPIExposure(r)

	if fp, err := d.cfg.Fingerprint(); err == nil {
		r.Fingerprint = fp
	} else {
		d.addWarning(r, "integrity", "", fmt.Sprintf("could not fingerprint config files: %v", err))
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateCalculators checks that external programs resolve on PATH.
func (d *Doctor) validateCalculators(r *Result) {
	if len(d.cfg.Calculators) == 0 {
		d.addError(r, "calculators", "calculators", "no calculators configured")
		return
	}
	names := make([]string, 0, len(d.cfg.Calculators))
	for name := range d.cfg.Calculators {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cc := d.cfg.Calculators[name]
		if cc.Kind == config.KindLJ {
			continue
		}
		field := fmt.Sprintf("calculators.%s.command", name)
		resolved, err := d.lookPath(cc.Command)
		if err != nil {
			// Batch nodes often load programs through environment modules,
			// so a missing binary here is not fatal.
			d.addWarning(r, "calculators", field,
				fmt.Sprintf("command %q not found on PATH", cc.Command))
			continue
		}
		if cc.Kind == config.KindProtocol && !filepath.IsAbs(cc.Command) && !strings.Contains(cc.Command, "/") {
			d.addWarning(r, "calculators", field,
				fmt.Sprintf("protocol worker resolved via PATH to %s; prefer an absolute path", resolved))
		}
	}
}

// validateScratch checks the scratch root is writable local disk.
func (d *Doctor) validateScratch(r *Result) {
	dir := d.cfg.Scratch.Dir
	if dir == "" {
		d.addWarning(r, "scratch", "scratch.dir",
			"no scratch root; runs execute inside their results directories")
		return
	}
	if err := writable(dir); err != nil {
		d.addError(r, "scratch", "scratch.dir", err.Error())
		return
	}
	if err := d.localCheck(dir, "scratch root"); err != nil {
		d.addWarning(r, "scratch", "scratch.dir", err.Error())
	}
}

// validateStore checks the SQLite document store location.
func (d *Doctor) validateStore(r *Result) {
	p := d.cfg.Store.Path
	if p == "" {
		d.addWarning(r, "store", "store.path",
			"no store path; documents are kept in memory and lost on exit")
		return
	}
	if p == ":memory:" {
		return
	}
	if err := writable(filepath.Dir(p)); err != nil {
		d.addError(r, "store", "store.path", err.Error())
		return
	}
	if err := d.localCheck(p, "document store"); err != nil {
		d.addError(r, "store", "store.path", err.Error())
	}
}

func (d *Doctor) validateResultsRoot(r *Result) {
	if err := writable(d.cfg.Run.ResultsRoot); err != nil {
		d.addError(r, "run", "run.results_root", err.Error())
	}
}

// validateArchive rejects keep_plain globs path.Match cannot compile.
func (d *Doctor) validateArchive(r *Result) {
	for i, pattern := range d.cfg.Archive.KeepPlain {
		if _, err := path.Match(pattern, ""); err != nil {
			d.addError(r, "archive", fmt.Sprintf("archive.keep_plain[%d]", i),
				fmt.Sprintf("invalid glob %q: %v", pattern, err))
		}
	}
	if !d.cfg.Archive.Gzip && len(d.cfg.Archive.KeepPlain) > 0 {
		d.addWarning(r, "archive", "archive.keep_plain", "keep_plain has no effect while gzip is off")
	}
}

func (d *Doctor) warnEngine(r *Result) {
	if d.cfg.Engine.Kind != config.EnginePool {
		return
	}
	if d.cfg.Engine.Workers > d.numCPU {
		d.addWarning(r, "engine", "engine.workers",
			fmt.Sprintf("%d workers exceed the %d available CPUs", d.cfg.Engine.Workers, d.numCPU))
	}
}

// warnAPIExposure flags an unauthenticated API bound beyond loopback.
func (d *Doctor) warnAPIExposure(r *Result) {
	if d.cfg.API.Token != "" || d.cfg.API.Listen == "" {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if host == "localhost" {
		return
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return
	}
	d.addWarning(r, "api", "api.token",
		fmt.Sprintf("API listens on %s without a token", d.cfg.API.Listen))
}

// writable creates dir if needed and proves a file can be written in it.
func writable(dir string) error {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".calcflow-doctor-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}
	if r.Fingerprint != "" {
		fmt.Fprintf(&b, "Fingerprint: %s\n", r.Fingerprint)
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
