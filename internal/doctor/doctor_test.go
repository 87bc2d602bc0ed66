package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/calcflow/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Scratch.Dir = filepath.Join(dir, "scratch")
	cfg.Store.Path = filepath.Join(dir, "data", "calcflow.db")
	cfg.Run.ResultsRoot = filepath.Join(dir, "results")
	cfg.Calculators = map[string]config.CalculatorConfig{
		"lj":  {Kind: config.KindLJ},
		"xtb": {Kind: config.KindXTB, Command: "xtb"},
	}
	return cfg
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.lookPath = func(cmd string) (string, error) { return "/opt/bin/" + cmd, nil }
	d.localCheck = func(string, string) error { return nil }
	d.numCPU = 4
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
	if r.Fingerprint == "" {
		t.Fatal("expected a fingerprint")
	}
}

func TestValidate_CommandNotOnPath(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig(t))
	d.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("missing command should only warn, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "calculators", `"xtb" not found`)
}

func TestValidate_ProtocolWorkerOnPath(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Calculators["worker"] = config.CalculatorConfig{Kind: config.KindProtocol, Command: "calc-worker"}
	r := newDoctor(cfg).Validate()
	assertHasWarning(t, r, "calculators", "absolute path")
}

func TestValidate_NoCalculators(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Calculators = nil
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "calculators", "no calculators")
}

func TestValidate_ScratchNotWritable(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Scratch.Dir = filepath.Join(blocker, "scratch")
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "scratch", "cannot create")
}

func TestValidate_NetworkFilesystems(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig(t))
	d.localCheck = func(_, purpose string) error {
		return errors.New(purpose + " is on network filesystem \"nfs\"")
	}
	r := d.Validate()
	if r.Valid {
		t.Fatal("store on NFS should be invalid")
	}
	assertHasError(t, r, "store", "document store")
	assertHasWarning(t, r, "scratch", "scratch root")
}

func TestValidate_InMemoryStore(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Store.Path = ""
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "store", "in memory")
}

func TestValidate_BadKeepPlainGlob(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Archive.KeepPlain = []string{"*.log", "[bad"}
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "archive", "[bad")
}

func TestValidate_PoolWorkers(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Engine = config.EngineConfig{Kind: config.EnginePool, Workers: 16}
	r := newDoctor(cfg).Validate()
	assertHasWarning(t, r, "engine", "16 workers")
}

func TestValidate_APIExposure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		listen string
		token  string
		warn   bool
	}{
		{"127.0.0.1:8080", "", false},
		{"localhost:8080", "", false},
		{"[::1]:8080", "", false},
		{"0.0.0.0:8080", "", true},
		{":8080", "", true},
		{"0.0.0.0:8080", "secret", false},
	}
	for _, tt := range tests {
		cfg := validConfig(t)
		cfg.API = config.APIConfig{Listen: tt.listen, Token: tt.token}
		r := newDoctor(cfg).Validate()
		got := false
		for _, w := range r.Warnings {
			if w.Category == "api" {
				got = true
			}
		}
		if got != tt.warn {
			t.Errorf("listen=%q token=%q: api warning = %v, want %v", tt.listen, tt.token, got, tt.warn)
		}
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:       false,
		Fingerprint: "abc",
		Errors:      []Issue{{Category: "store", Field: "store.path", Message: "bad"}},
		Warnings:    []Issue{{Category: "api", Message: "open"}},
	}
	out := FormatHuman(r)
	for _, want := range []string{
		"Configuration invalid (1 error(s), 1 warning(s))",
		"ERROR [store] store.path: bad",
		"WARN  [api] open",
		"Fingerprint: abc",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("FormatHuman missing %q:\n%s", want, out)
		}
	}
	if got := FormatHuman(&Result{Valid: true}); got != "Configuration valid.\n" {
		t.Errorf("FormatHuman(valid) = %q", got)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true, Warnings: []Issue{{Category: "scratch", Message: "x"}}})
	if err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}
	if !strings.Contains(out, `"valid": true`) || !strings.Contains(out, `"category": "scratch"`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
