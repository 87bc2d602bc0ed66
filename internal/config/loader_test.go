package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name:    "empty file gets defaults",
			file:    "calcflow.yaml",
			content: "",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Run.Fmax != 0.01 || cfg.Run.MaxSteps != 1000 {
					t.Errorf("run defaults not applied: %+v", cfg.Run)
				}
				if cfg.Scratch.Prefix != "calcflow-" {
					t.Errorf("scratch.prefix = %q", cfg.Scratch.Prefix)
				}
				if _, ok := cfg.Calculators["lj"]; !ok {
					t.Error("default lj calculator missing")
				}
			},
		},
		{
			name: "yaml with calculators and env",
			file: "calcflow.yaml",
			content: `
service:
  log_level: DEBUG
scratch:
  dir: ${CALCFLOW_TEST_SCRATCH}
  keep: true
archive:
  gzip: false
run:
  fmax: 0.05
  optimizer: FIRE
engine:
  kind: pool
  workers: 4
calculators:
  gfn2:
    kind: xtb
    command: xtb
    args: ["--gfn", "2"]
    timeout: 90s
    env:
      OMP_NUM_THREADS: "2"
`,
			env: map[string]string{"CALCFLOW_TEST_SCRATCH": "/scratch/me"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.LogLevel != "debug" {
					t.Errorf("log_level = %q", cfg.Service.LogLevel)
				}
				if cfg.Scratch.Dir != "/scratch/me" || !cfg.Scratch.Keep {
					t.Errorf("scratch = %+v", cfg.Scratch)
				}
				if cfg.Archive.Gzip {
					t.Error("archive.gzip should be false")
				}
				if cfg.Run.Optimizer != "fire" {
					t.Errorf("optimizer = %q", cfg.Run.Optimizer)
				}
				gfn2 := cfg.Calculators["gfn2"]
				if gfn2.Timeout.Std() != 90*time.Second {
					t.Errorf("timeout = %v", gfn2.Timeout.Std())
				}
				if gfn2.Env["OMP_NUM_THREADS"] != "2" {
					t.Errorf("env = %v", gfn2.Env)
				}
				if cfg.Engine.Workers != 4 {
					t.Errorf("workers = %d", cfg.Engine.Workers)
				}
			},
		},
		{
			name: "toml",
			file: "calcflow.toml",
			content: `
[run]
fmax = 0.02
max_steps = 50

[calculators.orca]
kind = "orca"
command = "orca"
timeout = "1h"

[calculators.orca.params]
method = "B3LYP def2-SVP"
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Run.Fmax != 0.02 || cfg.Run.MaxSteps != 50 {
					t.Errorf("run = %+v", cfg.Run)
				}
				orca := cfg.Calculators["orca"]
				if orca.Timeout.Std() != time.Hour {
					t.Errorf("timeout = %v", orca.Timeout.Std())
				}
				if orca.Params["method"] != "B3LYP def2-SVP" {
					t.Errorf("params = %v", orca.Params)
				}
			},
		},
		{
			name:    "external calculator gets default timeout",
			file:    "calcflow.yaml",
			content: "calculators:\n  g16:\n    kind: gaussian\n    command: g16\n",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Calculators["g16"].Timeout.Std() != DefaultCalculatorTimeout {
					t.Errorf("timeout = %v", cfg.Calculators["g16"].Timeout.Std())
				}
			},
		},
		{
			name:    "unresolved env var",
			file:    "calcflow.yaml",
			content: "store:\n  path: ${CALCFLOW_TEST_UNSET_VAR}\n",
			wantErr: "CALCFLOW_TEST_UNSET_VAR",
		},
		{
			name:    "bad optimizer",
			file:    "calcflow.yaml",
			content: "run:\n  optimizer: lbfgs\n",
			wantErr: "run.optimizer",
		},
		{
			name:    "external without command",
			file:    "calcflow.yaml",
			content: "calculators:\n  x:\n    kind: xtb\n",
			wantErr: "command is required",
		},
		{
			name:    "unknown kind",
			file:    "calcflow.yaml",
			content: "calculators:\n  x:\n    kind: vasp\n",
			wantErr: "kind",
		},
		{
			name:    "bad engine",
			file:    "calcflow.yaml",
			content: "engine:\n  kind: dask\n",
			wantErr: "engine.kind",
		},
		{
			name:    "bad duration",
			file:    "calcflow.yaml",
			content: "calculators:\n  x:\n    kind: xtb\n    command: xtb\n    timeout: soon\n",
			wantErr: "invalid duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, tt.file, tt.content)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoadIncludesMergeCalculators(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "calcflow.yaml"), []byte(`
include:
  - calculators.yaml
calculators:
  xtb:
    kind: xtb
    command: /opt/xtb/bin/xtb
`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "calculators.yaml"), []byte(`
include:
  - calcflow.yaml
calculators:
  xtb:
    kind: xtb
    command: xtb-from-include
  orca:
    kind: orca
    command: orca
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Calculators["xtb"].Command != "/opt/xtb/bin/xtb" {
		t.Errorf("root calculator should win, got %q", cfg.Calculators["xtb"].Command)
	}
	if _, ok := cfg.Calculators["orca"]; !ok {
		t.Error("included calculator missing")
	}
	if len(cfg.SourceFiles) != 2 {
		t.Errorf("SourceFiles = %v", cfg.SourceFiles)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestDecodeBytesPicksFormat(t *testing.T) {
	var out struct {
		Name string `yaml:"name" toml:"name"`
	}
	if err := DecodeBytes("job.toml", []byte(`name = "relax"`), &out); err != nil || out.Name != "relax" {
		t.Fatalf("toml decode: %v %q", err, out.Name)
	}
	if err := DecodeBytes("job.yaml", []byte(`name: static`), &out); err != nil || out.Name != "static" {
		t.Fatalf("yaml decode: %v %q", err, out.Name)
	}
}
