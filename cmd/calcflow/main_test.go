package main

import (
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/calcflow/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text")
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	type result struct{ out, err []byte }
	done := make(chan result)
	go func() {
		o, _ := io.ReadAll(stdoutR)
		e, _ := io.ReadAll(stderrR)
		done <- result{o, e}
	}()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	res := <-done
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(res.out), string(res.err)
}

const dimerXYZ = `2
argon dimer
Ar 0.0 0.0 0.0
Ar 0.0 0.0 3.9
`

// writeProject lays out a config, a structure and a job file under a
// temp dir and returns the config and job paths.
func writeProject(t *testing.T, job string) (string, string) {
	t.Helper()
	dir := t.TempDir()

	configYAML := `
service:
  log_level: error
  log_format: text
scratch:
  dir: ` + filepath.Join(dir, "scratch") + `
run:
  results_root: ` + filepath.Join(dir, "results") + `
store:
  path: ` + filepath.Join(dir, "data", "calcflow.db") + `
calculators:
  lj:
    kind: lj
    params:
      sigma: 3.4
      epsilon: 0.0104
`
	configPath := filepath.Join(dir, "calcflow.yaml")
	for path, content := range map[string]string{
		configPath:                      configYAML,
		filepath.Join(dir, "dimer.xyz"): dimerXYZ,
		filepath.Join(dir, "job.yaml"):  job,
	} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return configPath, filepath.Join(dir, "job.yaml")
}

func TestRunJobThenInspect(t *testing.T) {
	configPath, jobPath := writeProject(t, `
name: argon
structure: dimer.xyz
calculator: lj
jobs:
  - name: sp
  - name: relax
    mode: relax
    fmax: 0.001
`)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runJob([]string{jobPath, "--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runJob() code = %d, stderr: %s", code, stderr)
	}

	var outcomes []outcomeJSON
	if err := json.Unmarshal([]byte(stdout), &outcomes); err != nil {
		t.Fatalf("decode outcomes: %v\n%s", err, stdout)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Status != "succeeded" || o.DocumentID == "" || o.RunID == "" {
			t.Fatalf("unexpected outcome: %+v", o)
		}
	}
	relax := outcomes[1]
	if relax.Name != "argon/relax" || !relax.Converged || relax.Steps == 0 {
		t.Fatalf("unexpected relax outcome: %+v", relax)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runDocList([]string{"--config", configPath, "--formula", "Ar2"})
	})
	if code != 0 {
		t.Fatalf("runDocList() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "2 document(s)") || !strings.Contains(stdout, relax.DocumentID) {
		t.Fatalf("doc list output unexpected:\n%s", stdout)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runDocShow([]string{relax.DocumentID, "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runDocShow() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, `"formula": "Ar2"`) || !strings.Contains(stdout, `"trajectory"`) {
		t.Fatalf("doc show output unexpected:\n%s", stdout)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runRunLogShow([]string{relax.RunID, "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runRunLogShow() code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"Status      : succeeded", "Job         : argon/relax", "opt.traj", "ok"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("run-log show missing %q:\n%s", want, stdout)
		}
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runRunLogList([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runRunLogList() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "argon/sp") || !strings.Contains(stdout, "argon/relax") {
		t.Fatalf("run-log list output unexpected:\n%s", stdout)
	}

	trajPath := filepath.Join(relax.ResultsDir, "opt.traj")
	plotPath := filepath.Join(t.TempDir(), "energy.svg")
	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runTrajPlot([]string{trajPath, plotPath, "--title", "argon"})
	})
	if code != 0 {
		t.Fatalf("runTrajPlot() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Wrote "+plotPath) {
		t.Fatalf("traj plot output unexpected: %s", stdout)
	}
	if info, err := os.Stat(plotPath); err != nil || info.Size() == 0 {
		t.Fatalf("plot not written: %v", err)
	}
}

func TestRunJobReportsFailures(t *testing.T) {
	configPath, jobPath := writeProject(t, `
name: mixed
structure: dimer.xyz
calculator: lj
jobs:
  - name: ok
  - name: broken
    structure: missing.xyz
`)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runJob([]string{jobPath, "--config", configPath, "--engine", "pool", "--workers", "2"})
	})
	if code != 1 {
		t.Fatalf("runJob() code = %d, want 1", code)
	}
	for _, want := range []string{"2 job(s): 1 succeeded, 0 not converged, 1 failed", "mixed/ok", "mixed/broken", "error: mixed/broken"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("summary missing %q:\n%s", want, stdout)
		}
	}
}

func TestRunJobUsageErrors(t *testing.T) {
	configPath, _ := writeProject(t, "name: x\n")
	tests := []struct {
		name string
		args []string
	}{
		{"no job file", []string{"--config", configPath}},
		{"missing job file", []string{"nope.yaml", "--config", configPath}},
		{"bad engine", []string{"job.yaml", "--config", configPath, "--engine", "slurm"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := captureOutputWithExitCode(t, func() int { return runJob(tt.args) })
			if code != 1 {
				t.Fatalf("runJob(%v) code = %d, want 1", tt.args, code)
			}
		})
	}
}

func TestScratchPrune(t *testing.T) {
	configPath, _ := writeProject(t, "name: x\n")
	scratch := filepath.Join(filepath.Dir(configPath), "scratch")
	old := filepath.Join(scratch, "calcflow-old")
	fresh := filepath.Join(scratch, "calcflow-fresh")
	for _, d := range []string{old, fresh} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runScratchPrune([]string{"--config", configPath, "--older-than", "24h"})
	})
	if code != 0 {
		t.Fatalf("runScratchPrune() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Pruned 1 scratch") {
		t.Fatalf("unexpected output: %s", stdout)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("old scratch dir still present: %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh scratch dir removed: %v", err)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runScratchPrune([]string{"--config", configPath})
	})
	if code != 1 {
		t.Fatalf("prune without --older-than code = %d, want 1", code)
	}
}

func TestRunConfigCheck(t *testing.T) {
	configPath, _ := writeProject(t, "name: x\n")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runConfigCheck() code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}
	var res struct {
		Valid       bool   `json:"valid"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("decode result: %v\n%s", err, stdout)
	}
	if !res.Valid || res.Fingerprint == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	brokenDir := t.TempDir()
	broken := filepath.Join(brokenDir, "calcflow.yaml")
	brokenYAML := "run:\n  results_root: " + filepath.Join(brokenDir, "results") + "\n" +
		"store:\n  path: " + filepath.Join(brokenDir, "calcflow.db") + "\n" +
		"archive:\n  keep_plain: [\"[bad\"]\n"
	if err := os.WriteFile(broken, []byte(brokenYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", broken})
	})
	if code != 1 || !strings.Contains(stdout, "Configuration invalid") {
		t.Fatalf("broken config: code = %d, output:\n%s", code, stdout)
	}
}

func TestDocCommandsNeedPersistentStore(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "calcflow.yaml")
	if err := os.WriteFile(configPath, []byte("store:\n  path: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runDocList([]string{"--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "store.path is empty") {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
}

func TestParseInterspersed(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "")
	configPath := fs.String("config", "", "")
	pos, err := parseInterspersed(fs, []string{"a", "--json", "b", "--config", "c.yaml"})
	if err != nil {
		t.Fatalf("parseInterspersed: %v", err)
	}
	if strings.Join(pos, ",") != "a,b" || !*jsonOut || *configPath != "c.yaml" {
		t.Fatalf("pos=%v json=%v config=%q", pos, *jsonOut, *configPath)
	}
}
