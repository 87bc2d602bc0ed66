package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/calcflow/internal/calculator"
	"github.com/mattjoyce/calcflow/internal/flow"
	"github.com/mattjoyce/calcflow/internal/job"
	"github.com/mattjoyce/calcflow/internal/log"
	"github.com/mattjoyce/calcflow/internal/runlog"
	"github.com/mattjoyce/calcflow/internal/storage"
	"github.com/mattjoyce/calcflow/internal/workspace"
)

func runJob(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	engineKind := fs.String("engine", "", "Execution engine (serial, pool); overrides engine.kind")
	workers := fs.Int("workers", 0, "Pool size; overrides engine.workers")
	jsonOut := fs.Bool("json", false, "Print outcomes as JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		printRunHelp()
		return 1
	}
	jobPath := positional[0]

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *engineKind != "" {
		cfg.Engine.Kind = *engineKind
	}
	if *workers > 0 {
		cfg.Engine.Workers = *workers
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("calcflow starting", "version", version, "job", jobPath)

	spec, err := job.Load(jobPath)
	if err != nil {
		logger.Error("failed to load job", "path", jobPath, "error", err)
		return 1
	}
	specs, err := spec.Expand(cfg.Run)
	if err != nil {
		logger.Error("invalid job", "path", jobPath, "error", err)
		return 1
	}

	engine, err := flow.New(cfg.Engine)
	if err != nil {
		logger.Error("invalid engine", "error", err)
		return 1
	}

	if cfg.Scratch.Dir != "" {
		if err := storage.EnsureLocalFilesystem(cfg.Scratch.Dir, "scratch root"); err != nil {
			logger.Warn("scratch root is not local disk", "error", err)
		}
	}
	ws, err := workspace.NewFSManager(workspaceOptions(cfg))
	if err != nil {
		logger.Error("failed to initialize scratch manager", "error", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Store.Path, "error", err)
		return 1
	}
	defer st.close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	executor := &job.Executor{
		Workspace: ws,
		Registry:  calculator.NewRegistry(cfg.Calculators),
		Store:     st.docs,
		RunLog:    st.runs,
		Hostname:  hostname,
	}

	tasks, outcomes := executor.Tasks(specs)
	logger.Info("running jobs", "count", len(tasks), "engine", engine.Name())
	runErr := engine.Run(ctx, tasks)

	if *jsonOut {
		writeOutcomesJSON(os.Stdout, specs, outcomes)
	} else {
		writeOutcomes(os.Stdout, newTheme(), specs, outcomes)
	}

	if runErr != nil {
		logger.Error("batch finished with failures", "error", runErr)
		return 1
	}
	return 0
}

type outcomeJSON struct {
	Name       string        `json:"name"`
	RunID      string        `json:"run_id,omitempty"`
	Status     runlog.Status `json:"status"`
	ResultsDir string        `json:"results_dir"`
	DocumentID string        `json:"document_id,omitempty"`
	Hash       string        `json:"hash,omitempty"`
	Formula    string        `json:"formula,omitempty"`
	Energy     *float64      `json:"energy,omitempty"`
	Steps      int           `json:"steps,omitempty"`
	Converged  bool          `json:"converged"`
	Files      int           `json:"files"`
	ElapsedSec float64       `json:"elapsed_seconds"`
	Error      string        `json:"error,omitempty"`
}

func writeOutcomesJSON(w io.Writer, specs []job.Spec, outcomes []*job.Outcome) {
	rows := make([]outcomeJSON, len(outcomes))
	for i, o := range outcomes {
		if o == nil {
			rows[i] = outcomeJSON{Name: specs[i].Name, Status: runlog.StatusFailed, ResultsDir: specs[i].ResultsDir, Error: "not started"}
			continue
		}
		rows[i] = outcomeJSON{
			Name:       o.Name,
			RunID:      o.RunID,
			Status:     o.Status,
			ResultsDir: o.ResultsDir,
			DocumentID: o.DocumentID,
			Hash:       o.Hash,
			Formula:    o.Formula,
			Energy:     o.Energy,
			Steps:      o.Steps,
			Converged:  o.Converged,
			Files:      o.Files,
			ElapsedSec: o.Elapsed.Seconds(),
		}
		if o.Err != nil {
			rows[i].Error = o.Err.Error()
		}
	}
	data, _ := json.MarshalIndent(rows, "", "  ")
	fmt.Fprintln(w, string(data))
}

// writeOutcomes prints one line per job inside a bordered summary box.
// Jobs the engine never reached show as "not started".
func writeOutcomes(w io.Writer, th theme, specs []job.Spec, outcomes []*job.Outcome) {
	nameWidth := len("JOB")
	for _, s := range specs {
		nameWidth = max(nameWidth, len(s.Name))
	}

	lines := []string{
		th.Header.Render(fmt.Sprintf("%-*s  %-14s  %-10s  %16s  %5s  %-12s  %s",
			nameWidth, "JOB", "STATUS", "FORMULA", "ENERGY (eV)", "STEPS", "DOCUMENT", "ELAPSED")),
	}
	counts := map[runlog.Status]int{}
	var failures []string
	for i, o := range outcomes {
		if o == nil {
			lines = append(lines, fmt.Sprintf("%-*s  %s", nameWidth, specs[i].Name, th.Dim.Render("not started")))
			continue
		}
		counts[o.Status]++
		energy := "-"
		if o.Energy != nil {
			energy = strconv.FormatFloat(*o.Energy, 'f', 6, 64)
		}
		steps := "-"
		if o.Steps > 0 {
			steps = strconv.Itoa(o.Steps)
		}
		doc := "-"
		if o.DocumentID != "" {
			doc = shortHash(o.DocumentID)
		}
		lines = append(lines, fmt.Sprintf("%-*s  %s  %-10s  %16s  %5s  %-12s  %s",
			nameWidth, o.Name, th.status(o.Status, 14), o.Formula, energy, steps, doc,
			th.Dim.Render(o.Elapsed.Round(time.Millisecond).String())))
		if o.Err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", o.Name, o.Err))
		}
	}

	title := th.Title.Render(fmt.Sprintf("%d job(s): %d succeeded, %d not converged, %d failed",
		len(specs), counts[runlog.StatusSucceeded], counts[runlog.StatusNotConverged], counts[runlog.StatusFailed]))
	body := lipgloss.JoinVertical(lipgloss.Left, append([]string{title, ""}, lines...)...)
	fmt.Fprintln(w, th.Border.Render(body))

	for _, f := range failures {
		fmt.Fprintln(w, th.StatusFailed.Render("error: ")+f)
	}
}
