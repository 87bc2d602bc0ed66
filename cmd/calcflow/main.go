package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/calcflow/internal/api"
	"github.com/mattjoyce/calcflow/internal/calculator"
	"github.com/mattjoyce/calcflow/internal/config"
	"github.com/mattjoyce/calcflow/internal/docstore"
	"github.com/mattjoyce/calcflow/internal/doctor"
	"github.com/mattjoyce/calcflow/internal/inspect"
	"github.com/mattjoyce/calcflow/internal/log"
	"github.com/mattjoyce/calcflow/internal/report"
	"github.com/mattjoyce/calcflow/internal/runlog"
	"github.com/mattjoyce/calcflow/internal/storage"
	"github.com/mattjoyce/calcflow/internal/workspace"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "doc":
		os.Exit(runDocNoun(args))
	case "run-log":
		os.Exit(runRunLogNoun(args))
	case "scratch":
		os.Exit(runScratchNoun(args))
	case "traj":
		os.Exit(runTrajNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))

	// --- VERBS ---
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			os.Exit(0)
		}
		os.Exit(runJob(args))
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			os.Exit(0)
		}
		os.Exit(runServe(args))
	case "doctor":
		os.Exit(runConfigCheck(args))
	case "version":
		fmt.Printf("calcflow version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`calcflow - run atomistic calculations in scratch space and store the results

Usage:
  calcflow <command> [args] [flags]
  calcflow <noun> <action> [args] [flags]

Commands:
  run <job.yaml|job.toml>   Execute a job file (and its child jobs); modes
                            static, relax (relax_cell for bulk) and path
  serve                     Serve stored documents and the run log over HTTP

Resources (Nouns):
  doc        show <id> | list        Stored result documents
  run-log    show <id> | list        Execution records and artifact integrity
  scratch    prune --older-than D    Stale scratch directories
  traj       plot <traj> <out>       Energy profile of an optimization trajectory
  config     check                   Validate configuration against this machine

General:
  version    Show version information
  help       Show this help message

Every command accepts --config PATH. Without it calcflow looks at
$CALCFLOW_CONFIG, ./calcflow.yaml, ./calcflow.toml and
~/.config/calcflow/calcflow.yaml, then falls back to built-in defaults.
`)
}

// --- NOUN DISPATCHERS ---

func runDocNoun(args []string) int {
	if len(args) < 1 {
		printDocNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printDocNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "show":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: calcflow doc show <id> [--config PATH]")
			return 0
		}
		return runDocShow(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: calcflow doc list [--formula F] [--limit N] [--config PATH] [--json]")
			return 0
		}
		return runDocList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown doc action: %s\n", action)
		return 1
	}
}

func runRunLogNoun(args []string) int {
	if len(args) < 1 {
		printRunLogNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printRunLogNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "show":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: calcflow run-log show <run_id> [--config PATH] [--json]")
			fmt.Println("Show a run, its document and whether its archived files still match their checksums.")
			return 0
		}
		return runRunLogShow(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: calcflow run-log list [--limit N] [--config PATH]")
			return 0
		}
		return runRunLogList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown run-log action: %s\n", action)
		return 1
	}
}

func runScratchNoun(args []string) int {
	if len(args) < 1 {
		printScratchNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printScratchNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "prune":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: calcflow scratch prune --older-than DURATION [--config PATH]")
			fmt.Println("Remove scratch directories under scratch.dir older than DURATION (e.g. 24h).")
			return 0
		}
		return runScratchPrune(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown scratch action: %s\n", action)
		return 1
	}
}

func runTrajNoun(args []string) int {
	if len(args) < 1 {
		printTrajNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTrajNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "plot":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: calcflow traj plot <opt.traj[.gz]> <out.png|out.svg|out.pdf> [--title T]")
			return 0
		}
		return runTrajPlot(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown traj action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: calcflow config check [--config PATH] [--format human|json] [--strict] [--json]")
			fmt.Println("Validate configuration and check calculators, scratch and store on this machine.")
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printDocNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: calcflow doc <action>")
	fmt.Fprintln(w, "Actions: show, list")
}

func printRunLogNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: calcflow run-log <action>")
	fmt.Fprintln(w, "Actions: show, list")
}

func printScratchNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: calcflow scratch <action>")
	fmt.Fprintln(w, "Actions: prune")
}

func printTrajNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: calcflow traj <action>")
	fmt.Fprintln(w, "Actions: plot")
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: calcflow config <action> [flags]")
	fmt.Fprintln(w, "Actions: check")
}

func printRunHelp() {
	fmt.Println("Usage: calcflow run <job.yaml|job.toml> [--config PATH] [--engine serial|pool] [--workers N] [--json]")
	fmt.Println("Execute a job file. Child jobs run on the configured engine.")
}

func printServeHelp() {
	fmt.Println("Usage: calcflow serve [--config PATH] [--listen ADDR]")
	fmt.Println("Serve stored documents and the run log over HTTP until interrupted.")
}

// --- SHARED HELPERS ---

// parseInterspersed lets flags follow positional arguments, as in
// 'calcflow doc show <id> --json'.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// loadConfigForTool loads configPath, a discovered config, or the built-in
// defaults when neither exists.
func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		configPath = config.DiscoverConfigPath()
	}
	if configPath == "" {
		return config.Defaults(), nil
	}
	return config.Load(configPath)
}

// stores bundles the document store and run log sharing one database.
type stores struct {
	docs      docstore.Store
	runs      *runlog.Log
	persisted bool
	close     func() error
}

// openStores opens the SQLite database at cfg.Store.Path. With no path the
// documents stay in memory and the run log uses a private in-memory database.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Store.Path == "" {
		db, err := storage.OpenSQLite(ctx, ":memory:")
		if err != nil {
			return nil, err
		}
		return &stores{docs: docstore.NewMemory(), runs: runlog.New(db), close: db.Close}, nil
	}

	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	return &stores{
		docs:      docstore.NewSQLite(db),
		runs:      runlog.New(db),
		persisted: true,
		close:     db.Close,
	}, nil
}

// openPersistedStores is openStores for commands that only read history.
func openPersistedStores(ctx context.Context, configPath string) (*stores, error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Path == "" {
		return nil, errors.New("store.path is empty; nothing is persisted between runs")
	}
	return openStores(ctx, cfg)
}

func workspaceOptions(cfg *config.Config) workspace.Options {
	return workspace.Options{
		ScratchRoot:  cfg.Scratch.Dir,
		Prefix:       cfg.Scratch.Prefix,
		LinkName:     cfg.Scratch.LinkName,
		Keep:         cfg.Scratch.Keep,
		Gzip:         cfg.Archive.Gzip,
		MinGzipBytes: cfg.Archive.MinGzipBytes,
		KeepPlain:    cfg.Archive.KeepPlain,
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// --- ACTION IMPLEMENTATIONS ---

func runDocShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: calcflow doc show <id> [--config PATH]")
		return 1
	}

	ctx := context.Background()
	st, err := openPersistedStores(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer st.close()

	rec, err := st.docs.Get(ctx, positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Document lookup failed: %v\n", err)
		return 1
	}
	raw, err := rec.Document.MarshalJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encode document: %v\n", err)
		return 1
	}
	var pretty strings.Builder
	enc := json.NewEncoder(&pretty)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(json.RawMessage(raw)); err != nil {
		fmt.Fprintf(os.Stderr, "Encode document: %v\n", err)
		return 1
	}
	fmt.Print(pretty.String())
	return 0
}

func runDocList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	formula := fs.String("formula", "", "Only documents with this formula")
	limit := fs.Int("limit", docstore.DefaultListLimit, "Maximum number of documents")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be positive")
		return 1
	}

	ctx := context.Background()
	st, err := openPersistedStores(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer st.close()

	recs, err := st.docs.List(ctx, docstore.Filter{Formula: *formula, Limit: *limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		type row struct {
			ID        string    `json:"id"`
			Formula   string    `json:"formula"`
			Chemsys   string    `json:"chemsys"`
			Hash      string    `json:"hash"`
			DirName   string    `json:"dir_name"`
			CreatedAt time.Time `json:"created_at"`
		}
		rows := make([]row, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, row{r.ID, r.Formula, r.Chemsys, r.Hash, r.DirName, r.CreatedAt})
		}
		data, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	th := newTheme()
	fmt.Println(th.Header.Render(fmt.Sprintf("%-36s  %-12s  %-10s  %-20s  %s", "ID", "FORMULA", "CHEMSYS", "CREATED", "HASH")))
	for _, r := range recs {
		fmt.Printf("%-36s  %-12s  %-10s  %-20s  %s\n",
			r.ID, r.Formula, r.Chemsys, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), th.Dim.Render(shortHash(r.Hash)))
	}
	fmt.Println(th.Dim.Render(fmt.Sprintf("%d document(s)", len(recs))))
	return 0
}

func runRunLogShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output report in JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: calcflow run-log show <run_id> [--config PATH] [--json]")
		return 1
	}

	ctx := context.Background()
	st, err := openPersistedStores(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer st.close()

	var out string
	if *jsonOut {
		out, err = inspect.BuildJSONReport(ctx, st.runs, st.docs, positional[0])
		out += "\n"
	} else {
		out, err = inspect.BuildReport(ctx, st.runs, st.docs, positional[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	return 0
}

func runRunLogList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", 20, "Maximum number of runs")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	st, err := openPersistedStores(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer st.close()

	runs, err := st.runs.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	th := newTheme()
	fmt.Println(th.Header.Render(fmt.Sprintf("%-36s  %-24s  %-14s  %-10s  %s", "RUN", "JOB", "STATUS", "CALC", "STARTED")))
	for _, r := range runs {
		fmt.Printf("%-36s  %-24s  %s  %-10s  %s\n",
			r.ID, r.Name, th.status(r.Status, 14), r.Calculator, r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return 0
}

func runScratchPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	olderThan := fs.Duration("older-than", 0, "Remove scratch directories older than this (e.g. 24h)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *olderThan <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: calcflow scratch prune --older-than DURATION [--config PATH]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ws, err := workspace.NewFSManager(workspaceOptions(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid scratch settings: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()
	rep, err := ws.Prune(ctx, *olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prune failed after %d removal(s): %v\n", rep.DeletedDirs, err)
		return 1
	}
	fmt.Printf("Pruned %d scratch director(ies) older than %s in %s\n", rep.DeletedDirs, *olderThan, cfg.Scratch.Dir)
	return 0
}

func runTrajPlot(args []string) int {
	fs := flag.NewFlagSet("plot", flag.ContinueOnError)
	title := fs.String("title", "", "Plot title (default: trajectory file name)")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: calcflow traj plot <opt.traj[.gz]> <out.png|out.svg|out.pdf> [--title T]")
		return 1
	}
	in, out := positional[0], positional[1]
	if *title == "" {
		*title = filepath.Base(in)
	}

	points, err := report.ReadTrajectory(in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read trajectory: %v\n", err)
		return 1
	}
	if err := report.PlotEnergies(points, *title, out); err != nil {
		fmt.Fprintf(os.Stderr, "Plot failed: %v\n", err)
		return 1
	}
	last := points[len(points)-1]
	fmt.Printf("Wrote %s (%d frames, final energy %.6f eV)\n", out, len(points), last.Energy)
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listen := fs.String("listen", "", "Listen address (overrides api.listen)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("calcflow starting", "version", version, "command", "serve")

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Store.Path, "error", err)
		return 1
	}
	defer st.close()
	if !st.persisted {
		logger.Warn("store.path is empty; serving an empty in-memory store")
	}

	reg := calculator.NewRegistry(cfg.Calculators)
	server := api.New(api.Config{
		Listen:      cfg.API.Listen,
		Token:       cfg.API.Token,
		Calculators: reg.Names(),
	}, st.docs, st.runs, log.WithComponent("api"))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("API server failed", "error", err)
		return 1
	}
	logger.Info("calcflow stopped")
	return 0
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
