package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"devloop/internal/core/config"
	"devloop/internal/data/history"
	"devloop/internal/engine/health"
	"devloop/internal/shared/util"
	"devloop/internal/ui/report"
)

func Run(args []string) int {
	opts, err := parseOptions(args)
	if err != nil {
		return 2
	}

	if opts.version {
		fmt.Printf("devloop v%s\n", versionString)
		return 0
	}

	if err := validateModeOptions(opts); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	if opts.worker != "" {
		return runWorker(opts)
	}

	// Query results own stdout.
	logOut := io.Writer(os.Stdout)
	if opts.query != "" {
		logOut = os.Stderr
	}
	cleanupLogs := configureLogging(opts.ui, opts.verbose, logOut)
	defer cleanupLogs()

	cwd, err := os.Getwd()
	if err != nil {
		slog.Error("failed to detect working directory", "error", err)
		return 1
	}

	cfg, cfgPath, err := loadConfig(opts.configPath, cwd)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}
	applyModeOptions(opts, cfg)

	paths, err := config.ResolvePaths(cfg, cwd)
	if err != nil {
		slog.Error("failed to resolve runtime paths", "error", err)
		return 1
	}

	if opts.history {
		if err := runHistoryMode(opts, cfg, paths); err != nil {
			slog.Error("history mode failed", "error", err)
			return 1
		}
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.query != "" {
		if err := runQueryMode(ctx, os.Stdout, cfg, paths, opts); err != nil {
			slog.Error("query failed", "error", err)
			return 1
		}
		return 0
	}

	rt, err := newRuntime(ctx, cfg, cfgPath, paths, opts)
	if err != nil {
		slog.Error("failed to initialize runtime", "error", err)
		return 1
	}
	defer rt.Close()

	if opts.once {
		return rt.runOnce(ctx, os.Stdout, opts)
	}
	return rt.runWatch(ctx, opts)
}

// validateModeOptions rejects flag combinations that cannot work together.
func validateModeOptions(opts cliOptions) error {
	modeCount := 0
	if opts.worker != "" {
		modeCount++
	}
	if opts.history {
		modeCount++
	}
	if opts.once {
		modeCount++
	}
	if opts.ui {
		modeCount++
	}
	if opts.query != "" {
		modeCount++
	}
	if modeCount > 1 {
		return fmt.Errorf("--worker, --history, --once, --ui and --query cannot be combined")
	}
	if opts.queryJSON && opts.query == "" {
		return fmt.Errorf("--query-json requires --query")
	}

	if opts.worker != "" && len(opts.args) > 0 {
		return fmt.Errorf("--worker does not accept positional path arguments")
	}
	if (opts.historyTSV != "" || opts.historyJSON != "") && !opts.history {
		return fmt.Errorf("--history-tsv/--history-json require --history")
	}
	if (opts.sarif != "" || opts.graphMermaid != "" || opts.graphMarkdown != "") && !opts.once {
		return fmt.Errorf("--sarif/--graph-mermaid/--graph-markdown require --once")
	}
	if len(opts.args) > 1 {
		return fmt.Errorf("at most one project path may be given")
	}
	return nil
}

// applyModeOptions lets a positional argument override the project root.
func applyModeOptions(opts cliOptions, cfg *config.Config) {
	if len(opts.args) > 0 {
		cfg.Paths.ProjectRoot = opts.args[0]
	}
}

func loadConfig(path, cwd string) (*config.Config, string, error) {
	if path != defaultConfigPath {
		if _, err := os.Stat(path); err != nil {
			return nil, "", err
		}
		cfg, _, err := config.LoadOrDefault(path)
		if err != nil {
			return nil, "", err
		}
		return cfg, path, nil
	}

	candidates, err := discoverDefaultConfig(cwd)
	if err != nil {
		return nil, "", err
	}
	for _, candidate := range candidates {
		cfg, found, err := config.LoadOrDefault(candidate)
		if err != nil {
			return nil, "", err
		}
		if found {
			return cfg, candidate, nil
		}
	}

	slog.Info("no config file found, using defaults")
	cfg, _, err := config.LoadOrDefault(candidates[0])
	if err != nil {
		return nil, "", err
	}
	return cfg, "", nil
}

func discoverDefaultConfig(cwd string) ([]string, error) {
	if strings.TrimSpace(cwd) == "" {
		return nil, fmt.Errorf("cwd must not be empty")
	}
	return []string{
		filepath.Clean(filepath.Join(cwd, "devloop.toml")),
		filepath.Clean(filepath.Join(cwd, "devloop.example.toml")),
	}, nil
}

// runWorker serves the health protocol on stdin/stdout. stdout carries
// protocol lines only, so logs go to stderr.
func runWorker(opts cliOptions) int {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if opts.configPath != "" && opts.configPath != defaultConfigPath {
		loaded, _, err := config.LoadOrDefault(opts.configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			return 1
		}
		cfg = loaded
	}

	checker, err := health.NewChecker(workerConfig(cfg, opts.worker))
	if err != nil {
		slog.Error("failed to create checker", "kind", opts.worker, "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := health.Serve(ctx, os.Stdin, os.Stdout, checker); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker failed", "kind", opts.worker, "error", err)
		return 1
	}
	return 0
}

// workerConfig returns the configured worker of kind, or a bare entry when
// the kind is not listed.
func workerConfig(cfg *config.Config, kind string) config.HealthWorker {
	kind = strings.ToLower(strings.TrimSpace(kind))
	for _, w := range cfg.Health.Workers {
		if w.Kind == kind {
			return w
		}
	}
	w := config.HealthWorker{Kind: kind}
	if kind == config.WorkerKindLint {
		w.ConfigFiles = config.DefaultLintConfigFiles()
	}
	return w
}

func runHistoryMode(opts cliOptions, cfg *config.Config, paths config.ResolvedPaths) error {
	if !cfg.History.Enabled {
		return fmt.Errorf("history is disabled in config (history.enabled=false)")
	}
	if _, err := os.Stat(paths.HistoryDB); err != nil {
		return fmt.Errorf("no history recorded at %s: %w", paths.HistoryDB, err)
	}
	store, err := history.Open(paths.HistoryDB)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	summary, err := store.Summarize()
	if err != nil {
		return err
	}
	batches, err := store.RecentBatches(opts.historyLimit)
	if err != nil {
		return err
	}

	printHistory(os.Stdout, summary, batches)

	if opts.historyTSV != "" {
		tsv, err := report.RenderHistoryTSV(batches)
		if err != nil {
			return fmt.Errorf("render history TSV: %w", err)
		}
		if err := util.WriteFileWithDirs(opts.historyTSV, tsv, 0o644); err != nil {
			return fmt.Errorf("write history TSV %q: %w", opts.historyTSV, err)
		}
	}
	if opts.historyJSON != "" {
		raw, err := report.RenderHistoryJSON(summary, batches)
		if err != nil {
			return fmt.Errorf("render history JSON: %w", err)
		}
		if err := util.WriteFileWithDirs(opts.historyJSON, raw, 0o644); err != nil {
			return fmt.Errorf("write history JSON %q: %w", opts.historyJSON, err)
		}
	}
	return nil
}

func printHistory(w io.Writer, summary history.Summary, batches []history.BatchEntry) {
	fmt.Fprintf(w, "History: %d batches (%d hot, %d full-restart, %d failed), %d server launches/exits, %d worker crashes\n",
		summary.Batches, summary.HotBatches, summary.RestartBatches, summary.FailedBatches, summary.Restarts, summary.WorkerCrashes)
	for _, b := range batches {
		fmt.Fprintf(w, "  %s %-12s changed=%d dirty=%d %s %s\n",
			b.At.Local().Format("2006-01-02 15:04:05"), b.Tier, b.Changed, b.Dirty, b.Duration, b.Outcome)
	}
}

func configureLogging(uiMode, verbose bool, output io.Writer) func() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	closeFn := func() {}
	if uiMode {
		logPath := resolveLogPath()
		if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to create log dir for %s: %v\n", logPath, err)
		} else if fi, err := os.Lstat(logPath); err == nil && (fi.Mode()&os.ModeSymlink) != 0 {
			fmt.Fprintf(os.Stderr, "warning: refusing to write logs to symlink path %s\n", logPath)
		} else {
			f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			if err == nil {
				output = f
				closeFn = func() { _ = f.Close() }
			} else {
				fmt.Fprintf(os.Stderr, "warning: failed to open log file %s: %v\n", logPath, err)
			}
		}
	}

	logger := slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return closeFn
}

func resolveLogPath() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "devloop", "devloop.log")
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "devloop", "devloop.log")
	}

	return "devloop.log"
}

// logWriter forwards each line of the dev server's output to slog, used in
// UI mode where the terminal belongs to the status view.
type logWriter struct {
	stream string
	buf    []byte
}

func (l *logWriter) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(l.buf[:i]), "\r")
		l.buf = l.buf[i+1:]
		if line != "" {
			slog.Info("server output", "stream", l.stream, "line", line)
		}
	}
	return len(p), nil
}
