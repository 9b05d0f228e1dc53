package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/daemon"
	"github.com/basket/go-foreman/internal/notify"
	otelPkg "github.com/basket/go-foreman/internal/otel"
	"github.com/basket/go-foreman/internal/runner"
	"github.com/basket/go-foreman/internal/session"
	"github.com/basket/go-foreman/internal/status"
	"github.com/basket/go-foreman/internal/telemetry"
	"github.com/basket/go-foreman/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// Exit codes. 130 follows the shell convention for interrupted runs.
const (
	exitOK             = 0
	exitError          = 1
	exitAlreadyRunning = 2
	exitNotInitialized = 3
	exitInterrupted    = 130
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s start [flags]            Run the task daemon in the foreground
  %s run-task [flags]         Execute one task (spawned by the daemon)
  %s watch [flags]            Live dashboard for a running daemon
  %s status [flags]           Print a one-shot status summary

Common flags (every subcommand):
  --project-dir <dir>         Project root (default ".")

Run "%s <subcommand> -h" for the full flag list.
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	cmd := "start"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(exitOK)
	case "start":
		os.Exit(runStart(ctx, args))
	case "run-task":
		os.Exit(runTask(ctx, args))
	case "watch":
		os.Exit(runWatch(ctx, args))
	case "status":
		os.Exit(runStatus(args))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", cmd)
		printUsage()
		os.Exit(exitError)
	}
}

// loadConfig resolves the project dir and reads config.yaml on top of
// defaults.
func loadConfig(projectDir string) (*config.Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	return config.Load(abs)
}

func fatal(logger *slog.Logger, msg string, err error) {
	if logger != nil {
		logger.Error(msg, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
}

func runStart(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	projectDir := fs.String("project-dir", ".", "project root directory")
	maxConcurrent := fs.Int("max-concurrent", config.DefaultMaxConcurrent, "max tasks running at once")
	useWorktrees := fs.Bool("use-worktrees", false, "run each task in an isolated git worktree")
	maxRecovery := fs.Int("max-recovery", config.DefaultMaxRecovery, "recovery attempts before a task errors")
	maxChildDepth := fs.Int("max-child-depth", config.DefaultMaxChildDepth, "max design decomposition depth")
	stuckTimeout := fs.Int("stuck-timeout", int(config.DefaultStuckTimeout.Seconds()), "seconds without activity before a task is stuck")
	rescanInterval := fs.Int("rescan-interval", int(config.DefaultRescanInterval.Seconds()), "seconds between full spec rescans")
	statusFile := fs.String("status-file", "", "status file path (default {project}/.auto-claude/daemon_status.json)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	quiet := fs.Bool("quiet", false, "log to file only, keep stdout clean")
	agentBinary := fs.String("agent-binary", "claude", "agent CLI executable for task sessions")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*projectDir)
	if err != nil {
		fatal(nil, "config load failed", err)
		return exitError
	}
	// Only flags the user actually passed override config.yaml.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max-concurrent":
			cfg.MaxConcurrent = *maxConcurrent
		case "use-worktrees":
			cfg.UseWorktrees = *useWorktrees
		case "max-recovery":
			cfg.MaxRecovery = *maxRecovery
		case "max-child-depth":
			cfg.MaxChildDepth = *maxChildDepth
		case "stuck-timeout":
			cfg.StuckTimeoutSec = *stuckTimeout
		case "rescan-interval":
			cfg.RescanIntervalSec = *rescanInterval
		case "status-file":
			cfg.StatusFile = *statusFile
		case "log-level":
			cfg.LogLevel = *logLevel
		case "quiet":
			cfg.Quiet = *quiet
		}
	})
	// Environment overrides outrank flags.
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		fatal(nil, "invalid configuration", err)
		return exitError
	}

	// Refuse to scaffold a private dir for an uninitialized project.
	if _, err := os.Stat(cfg.SpecsDir()); err != nil {
		fatal(nil, "project not initialized", daemon.ErrProjectNotInitialized)
		fmt.Fprintf(os.Stderr, "expected specs under %s\n", cfg.SpecsDir())
		return exitNotInitialized
	}

	logger, closer, err := telemetry.NewLogger(cfg.PrivateDir(), cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatal(nil, "logger init failed", err)
		return exitError
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("foreman starting", "version", Version, "project", cfg.ProjectDir)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatal(logger, "otel init failed", err)
		return exitError
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatal(logger, "metrics init failed", err)
		return exitError
	}

	eventBus := bus.New()

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram notifier enabled but token is missing")
		} else {
			notifier, err := notify.New(logger, eventBus, cfg.Telegram)
			if err != nil {
				logger.Error("telegram notifier failed to connect", "error", err)
			} else {
				go notifier.Run(ctx)
			}
		}
	}

	launcher, err := daemon.NewExecLauncher("", cfg.ProjectDir, "--agent-binary", *agentBinary)
	if err != nil {
		fatal(logger, "launcher init failed", err)
		return exitError
	}

	d := daemon.New(cfg, logger, eventBus, metrics, launcher)
	err = d.Run(ctx)
	switch {
	case errors.Is(err, daemon.ErrAlreadyRunning):
		fatal(logger, "daemon refused to start", err)
		return exitAlreadyRunning
	case errors.Is(err, daemon.ErrProjectNotInitialized):
		fatal(logger, "daemon refused to start", err)
		return exitNotInitialized
	case err != nil:
		fatal(logger, "daemon exited with error", err)
		return exitError
	}
	if ctx.Err() != nil {
		logger.Info("shutdown complete")
		return exitInterrupted
	}
	return exitOK
}

func runTask(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run-task", flag.ExitOnError)
	projectDir := fs.String("project-dir", ".", "project root directory")
	specID := fs.String("spec", "", "spec id to execute (required)")
	agentBinary := fs.String("agent-binary", "claude", "agent CLI executable")
	logLevel := fs.String("log-level", "info", "log level")
	_ = fs.Parse(args)

	if *specID == "" {
		fmt.Fprintln(os.Stderr, "run-task: --spec is required")
		return exitError
	}
	cfg, err := loadConfig(*projectDir)
	if err != nil {
		fatal(nil, "config load failed", err)
		return exitError
	}
	if err := runner.EnsureSpecExists(cfg, *specID); err != nil {
		fatal(nil, "run-task refused", err)
		return exitError
	}

	// Never quiet: stdout lines are this process's heartbeats.
	logger, closer, err := telemetry.NewLogger(cfg.PrivateDir(), *logLevel, false)
	if err != nil {
		fatal(nil, "logger init failed", err)
		return exitError
	}
	defer closer.Close()
	slog.SetDefault(logger)

	agents := &session.SubprocessRunner{Binary: *agentBinary}
	r := runner.New(logger, cfg, *specID, agents)
	if err := r.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return exitInterrupted
		}
		fatal(logger, "task failed", err)
		return exitError
	}
	return exitOK
}

func runWatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	projectDir := fs.String("project-dir", ".", "project root directory")
	once := fs.Bool("once", false, "print one snapshot and exit")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*projectDir)
	if err != nil {
		fatal(nil, "config load failed", err)
		return exitError
	}

	if *once || !isatty.IsTerminal(os.Stdout.Fd()) {
		return printSnapshot(cfg.StatusFilePath())
	}
	if err := tui.Run(ctx, cfg.StatusFilePath()); err != nil && ctx.Err() == nil {
		fatal(nil, "watch failed", err)
		return exitError
	}
	return exitOK
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	projectDir := fs.String("project-dir", ".", "project root directory")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*projectDir)
	if err != nil {
		fatal(nil, "config load failed", err)
		return exitError
	}
	return printSnapshot(cfg.StatusFilePath())
}

func printSnapshot(path string) int {
	snap, err := status.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "no daemon status at %s (is the daemon running?)\n", path)
		return exitError
	}
	state := "running"
	if !snap.Running {
		state = "stopped"
	}
	fmt.Printf("daemon %s (started %s, updated %s)\n", state, snap.StartedAt, snap.Timestamp)
	fmt.Printf("running: %d, queued: %d, completed: %d\n",
		snap.Stats.Running, snap.Stats.Queued, snap.Stats.Completed)

	ids := make([]string, 0, len(snap.RunningTasks))
	for id := range snap.RunningTasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rt := snap.RunningTasks[id]
		fmt.Printf("  %s [%s] %s pid %d\n", id, rt.Kind, rt.Status, rt.PID)
	}
	for _, qt := range snap.QueuedTasks {
		fmt.Printf("  %s queued (priority %d)\n", qt.SpecID, qt.Priority)
	}
	return exitOK
}
