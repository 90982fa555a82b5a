package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"statd/internal/config"
	"statd/internal/daemon"
	"statd/internal/logging"
	"statd/internal/pidfile"
	"statd/internal/shutdown"
	"statd/internal/statmon"
	"statd/internal/subproc"
)

// Exit statuses shared by every mode.
const (
	ExitOK       = daemon.ExitOK
	ExitFailure  = daemon.ExitFailure
	ExitLockFail = daemon.ExitLockFail
)

// Report is what the list modes show.
type Report struct {
	ServerPID   int
	NotifierPID int
	State       int
	Hosts       []statmon.Host
}

// Options configures one invocation.
type Options struct {
	// Debug raises verbosity to the maximum (-d) and mirrors syslog output
	// to stderr.
	Debug bool
	// ConfigPath is forwarded to notify-only runs spawned by the server.
	ConfigPath string
	// Executable is this binary; defaults to os.Executable.
	Executable string
	// Render prints a list report. Required for the list modes.
	Render func(Report) error
	// Exit ends the process after a signal; defaults to os.Exit.
	Exit func(int)
	// Geteuid defaults to os.Geteuid.
	Geteuid func() int
	// Logger replaces the logger built from the configuration.
	Logger *slog.Logger
}

// Run executes the selected mode and returns the process exit status.
func Run(ctx context.Context, cfg *config.Config, sel Selection, opts Options) int {
	if cfg == nil {
		fmt.Fprintln(os.Stderr, "statd: configuration is required")
		return ExitFailure
	}
	runCfg := *cfg
	if opts.Debug {
		runCfg.Statd.Verbose = logging.MaxVerbose
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Geteuid == nil {
		opts.Geteuid = os.Geteuid
	}
	logger := opts.Logger
	if logger == nil {
		logger = newLogger(&runCfg, sel, opts.Debug)
	}
	logging.DebugV(logger, runCfg.Statd.Verbose, 1, "mode selected", logging.String("mode", sel.Mode.String()))

	switch sel.Mode {
	case ModeListOnce, ModeListWatch:
		return runList(ctx, &runCfg, logger, opts.Render, sel.Mode == ModeListWatch)
	}

	if opts.Geteuid() != 0 {
		logger.Error("Sorry, statd must be run as root")
		return ExitOK
	}

	switch sel.Mode {
	case ModeUnnotify:
		return runUnnotify(ctx, &runCfg, logger, sel.Host)
	case ModeNotifyOnly:
		return runNotifyOnly(ctx, &runCfg, logger, opts.Exit)
	default:
		d := daemon.New(&runCfg, logger,
			daemon.WithExit(opts.Exit),
			daemon.WithNotifyCommand(notifyCommand(opts)),
		)
		return d.Run(ctx)
	}
}

// newLogger builds the mode's logger: stderr for interactive modes and
// syslog for daemons unless the configuration names an output. A daemon
// without a reachable syslog logs to stderr.
func newLogger(cfg *config.Config, sel Selection, debug bool) *slog.Logger {
	output := strings.TrimSpace(cfg.Logging.Output)
	if output == "" {
		output = logging.OutputSyslog
		if sel.logsToStderr() {
			output = "stderr"
		}
	}
	level := cfg.Logging.Level
	if cfg.Statd.Verbose > 0 {
		level = logging.LevelForVerbose(cfg.Statd.Verbose)
	}

	outputs := []string{output}
	if debug && output == logging.OutputSyslog {
		outputs = append(outputs, "stderr")
	}
	opts := logging.Options{
		Level:     level,
		Format:    cfg.Logging.Format,
		Outputs:   outputs,
		SyslogTag: logging.DefaultSyslogTag,
	}
	logger, err := logging.New(opts)
	if err == nil {
		return logger
	}
	fmt.Fprintf(os.Stderr, "warn: unable to initialize %s logging: %v\n", output, err)
	opts.Outputs = []string{"stderr"}
	if logger, err = logging.New(opts); err == nil {
		return logger
	}
	opts.Format = "console"
	logger, _ = logging.New(opts)
	return logger
}

func notifyCommand(opts Options) []string {
	exe := opts.Executable
	if exe == "" {
		path, err := os.Executable()
		if err != nil {
			return nil
		}
		exe = path
	}
	argv := []string{exe, "-n"}
	if opts.ConfigPath != "" {
		argv = append(argv, "-c", opts.ConfigPath)
	}
	return argv
}

// Snapshot reads the host list and liveness of both daemons.
func Snapshot(ctx context.Context, cfg *config.Config, db *statmon.DB) (Report, error) {
	state, err := db.State(ctx)
	if err != nil {
		return Report{}, err
	}
	hosts, err := db.Hosts(ctx)
	if err != nil {
		return Report{}, err
	}
	return Report{
		ServerPID:   pidfile.IsAlive(cfg.Paths.PIDFile),
		NotifierPID: pidfile.IsAlive(cfg.Paths.NotifyPIDFile),
		State:       state,
		Hosts:       hosts,
	}, nil
}

func runList(ctx context.Context, cfg *config.Config, logger *slog.Logger, render func(Report) error, watch bool) int {
	if render == nil {
		logger.Error("no list renderer configured")
		return ExitFailure
	}
	db, err := statmon.Open(cfg.Paths.StatusDB)
	if err != nil {
		logging.ErrorWithContext(logger, "opening status database failed", "status_open_failed", logging.Error(err))
		return ExitFailure
	}
	defer db.Close()

	show := func() error {
		report, err := Snapshot(ctx, cfg, db)
		if err != nil {
			return err
		}
		return render(report)
	}
	if err := show(); err != nil {
		logging.ErrorWithContext(logger, "listing hosts failed", "list_failed", logging.Error(err))
		return ExitFailure
	}
	if !watch {
		return ExitOK
	}

	watchCtx, stop := signal.NotifyContext(ctx, shutdown.Signals...)
	defer stop()
	err = statmon.Watch(watchCtx, cfg.Paths.StatusDB, logger, func() {
		if err := show(); err != nil {
			logging.WarnWithContext(logger, "refreshing host list failed", "list_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "listing is stale until the next change"),
			)
		}
	})
	if err != nil {
		logging.ErrorWithContext(logger, "watching status database failed", "watch_failed", logging.Error(err))
		return ExitFailure
	}
	return ExitOK
}

func runUnnotify(ctx context.Context, cfg *config.Config, logger *slog.Logger, host string) int {
	db, err := statmon.Open(cfg.Paths.StatusDB)
	if err != nil {
		logging.ErrorWithContext(logger, "opening status database failed", "status_open_failed", logging.Error(err))
		return ExitFailure
	}
	defer db.Close()

	if err := db.UnnotifyHost(ctx, host); err != nil {
		if errors.Is(err, statmon.ErrUnknownHost) {
			logger.Error("host is not monitored", logging.String(logging.FieldHost, host))
			return ExitFailure
		}
		logging.ErrorWithContext(logger, "unnotify failed", "status_write_failed",
			logging.String(logging.FieldHost, host), logging.Error(err))
		return ExitFailure
	}
	if err := db.Sync(ctx); err != nil {
		logger.Warn("status sync failed", logging.Error(err))
	}
	logger.Info("host will not be notified", logging.String(logging.FieldHost, host))
	return ExitOK
}

// runNotifyOnly notifies every pending host once while holding the
// notifier pid file. A signal abandons the run.
func runNotifyOnly(ctx context.Context, cfg *config.Config, logger *slog.Logger, exit func(int)) int {
	id, err := pidfile.Acquire(cfg.Paths.NotifyPIDFile, logger)
	if err != nil {
		var running *pidfile.AlreadyRunningError
		if errors.As(err, &running) {
			logging.Notice(logger, "statd.notify already running", logging.PID(running.PID))
			return ExitOK
		}
		logging.ErrorWithContext(logger, "cannot open statd.notify pid file", "pidfile_lock_failed",
			logging.String("path", cfg.Paths.NotifyPIDFile),
			logging.Error(err),
		)
		return ExitLockFail
	}
	defer id.Release()

	db, err := statmon.Open(cfg.Paths.StatusDB)
	if err != nil {
		logging.ErrorWithContext(logger, "opening status database failed", "status_open_failed", logging.Error(err))
		return ExitFailure
	}
	defer db.Close()

	var notifierOpts []statmon.NotifierOption
	if len(cfg.Notify.HelperCommand) > 0 {
		notifierOpts = append(notifierOpts, statmon.WithHelper(subproc.NewRunner(logger, nil), cfg.Notify.HelperCommand))
	}
	notifier := statmon.NewNotifier(db, logger, notifierOpts...)

	notifyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctrl := shutdown.New(shutdown.Options{
		Lock:   id,
		Exit:   exit,
		Logger: logger,
	})
	signals := ctrl.Watch(notifyCtx)

	done := make(chan int, 1)
	go func() { done <- notifier.NotifyHosts(notifyCtx) }()

	select {
	case failures := <-done:
		if failures > 0 {
			logging.Notice(logger, "statd.notify exiting", logging.Int("failures", failures))
			return ExitFailure
		}
		return ExitOK
	case sig := <-signals:
		cancel()
		ctrl.Shutdown(sig)
		return shutdown.ExitCode(sig)
	}
}
