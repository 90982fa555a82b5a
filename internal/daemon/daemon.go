package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"statd/internal/config"
	"statd/internal/logging"
	"statd/internal/metrics"
	"statd/internal/oncrpc"
	"statd/internal/pidfile"
	"statd/internal/portmap"
	"statd/internal/reaper"
	"statd/internal/shutdown"
	"statd/internal/statmon"
	"statd/internal/subproc"
	"statd/internal/supervisor"
	"statd/internal/transport"
)

// Exit codes of a server run.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitLockFail = 2
)

// Option customizes a Daemon.
type Option func(*Daemon)

// WithExit replaces os.Exit as the final step of shutdown.
func WithExit(exit func(int)) Option {
	return func(d *Daemon) {
		d.exit = exit
	}
}

// WithNotifyCommand sets the argv spawned to notify hosts after a
// simulated crash.
func WithNotifyCommand(argv []string) Option {
	return func(d *Daemon) {
		d.notifyArgv = argv
	}
}

// WithMetrics counts requests, helpers, and shutdowns on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Daemon) {
		d.metrics = c
	}
}

// Daemon is one server-mode run of statd.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	exit       func(int)
	notifyArgv []string
	metrics    *metrics.Collector

	started chan struct{}
	mu      sync.Mutex
	udp     *transport.Endpoint
	tcp     *transport.Endpoint
}

func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		exit:    os.Exit,
		started: make(chan struct{}),
	}
	if d.logger == nil {
		d.logger = logging.NewNop()
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}
	return d
}

// Started is closed once both transports are registered.
func (d *Daemon) Started() <-chan struct{} { return d.started }

// Ports reports the bound UDP and TCP ports, zero before startup.
func (d *Daemon) Ports() (udp, tcp uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.udp != nil {
		udp = d.udp.Port
	}
	if d.tcp != nil {
		tcp = d.tcp.Port
	}
	return udp, tcp
}

// Run claims the pid file, brings up both transports, and serves until the
// first termination signal. Cancelling ctx shuts down as SIGTERM would.
// The returned code is the process exit status; on signal the exit
// function passed with WithExit has already been called with it.
func (d *Daemon) Run(ctx context.Context) int {
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	logger := logging.WithContext(ctx, d.logger)
	logger.Info("statd starting", logging.Int(logging.FieldPID, os.Getpid()))

	id, err := pidfile.Acquire(d.cfg.Paths.PIDFile, logger)
	if err != nil {
		var running *pidfile.AlreadyRunningError
		if errors.As(err, &running) {
			logging.Notice(logger, "statd already running", logging.PID(running.PID))
			return ExitOK
		}
		logging.ErrorWithContext(logger, "cannot open statd pid file", "pidfile_lock_failed",
			logging.String("path", d.cfg.Paths.PIDFile),
			logging.Error(err),
		)
		return ExitLockFail
	}

	ctrl := shutdown.New(shutdown.Options{
		Lock:        id,
		GracePeriod: d.cfg.GracePeriod(),
		Exit:        d.exit,
		Observer:    d.metrics,
		Logger:      logger,
	})
	watchCtx, stopWatching := context.WithCancel(ctx)
	defer stopWatching()
	signals := ctrl.Watch(watchCtx)

	db, err := statmon.Open(d.cfg.Paths.StatusDB)
	if err != nil {
		return d.abort(logger, id, "opening status database failed", err)
	}
	defer db.Close()

	needNotify, err := db.Init(ctx)
	if err != nil {
		return d.abort(logger, id, "initializing status database failed", err)
	}
	if state, err := db.State(ctx); err == nil {
		logging.DebugV(logger, d.cfg.Statd.Verbose, 1, "status database ready", logging.Int("state", state))
	}
	if needNotify {
		d.ensureNotifier(ctx, logger)
	}
	if sig := shutdown.Pending(signals); sig != nil {
		return d.interrupted(logger, ctrl, sig, nil)
	}

	pm := portmap.NewClient(d.cfg.RPC.PortmapAddr)
	server := transport.NewServer(oncrpc.NewDispatcher(), logger,
		transport.WithRateLimit(d.cfg.RPC.RateLimitRPS, d.cfg.RPC.RateLimitBurst),
		transport.WithObserver(d.metrics),
	)
	registrar := transport.NewRegistrar(pm, server.Dispatcher(), logger)
	registrar.Clear(ctx, statmon.Program, statmon.Version)

	ports := transport.PortRange{Min: d.cfg.RPC.ReservedPortMin, Max: d.cfg.RPC.ReservedPortMax}
	udp, tcp, err := transport.BindPair(uint16(d.cfg.Statd.Port), ports)
	if err != nil {
		return d.abort(logger, id, "binding transports failed", err)
	}
	d.mu.Lock()
	d.udp, d.tcp = udp, tcp
	d.mu.Unlock()

	children := reaper.New(logger, d.metrics)
	procs := statmon.NewProcedures(db, children, d.notifyArgv, d.cfg.Statd.SimulateCrashAllowed, logger)
	for _, ep := range []*transport.Endpoint{udp, tcp} {
		if sig := shutdown.Pending(signals); sig != nil {
			return d.interrupted(logger, ctrl, sig, registrar, udp, tcp)
		}
		if err := registrar.Register(ctx, ep, statmon.Program, statmon.Version, procs); err != nil {
			registrar.Abort(ctx)
			udp.Close()
			tcp.Close()
			return d.abort(logger, id, "registering program failed", err)
		}
	}

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	var wg sync.WaitGroup
	serveErr := make(chan error, 2)
	for _, ep := range []*transport.Endpoint{udp, tcp} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Serve(serveCtx, ep); err != nil {
				serveErr <- fmt.Errorf("serve %s: %w", ep, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		children.Run(serveCtx)
	}()

	if d.cfg.Metrics.Listen != "" {
		if addr, err := d.metrics.Serve(serveCtx, d.cfg.Metrics.Listen, logger); err != nil {
			logging.WarnWithContext(logger, "metrics listener failed", "metrics_listen_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "metrics are not exported"),
			)
		} else {
			logger.Info("metrics listening", logging.String("addr", addr.String()))
		}
	}

	if sig := shutdown.Pending(signals); sig != nil {
		stopServing()
		code := d.interrupted(logger, ctrl, sig, registrar, udp, tcp)
		wg.Wait()
		return code
	}
	ctrl.Attach(db, registrar)

	supervisor.NotifyReady(logger)
	logging.Notice(logger, "statd ready",
		logging.Int("udp_port", int(udp.Port)),
		logging.Int("tcp_port", int(tcp.Port)),
	)
	close(d.started)

	var sig os.Signal
	select {
	case sig = <-signals:
	case <-ctx.Done():
		sig = syscall.SIGTERM
	case err := <-serveErr:
		logging.ErrorWithContext(logger, "dispatch loop stopped", "serve_failed", logging.Error(err))
	}
	ctrl.Shutdown(sig)

	stopServing()
	wg.Wait()
	if sig == nil {
		return ExitFailure
	}
	return shutdown.ExitCode(sig)
}

// interrupted backs out of a startup that a termination signal cut short:
// whatever was registered is withdrawn, the endpoints are closed, and the
// controller releases the pid file and exits without touching the state.
func (d *Daemon) interrupted(logger *slog.Logger, ctrl *shutdown.Controller, sig os.Signal, registrar *transport.Registrar, endpoints ...*transport.Endpoint) int {
	logging.Notice(logger, "startup interrupted", logging.String(logging.FieldSignal, sig.String()))
	if registrar != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.GracePeriod())
		registrar.Abort(ctx)
		cancel()
	}
	for _, ep := range endpoints {
		ep.Close()
	}
	ctrl.Shutdown(sig)
	return shutdown.ExitCode(sig)
}

// ensureNotifier starts the notifier service when hosts are pending and no
// notifier holds its pid file. Failures only delay notification.
func (d *Daemon) ensureNotifier(ctx context.Context, logger *slog.Logger) {
	if pid := pidfile.IsAlive(d.cfg.Paths.NotifyPIDFile); pid != 0 {
		logging.DebugV(logger, d.cfg.Statd.Verbose, 1, "notifier already running", logging.PID(pid))
		return
	}
	logger.Info("need to start statd notify", logging.String(logging.FieldLabel, d.cfg.Notify.Label))

	orch, err := supervisor.New(d.cfg, subproc.NewRunner(logger, d.metrics), logger)
	if err == nil {
		err = orch.EnsureRunning(ctx, d.cfg.Notify.Label)
	}
	if err != nil {
		logging.WarnWithContext(logger, "starting notifier failed", "notifier_start_failed",
			logging.String(logging.FieldLabel, d.cfg.Notify.Label),
			logging.Error(err),
			logging.String(logging.FieldImpact, "host notifications are delayed"),
		)
	}
}

// abort logs a fatal startup error and releases the pid file.
func (d *Daemon) abort(logger *slog.Logger, id *pidfile.Identity, msg string, err error) int {
	logging.ErrorWithContext(logger, msg, "startup_failed", logging.Error(err))
	if relErr := id.Release(); relErr != nil {
		logger.Warn("releasing pid file failed", logging.Error(relErr))
	}
	return ExitFailure
}
