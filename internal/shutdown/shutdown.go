// Package shutdown runs the one-time teardown sequence triggered by a
// termination signal.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"statd/internal/logging"
	"statd/internal/supervisor"
)

// State is the controller's lifecycle position.
type State int32

const (
	Running State = iota
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Signals are the termination signals Watch subscribes to.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

// StatusStore is the persistent state counter.
type StatusStore interface {
	BumpState(ctx context.Context) (int, error)
	Sync(ctx context.Context) error
}

// Unregisterer withdraws the program registrations.
type Unregisterer interface {
	Unregister(ctx context.Context) error
}

// Releaser drops the process lock.
type Releaser interface {
	Release() error
}

// Observer counts shutdowns.
type Observer interface {
	ObserveShutdown(signal string)
}

// Options wires the controller. Status and Registrations are set only for
// a server that finished starting (see Attach); other modes and a server
// interrupted during startup release the lock and exit.
type Options struct {
	Status        StatusStore
	Registrations Unregisterer
	Lock          Releaser
	GracePeriod   time.Duration
	Exit          func(code int)
	Observer      Observer
	Logger        *slog.Logger
}

// Controller runs Shutdown at most once.
type Controller struct {
	opts   Options
	state  atomic.Int32
	logger *slog.Logger
}

func New(opts Options) *Controller {
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = time.Second
	}
	return &Controller{
		opts:   opts,
		logger: logging.NewComponentLogger(opts.Logger, "shutdown"),
	}
}

// Attach marks the server as up: later shutdowns also bump the state and
// unregister. Call it from the goroutine that runs Shutdown.
func (c *Controller) Attach(status StatusStore, registrations Unregisterer) {
	c.opts.Status = status
	c.opts.Registrations = registrations
}

// Pending returns a signal already delivered on signals, or nil.
func Pending(signals <-chan os.Signal) os.Signal {
	select {
	case sig := <-signals:
		return sig
	default:
		return nil
	}
}

// State reports the current lifecycle position.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Watch subscribes to the termination signals and delivers the first one
// on the returned channel. Later signals are ignored; the teardown is
// already under way. Watching stops when ctx ends.
func (c *Controller) Watch(ctx context.Context) <-chan os.Signal {
	incoming := make(chan os.Signal, 4)
	signal.Notify(incoming, Signals...)
	first := make(chan os.Signal, 1)

	go func() {
		defer signal.Stop(incoming)
		forwarded := false
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-incoming:
				if forwarded {
					c.logger.Debug("ignoring signal during shutdown", logging.String(logging.FieldSignal, sig.String()))
					continue
				}
				forwarded = true
				first <- sig
			}
		}
	}()
	return first
}

// ExitCode is 0 for SIGTERM and 1 for any other signal.
func ExitCode(sig os.Signal) int {
	if sig == syscall.SIGTERM {
		return 0
	}
	return 1
}

// Shutdown runs the teardown for sig and exits. Every step is best effort.
// Calls after the first return immediately.
func (c *Controller) Shutdown(sig os.Signal) {
	if !c.state.CompareAndSwap(int32(Running), int32(ShuttingDown)) {
		return
	}
	name := signalName(sig)
	logging.Notice(c.logger, "shutting down", logging.String(logging.FieldSignal, name))
	if c.opts.Observer != nil {
		c.opts.Observer.ObserveShutdown(name)
	}
	supervisor.NotifyStopping(c.logger)

	ctx := context.Background()
	if c.opts.Status != nil {
		state, err := c.opts.Status.BumpState(ctx)
		if err != nil {
			logging.ErrorWithContext(c.logger, "marking state down failed", "state_bump_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "peers may not detect this restart"),
			)
		} else if err := c.opts.Status.Sync(ctx); err != nil {
			logging.ErrorWithContext(c.logger, "flushing state failed", "state_sync_failed", logging.Error(err))
		} else {
			c.logger.Debug("state marked down", logging.Int("state", state))
		}
	}

	if c.opts.Registrations != nil {
		unsetCtx, cancel := context.WithTimeout(ctx, c.opts.GracePeriod)
		if err := c.opts.Registrations.Unregister(unsetCtx); err != nil {
			logging.WarnWithContext(c.logger, "unregistering program failed", "portmap_unset_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "a stale portmapper entry remains until the next start"),
			)
		}
		cancel()
	}

	if c.opts.Lock != nil {
		if err := c.opts.Lock.Release(); err != nil {
			logging.WarnWithContext(c.logger, "releasing pid file failed", "pidfile_release_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "the stale pid file is unlocked and will be reused"),
			)
		}
	}

	c.state.Store(int32(Terminated))
	c.opts.Exit(ExitCode(sig))
}

func signalName(sig os.Signal) string {
	if sig == nil {
		return "none"
	}
	return sig.String()
}
