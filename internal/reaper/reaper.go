// Package reaper collects fire-and-forget helper processes when they exit.
//
// Only children started through Spawn are waited on, so helpers run
// synchronously elsewhere in the process keep their own exit status.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"statd/internal/logging"
)

// Exit describes one collected child.
type Exit struct {
	PID     int
	Command string
	Code    int
	Signal  syscall.Signal
}

// OK reports a zero exit status.
func (e Exit) OK() bool { return e.Signal == 0 && e.Code == 0 }

// Observer receives one result label per collected child ("ok" or "failed").
type Observer interface {
	ObserveReaped(result string)
}

// Reaper tracks spawned helpers and waits for them on SIGCHLD.
type Reaper struct {
	logger   *slog.Logger
	observer Observer

	mu      sync.Mutex
	tracked map[int]string
}

// New constructs a Reaper. observer may be nil.
func New(logger *slog.Logger, observer Observer) *Reaper {
	return &Reaper{
		logger:   logging.NewComponentLogger(logger, "reaper"),
		observer: observer,
		tracked:  make(map[int]string),
	}
}

// Spawn starts cmd without waiting for it and tracks its pid for Reap.
func (r *Reaper) Spawn(cmd *exec.Cmd) (int, error) {
	// Holding mu across Start keeps a concurrent Reap from missing a child
	// that exits before it is tracked.
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		r.logger.Debug("release process handle", logging.PID(pid), logging.Error(err))
	}
	r.tracked[pid] = cmd.Path
	r.logger.Debug("helper spawned", logging.PID(pid), logging.String("command", cmd.Path))
	return pid, nil
}

// Tracked returns the number of children not yet collected.
func (r *Reaper) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// Run reaps on every SIGCHLD until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGCHLD)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			r.Reap()
		}
	}
}

// Reap collects every tracked child that has exited without blocking on
// those still running.
func (r *Reaper) Reap() []Exit {
	r.mu.Lock()
	defer r.mu.Unlock()

	var exits []Exit
	for pid, command := range r.tracked {
		var status unix.WaitStatus
		got, err := wait4NoHang(pid, &status)
		if err != nil {
			if errors.Is(err, unix.ECHILD) {
				delete(r.tracked, pid)
			}
			r.logger.Debug("wait4 failed", logging.PID(pid), logging.Error(err))
			continue
		}
		if got != pid {
			continue
		}
		delete(r.tracked, pid)

		exit := Exit{PID: pid, Command: command}
		if status.Signaled() {
			exit.Signal = syscall.Signal(status.Signal())
		} else {
			exit.Code = status.ExitStatus()
		}
		exits = append(exits, exit)
		r.report(exit)
	}

	if len(exits) == 0 {
		logging.WarnWithContext(r.logger, "phantom SIGCHLD", "reaper_phantom",
			logging.Int("tracked", len(r.tracked)),
			logging.String(logging.FieldErrorHint, "no tracked helper had exited"),
			logging.String(logging.FieldImpact, "none"),
		)
	}
	return exits
}

func (r *Reaper) report(exit Exit) {
	if exit.OK() {
		r.logger.Debug("child exited OK", logging.PID(exit.PID), logging.String("command", exit.Command))
		r.observe("ok")
		return
	}
	attrs := []logging.Attr{
		logging.PID(exit.PID),
		logging.String("command", exit.Command),
		logging.Int("status", exit.Code),
		logging.String(logging.FieldEventType, "helper_failed"),
	}
	if exit.Signal != 0 {
		attrs = append(attrs, logging.String(logging.FieldSignal, exit.Signal.String()))
	}
	r.logger.Error("child failed", logging.Args(attrs...)...)
	r.observe("failed")
}

func (r *Reaper) observe(result string) {
	if r.observer != nil {
		r.observer.ObserveReaped(result)
	}
}

func wait4NoHang(pid int, status *unix.WaitStatus) (int, error) {
	for {
		got, err := unix.Wait4(pid, status, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return got, err
	}
}
