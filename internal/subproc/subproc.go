// Package subproc runs helper programs to completion and classifies how they
// ended.
package subproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"statd/internal/logging"
)

// ErrSpawn wraps failures to start the helper at all.
var ErrSpawn = errors.New("spawn failed")

// SignaledError reports a helper killed by a signal.
type SignaledError struct {
	Path   string
	Signal syscall.Signal
}

func (e *SignaledError) Error() string {
	return fmt.Sprintf("%s aborted by signal %d", e.Path, int(e.Signal))
}

// StoppedError reports a helper stopped by a signal.
type StoppedError struct {
	Path   string
	Signal syscall.Signal
}

func (e *StoppedError) Error() string {
	return fmt.Sprintf("%s stopped by signal %d", e.Path, int(e.Signal))
}

// AbnormalExit is the code returned for a child killed or stopped by a
// signal. It lies outside the 0-255 exit status range.
const AbnormalExit = -1

// Observer receives one result label per run ("ok", "exit_nonzero",
// "signaled", "stopped", "spawn_failed").
type Observer interface {
	ObserveSubprocess(result string)
}

// Runner executes helpers synchronously.
type Runner struct {
	logger   *slog.Logger
	observer Observer
}

// NewRunner constructs a Runner. observer may be nil.
func NewRunner(logger *slog.Logger, observer Observer) *Runner {
	return &Runner{logger: logging.NewComponentLogger(logger, "subproc"), observer: observer}
}

// Run spawns argv[0] with argv and waits for it. With silent set the helper's
// stdin, stdout, and stderr are the null device and a nonzero exit is not
// logged. Abnormal terminations are always logged and returned as
// *SignaledError or *StoppedError with AbnormalExit. Normal exits return the
// exit code and a nil error.
func (r *Runner) Run(ctx context.Context, argv []string, silent bool) (int, error) {
	if len(argv) == 0 || argv[0] == "" {
		r.observe("spawn_failed")
		return 1, fmt.Errorf("%w: empty command", ErrSpawn)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if !silent {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		r.logger.Error("spawn failed",
			logging.String("command", argv[0]),
			logging.Error(err),
			logging.String(logging.FieldEventType, "subprocess_spawn_failed"),
		)
		r.observe("spawn_failed")
		return 1, fmt.Errorf("%w: %s: %w", ErrSpawn, argv[0], err)
	}

	err := cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		r.logger.Error("wait failed", logging.String("command", argv[0]), logging.Error(err))
		r.observe("spawn_failed")
		return 1, fmt.Errorf("wait %s: %w", argv[0], err)
	}

	status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		code := cmd.ProcessState.ExitCode()
		r.observe(resultForCode(code))
		return code, nil
	}
	return r.classify(argv[0], status, silent)
}

func (r *Runner) classify(path string, status syscall.WaitStatus, silent bool) (int, error) {
	switch {
	case status.Signaled():
		err := &SignaledError{Path: path, Signal: status.Signal()}
		r.logger.Error(err.Error(), logging.String(logging.FieldEventType, "subprocess_signaled"))
		r.observe("signaled")
		return AbnormalExit, err
	case status.Stopped():
		err := &StoppedError{Path: path, Signal: status.StopSignal()}
		r.logger.Error(err.Error(), logging.String(logging.FieldEventType, "subprocess_stopped"))
		r.observe("stopped")
		return AbnormalExit, err
	}
	code := status.ExitStatus()
	if code != 0 && !silent {
		r.logger.Error("helper exited with nonzero status",
			logging.String("command", path),
			logging.Int("status", code),
		)
	}
	r.observe(resultForCode(code))
	return code, nil
}

func resultForCode(code int) string {
	if code == 0 {
		return "ok"
	}
	return "exit_nonzero"
}

func (r *Runner) observe(result string) {
	if r.observer != nil {
		r.observer.ObserveSubprocess(result)
	}
}
