// Package supervisor makes sure the notifier companion service is running,
// talking to the host's service manager.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"statd/internal/config"
	"statd/internal/logging"
)

// ErrUnsupported reports a supervisor kind this platform cannot use.
var ErrUnsupported = errors.New("supervisor not supported on this platform")

// Controller is the structured interface to the service manager.
type Controller interface {
	IsLoaded(ctx context.Context, label string) (bool, error)
	Start(ctx context.Context, label string) error
}

// Loader installs a service the manager does not know about yet.
type Loader interface {
	Load(ctx context.Context, label string) error
}

// Runner runs a helper synchronously and returns its exit code.
type Runner interface {
	Run(ctx context.Context, argv []string, silent bool) (int, error)
}

// JobError is a start request the service manager accepted but did not
// complete.
type JobError struct {
	Label  string
	Result string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("start %s: job finished with result %q", e.Label, e.Result)
}

// CommandLoader loads a service by running the manager's own CLI.
type CommandLoader struct {
	Runner Runner
	Argv   []string
}

func (l CommandLoader) Load(ctx context.Context, label string) error {
	if len(l.Argv) == 0 {
		return fmt.Errorf("load %s: no load command configured", label)
	}
	code, err := l.Runner.Run(ctx, l.Argv, true)
	if err != nil {
		return fmt.Errorf("load %s: %w", label, err)
	}
	if code != 0 {
		return fmt.Errorf("load %s: %s exited with status %d", label, l.Argv[0], code)
	}
	return nil
}

// Orchestrator starts a service that is loaded, or loads one that is not.
type Orchestrator struct {
	controller Controller
	loader     Loader
	logger     *slog.Logger
}

func NewOrchestrator(controller Controller, loader Loader, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		controller: controller,
		loader:     loader,
		logger:     logging.NewComponentLogger(logger, "supervisor"),
	}
}

// EnsureRunning asks the service manager whether label is loaded. A loaded
// service is started; otherwise it is loaded exactly once. Loading is
// expected to start the service as a side effect.
func (o *Orchestrator) EnsureRunning(ctx context.Context, label string) error {
	loaded, err := o.controller.IsLoaded(ctx, label)
	if err != nil {
		o.logger.Debug("service status query failed, loading instead",
			logging.String(logging.FieldLabel, label), logging.Error(err))
		loaded = false
	}
	if loaded {
		o.logger.Info("starting service", logging.String(logging.FieldLabel, label))
		return o.controller.Start(ctx, label)
	}
	o.logger.Info("loading service", logging.String(logging.FieldLabel, label))
	return o.loader.Load(ctx, label)
}

// noController never finds a service loaded, so EnsureRunning always
// falls back to the load command.
type noController struct{}

func (noController) IsLoaded(context.Context, string) (bool, error) { return false, nil }

func (noController) Start(_ context.Context, label string) error {
	return fmt.Errorf("start %s: %w", label, ErrUnsupported)
}

// New builds the orchestrator selected by cfg.Notify.Supervisor.
func New(cfg *config.Config, runner Runner, logger *slog.Logger) (*Orchestrator, error) {
	var controller Controller
	switch cfg.Notify.Supervisor {
	case "none":
		controller = noController{}
	case "auto":
		controller = detectController()
	default:
		c, err := platformController(cfg.Notify.Supervisor)
		if err != nil {
			return nil, err
		}
		controller = c
	}
	loader := CommandLoader{Runner: runner, Argv: cfg.Notify.LoadCommand}
	return NewOrchestrator(controller, loader, logger), nil
}
