package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"statd/internal/logging"
	"statd/internal/oncrpc"
	"statd/internal/portmap"
)

// ErrRegisterFailed wraps a failed portmapper registration.
var ErrRegisterFailed = errors.New("register failed")

// Directory is the system program directory.
type Directory interface {
	Set(ctx context.Context, prog, vers uint32, proto portmap.Protocol, port uint16) error
	Unset(ctx context.Context, prog, vers uint32) (bool, error)
}

type program struct {
	prog, vers uint32
}

// Registrar attaches handlers to the dispatcher and advertises endpoints.
type Registrar struct {
	dir        Directory
	dispatcher *oncrpc.Dispatcher
	logger     *slog.Logger

	mu         sync.Mutex
	registered []program
}

func NewRegistrar(dir Directory, dispatcher *oncrpc.Dispatcher, logger *slog.Logger) *Registrar {
	return &Registrar{
		dir:        dir,
		dispatcher: dispatcher,
		logger:     logging.NewComponentLogger(logger, "registrar"),
	}
}

// Clear removes any registration of (prog, vers) left by a previous
// instance. Failure is only logged.
func (r *Registrar) Clear(ctx context.Context, prog, vers uint32) {
	removed, err := r.dir.Unset(ctx, prog, vers)
	if err != nil {
		logging.WarnWithContext(r.logger, "clearing stale registration failed", "portmap_unset_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check that the portmapper (rpcbind) is running"),
		)
		return
	}
	if removed {
		r.logger.Debug("cleared stale registration", logging.Uint64("program", uint64(prog)))
	}
}

// Register attaches h for (prog, vers) and records the endpoint with the
// directory.
func (r *Registrar) Register(ctx context.Context, ep *Endpoint, prog, vers uint32, h oncrpc.Handler) error {
	r.dispatcher.Register(prog, vers, h)
	if err := r.dir.Set(ctx, prog, vers, ep.Protocol, ep.Port); err != nil {
		return fmt.Errorf("%w: (%d, %d, %s): %w", ErrRegisterFailed, prog, vers, ep.Protocol, err)
	}

	r.mu.Lock()
	if !r.has(prog, vers) {
		r.registered = append(r.registered, program{prog, vers})
	}
	r.mu.Unlock()

	r.logger.Info("registered program",
		logging.Uint64("program", uint64(prog)),
		logging.Uint64("version", uint64(vers)),
		logging.String(logging.FieldProtocol, ep.Protocol.String()),
		logging.Int(logging.FieldPort, int(ep.Port)),
	)
	return nil
}

func (r *Registrar) has(prog, vers uint32) bool {
	for _, p := range r.registered {
		if p.prog == prog && p.vers == vers {
			return true
		}
	}
	return false
}

// Unregister withdraws every program registered so far.
func (r *Registrar) Unregister(ctx context.Context) error {
	r.mu.Lock()
	programs := r.registered
	r.registered = nil
	r.mu.Unlock()

	var errs []error
	for _, p := range programs {
		r.dispatcher.Unregister(p.prog, p.vers)
		if _, err := r.dir.Unset(ctx, p.prog, p.vers); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Registered reports whether any program is currently advertised.
func (r *Registrar) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registered) > 0
}

// Abort rolls back a partial startup, logging any failure.
func (r *Registrar) Abort(ctx context.Context) {
	if err := r.Unregister(ctx); err != nil {
		logging.WarnWithContext(r.logger, "rollback of registrations failed", "portmap_unset_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale portmapper entries may remain until the next start"),
		)
	}
}
