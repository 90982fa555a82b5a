package statmon

import (
	"context"
	"log/slog"
	"os/exec"

	"statd/internal/logging"
	"statd/internal/oncrpc"
)

// Status monitor program numbers.
const (
	Program = 100024
	Version = 1

	ProcNull      = 0
	ProcStat      = 1
	ProcMon       = 2
	ProcUnmon     = 3
	ProcUnmonAll  = 4
	ProcSimuCrash = 5
	ProcNotify    = 6
)

// Spawner starts a helper process without waiting for it.
type Spawner interface {
	Spawn(cmd *exec.Cmd) (int, error)
}

// Procedures is the handler registered for the status monitor program on
// both transports.
type Procedures struct {
	db               *DB
	spawner          Spawner
	notifyArgv       []string
	simuCrashAllowed bool
	logger           *slog.Logger
}

// NewProcedures builds the handler. notifyArgv launches a notify-only run
// of this binary.
func NewProcedures(db *DB, spawner Spawner, notifyArgv []string, simuCrashAllowed bool, logger *slog.Logger) *Procedures {
	return &Procedures{
		db:               db,
		spawner:          spawner,
		notifyArgv:       notifyArgv,
		simuCrashAllowed: simuCrashAllowed,
		logger:           logging.NewComponentLogger(logger, "statmon"),
	}
}

func (p *Procedures) ServeRPC(ctx context.Context, call *oncrpc.Call) ([]byte, oncrpc.AcceptStat) {
	switch call.Procedure {
	case ProcNull:
		return nil, oncrpc.Success
	case ProcSimuCrash:
		p.simulateCrash(ctx)
		return nil, oncrpc.Success
	default:
		return nil, oncrpc.ProcUnavail
	}
}

// simulateCrash takes the monitor down and back up, then notifies every
// monitored host in the background.
func (p *Procedures) simulateCrash(ctx context.Context) {
	if !p.simuCrashAllowed {
		logging.WarnWithContext(p.logger, "SM_SIMU_CRASH refused", "simu_crash_refused",
			logging.String(logging.FieldErrorHint, "set nfs.statd.simu_crash_allowed=1 to permit it"),
			logging.String(logging.FieldImpact, "request ignored"),
		)
		return
	}

	for range 2 {
		if _, err := p.db.BumpState(ctx); err != nil {
			logging.ErrorWithContext(p.logger, "simulated crash failed", "simu_crash_failed", logging.Error(err))
			return
		}
	}
	hosts, err := p.db.MarkAllPending(ctx)
	if err != nil {
		logging.ErrorWithContext(p.logger, "simulated crash failed", "simu_crash_failed", logging.Error(err))
		return
	}
	if err := p.db.Sync(ctx); err != nil {
		logging.WarnWithContext(p.logger, "status sync failed", "status_sync_failed", logging.Error(err))
	}
	state, _ := p.db.State(ctx)
	p.logger.Info("simulated crash", logging.Int("state", state), logging.Int("hosts", hosts))

	if hosts == 0 || len(p.notifyArgv) == 0 {
		return
	}
	cmd := exec.Command(p.notifyArgv[0], p.notifyArgv[1:]...)
	pid, err := p.spawner.Spawn(cmd)
	if err != nil {
		logging.ErrorWithContext(p.logger, "notify helper spawn failed", "notify_spawn_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "peers learn of the new state at the next notify run"),
		)
		return
	}
	p.logger.Debug("spawned notify helper", logging.PID(pid))
}
