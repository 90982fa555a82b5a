package statmon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"

	"statd/internal/logging"
	"statd/internal/oncrpc"
	"statd/internal/portmap"
)

const (
	maxMonName       = 1024
	perHostCallLimit = 10 * time.Second
)

// statChange is the argument of SM_NOTIFY.
type statChange struct {
	MonName string
	State   int32
}

// Runner runs a helper synchronously and returns its exit code.
type Runner interface {
	Run(ctx context.Context, argv []string, silent bool) (int, error)
}

// Notifier tells every pending host that this monitor's state changed.
type Notifier struct {
	db          *DB
	logger      *slog.Logger
	runner      Runner
	helper      []string
	monName     string
	portmapPort int
}

// NotifierOption customizes a Notifier.
type NotifierOption func(*Notifier)

// WithHelper runs argv with the host name and state appended for each host
// instead of sending SM_NOTIFY directly.
func WithHelper(runner Runner, argv []string) NotifierOption {
	return func(n *Notifier) {
		n.runner = runner
		n.helper = argv
	}
}

// WithMonName sets the name this host announces itself as.
func WithMonName(name string) NotifierOption {
	return func(n *Notifier) {
		n.monName = name
	}
}

// WithPortmapPort overrides the port of the peers' portmappers.
func WithPortmapPort(port int) NotifierOption {
	return func(n *Notifier) {
		n.portmapPort = port
	}
}

func NewNotifier(db *DB, logger *slog.Logger, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		db:          db,
		logger:      logging.NewComponentLogger(logger, "notifier"),
		portmapPort: portmap.DefaultPort,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.monName == "" {
		if host, err := os.Hostname(); err == nil {
			n.monName = host
		}
	}
	return n
}

// NotifyHosts notifies every pending host once and returns the number of
// hosts that could not be notified. Hosts notified successfully are no
// longer pending.
func (n *Notifier) NotifyHosts(ctx context.Context) int {
	hosts, err := n.db.PendingHosts(ctx)
	if err != nil {
		logging.ErrorWithContext(n.logger, "reading pending hosts failed", "status_read_failed", logging.Error(err))
		return 1
	}
	if len(hosts) == 0 {
		n.logger.Debug("no hosts to notify")
		return 0
	}
	state, err := n.db.State(ctx)
	if err != nil {
		logging.ErrorWithContext(n.logger, "reading state failed", "status_read_failed", logging.Error(err))
		return 1
	}

	failures := 0
	for _, host := range hosts {
		if ctx.Err() != nil {
			failures++
			continue
		}
		if err := n.notifyOne(ctx, host, state); err != nil {
			failures++
			logging.WarnWithContext(n.logger, "host notification failed", "notify_failed",
				logging.String(logging.FieldHost, host),
				logging.Error(err),
				logging.String(logging.FieldImpact, "host stays pending for the next notify run"),
			)
			continue
		}
		if err := n.db.ClearPending(ctx, host); err != nil && !errors.Is(err, ErrUnknownHost) {
			failures++
			logging.ErrorWithContext(n.logger, "recording notification failed", "status_write_failed",
				logging.String(logging.FieldHost, host), logging.Error(err))
			continue
		}
		n.logger.Info("host notified", logging.String(logging.FieldHost, host), logging.Int("state", state))
	}
	return failures
}

func (n *Notifier) notifyOne(ctx context.Context, host string, state int) error {
	if len(n.helper) > 0 {
		argv := append(append([]string(nil), n.helper...), host, strconv.Itoa(state))
		code, err := n.runner.Run(ctx, argv, false)
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("helper exited with status %d", code)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, perHostCallLimit)
	defer cancel()

	pm := portmap.NewClient(net.JoinHostPort(host, strconv.Itoa(n.portmapPort)))
	port, err := pm.GetPort(ctx, Program, Version, portmap.UDP)
	if err != nil {
		return err
	}
	if port == 0 {
		return errors.New("status monitor not registered on peer")
	}

	name := n.monName
	if len(name) > maxMonName {
		name = name[:maxMonName]
	}
	var args bytes.Buffer
	if _, err := xdr.Marshal(&args, statChange{MonName: name, State: int32(state)}); err != nil {
		return fmt.Errorf("encode SM_NOTIFY: %w", err)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	if _, err := oncrpc.CallUDP(ctx, addr, Program, Version, ProcNotify, args.Bytes()); err != nil {
		return fmt.Errorf("SM_NOTIFY to %s: %w", addr, err)
	}
	return nil
}
