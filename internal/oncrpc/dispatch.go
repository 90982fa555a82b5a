package oncrpc

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Handler executes one procedure call. It returns the XDR-encoded results
// with Success, or a non-success status and no results.
type Handler interface {
	ServeRPC(ctx context.Context, call *Call) ([]byte, AcceptStat)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) ([]byte, AcceptStat)

func (f HandlerFunc) ServeRPC(ctx context.Context, call *Call) ([]byte, AcceptStat) {
	return f(ctx, call)
}

// Dispatcher routes calls to registered program versions. Handlers run one
// at a time regardless of how many transports feed the dispatcher.
type Dispatcher struct {
	serve sync.Mutex

	mu       sync.RWMutex
	programs map[uint32]map[uint32]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{programs: make(map[uint32]map[uint32]Handler)}
}

// Register attaches h to (prog, vers), replacing any previous handler.
func (d *Dispatcher) Register(prog, vers uint32, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	versions := d.programs[prog]
	if versions == nil {
		versions = make(map[uint32]Handler)
		d.programs[prog] = versions
	}
	versions[vers] = h
}

// Unregister removes (prog, vers).
func (d *Dispatcher) Unregister(prog, vers uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if versions := d.programs[prog]; versions != nil {
		delete(versions, vers)
		if len(versions) == 0 {
			delete(d.programs, prog)
		}
	}
}

func (d *Dispatcher) lookup(prog, vers uint32) (Handler, uint32, uint32, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	versions, ok := d.programs[prog]
	if !ok {
		return nil, 0, 0, false
	}
	if h, ok := versions[vers]; ok {
		return h, vers, vers, true
	}
	keys := make([]uint32, 0, len(versions))
	for v := range versions {
		keys = append(keys, v)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return nil, keys[0], keys[len(keys)-1], true
}

// Dispatch decodes msg, runs the matching handler, and returns the encoded
// reply with a short result label. A nil reply means the message is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, msg []byte) ([]byte, string) {
	call, err := ParseCall(msg)
	switch {
	case errors.Is(err, ErrVersion):
		return VersionMismatchReply(call.XID), "rpc_mismatch"
	case err != nil:
		return nil, "garbage"
	}

	h, low, high, known := d.lookup(call.Program, call.Version)
	if !known {
		return ErrorReply(call.XID, ProgUnavail), resultLabel(ProgUnavail)
	}
	if h == nil {
		return MismatchReply(call.XID, low, high), resultLabel(ProgMismatch)
	}

	results, stat := d.serveOne(ctx, h, call)

	if stat != Success {
		return ErrorReply(call.XID, stat), resultLabel(stat)
	}
	return SuccessReply(call.XID, results), resultLabel(Success)
}

func (d *Dispatcher) serveOne(ctx context.Context, h Handler, call *Call) ([]byte, AcceptStat) {
	d.serve.Lock()
	defer d.serve.Unlock()
	return h.ServeRPC(ctx, call)
}

func resultLabel(stat AcceptStat) string {
	return strings.ToLower(stat.String())
}
