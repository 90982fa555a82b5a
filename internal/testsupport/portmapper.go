package testsupport

import (
	"context"
	"net"
	"sync"
	"testing"

	"statd/internal/oncrpc"
	"statd/internal/portmap"
)

// Portmapper is an in-process PMAP v2 server on a loopback UDP port.
type Portmapper struct {
	conn net.PacketConn

	mu       sync.Mutex
	mappings map[mappingKey]uint32
	calls    []uint32
	refuse   bool
	afterSet func()
}

type mappingKey struct {
	prog, vers uint32
	proto      portmap.Protocol
}

// StartPortmapper serves until the test ends.
func StartPortmapper(t testing.TB) *Portmapper {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen portmapper: %v", err)
	}
	pm := &Portmapper{conn: conn, mappings: make(map[mappingKey]uint32)}

	d := oncrpc.NewDispatcher()
	d.Register(portmap.Program, portmap.Version, oncrpc.HandlerFunc(pm.serve))

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if reply, _ := d.Dispatch(context.Background(), buf[:n]); reply != nil {
				_, _ = conn.WriteTo(reply, addr)
			}
		}
	}()
	t.Cleanup(func() {
		conn.Close()
		<-done
	})
	return pm
}

// Addr returns the listener address for portmap.NewClient.
func (p *Portmapper) Addr() string {
	return p.conn.LocalAddr().String()
}

// RefuseSets makes every following SET answer false.
func (p *Portmapper) RefuseSets() {
	p.mu.Lock()
	p.refuse = true
	p.mu.Unlock()
}

// AfterSet runs fn after each accepted SET, before the reply is sent.
func (p *Portmapper) AfterSet(fn func()) {
	p.mu.Lock()
	p.afterSet = fn
	p.mu.Unlock()
}

// Seed installs a mapping directly.
func (p *Portmapper) Seed(prog, vers uint32, proto portmap.Protocol, port uint32) {
	p.mu.Lock()
	p.mappings[mappingKey{prog, vers, proto}] = port
	p.mu.Unlock()
}

// Port returns the registered port, or 0.
func (p *Portmapper) Port(prog, vers uint32, proto portmap.Protocol) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mappings[mappingKey{prog, vers, proto}]
}

// Registrations counts the mappings of (prog, vers) across protocols.
func (p *Portmapper) Registrations(prog, vers uint32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key := range p.mappings {
		if key.prog == prog && key.vers == vers {
			n++
		}
	}
	return n
}

// Calls returns the procedures received, in order.
func (p *Portmapper) Calls() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint32(nil), p.calls...)
}

func (p *Portmapper) serve(_ context.Context, call *oncrpc.Call) ([]byte, oncrpc.AcceptStat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call.Procedure)

	if call.Procedure == portmap.ProcNull {
		return nil, oncrpc.Success
	}
	m, err := portmap.DecodeMapping(call.Args)
	if err != nil {
		return nil, oncrpc.GarbageArgs
	}
	key := mappingKey{m.Program, m.Version, m.Protocol}

	var e oncrpc.Encoder
	switch call.Procedure {
	case portmap.ProcSet:
		_, taken := p.mappings[key]
		if p.refuse || taken {
			e.Bool(false)
			break
		}
		p.mappings[key] = m.Port
		e.Bool(true)
		if p.afterSet != nil {
			p.afterSet()
		}
	case portmap.ProcUnset:
		removed := false
		for k := range p.mappings {
			if k.prog == m.Program && k.vers == m.Version {
				delete(p.mappings, k)
				removed = true
			}
		}
		e.Bool(removed)
	case portmap.ProcGetPort:
		e.Uint32(p.mappings[key])
	default:
		return nil, oncrpc.ProcUnavail
	}
	return e.Bytes(), oncrpc.Success
}
