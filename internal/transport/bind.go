// Package transport binds the UDP and TCP endpoints the status monitor
// program is served on, registers them with the portmapper, and runs the
// dispatch loops.
package transport

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"statd/internal/portmap"
)

// ErrBindFailed wraps every endpoint creation failure.
var ErrBindFailed = errors.New("bind failed")

// PortRange is the inclusive range walked when no port is requested.
type PortRange struct {
	Min int
	Max int
}

func (r PortRange) valid() bool {
	return r.Min >= 1 && r.Max <= 65535 && r.Min <= r.Max
}

// Endpoint is a bound socket for one protocol.
type Endpoint struct {
	Protocol portmap.Protocol
	Port     uint16

	packet   net.PacketConn
	listener net.Listener
}

// Bind opens a socket on all interfaces. A nonzero requestedPort is bound
// exactly; otherwise ports in ports are tried from a random starting point,
// skipping those already in use.
func Bind(proto portmap.Protocol, requestedPort uint16, ports PortRange) (*Endpoint, error) {
	if proto != portmap.UDP && proto != portmap.TCP {
		return nil, fmt.Errorf("%w: unsupported protocol %s", ErrBindFailed, proto)
	}
	if requestedPort != 0 {
		ep, err := bindPort(proto, int(requestedPort))
		if err != nil {
			return nil, fmt.Errorf("%w: %s port %d: %w", ErrBindFailed, proto, requestedPort, err)
		}
		return ep, nil
	}
	if !ports.valid() {
		return nil, fmt.Errorf("%w: invalid port range %d-%d", ErrBindFailed, ports.Min, ports.Max)
	}

	span := ports.Max - ports.Min + 1
	start := rand.IntN(span)
	var lastErr error
	for i := range span {
		port := ports.Min + (start+i)%span
		ep, err := bindPort(proto, port)
		if err == nil {
			return ep, nil
		}
		if !errors.Is(err, unix.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %s port %d: %w", ErrBindFailed, proto, port, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: no free %s port in %d-%d: %w", ErrBindFailed, proto, ports.Min, ports.Max, lastErr)
}

// BindPair binds the UDP endpoint and then the TCP endpoint. If the second
// bind fails the first is closed.
func BindPair(requestedPort uint16, ports PortRange) (udp, tcp *Endpoint, err error) {
	udp, err = Bind(portmap.UDP, requestedPort, ports)
	if err != nil {
		return nil, nil, err
	}
	tcp, err = Bind(portmap.TCP, requestedPort, ports)
	if err != nil {
		_ = udp.Close()
		return nil, nil, err
	}
	return udp, tcp, nil
}

func bindPort(proto portmap.Protocol, port int) (*Endpoint, error) {
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
	ep := &Endpoint{Protocol: proto}
	var local net.Addr
	switch proto {
	case portmap.UDP:
		conn, err := net.ListenPacket("udp4", addr)
		if err != nil {
			return nil, err
		}
		ep.packet = conn
		local = conn.LocalAddr()
	default:
		ln, err := net.Listen("tcp4", addr)
		if err != nil {
			return nil, err
		}
		ep.listener = ln
		local = ln.Addr()
	}
	ep.Port = portOf(local)
	return ep, nil
}

func portOf(addr net.Addr) uint16 {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return uint16(a.Port)
	case *net.TCPAddr:
		return uint16(a.Port)
	}
	return 0
}

// Close releases the socket.
func (e *Endpoint) Close() error {
	if e == nil {
		return nil
	}
	if e.packet != nil {
		return e.packet.Close()
	}
	if e.listener != nil {
		return e.listener.Close()
	}
	return nil
}

func (e *Endpoint) String() string {
	return e.Protocol.String() + "/" + strconv.Itoa(int(e.Port))
}
