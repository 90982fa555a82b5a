// Package portmap is a client for the ONC RPC program directory
// (portmapper, program 100000 version 2).
package portmap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	xdr "github.com/rasky/go-xdr/xdr2"

	"statd/internal/oncrpc"
)

const (
	Program = 100000
	Version = 2

	ProcNull    = 0
	ProcSet     = 1
	ProcUnset   = 2
	ProcGetPort = 3

	// DefaultPort is where every host's portmapper listens.
	DefaultPort = 111
)

// ErrRefused reports a SET the portmapper declined, usually because the
// program version is already registered for that protocol.
var ErrRefused = errors.New("portmapper refused registration")

// Protocol is an IP protocol number as carried in mappings.
type Protocol uint32

const (
	TCP Protocol = 6
	UDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "proto(" + strconv.FormatUint(uint64(p), 10) + ")"
	}
}

// Mapping is one directory entry.
type Mapping struct {
	Program  uint32
	Version  uint32
	Protocol Protocol
	Port     uint32
}

// MarshalXDR returns the wire form of m.
func (m Mapping) MarshalXDR() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, m); err != nil {
		return nil, fmt.Errorf("encode mapping: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMapping parses the arguments of SET, UNSET and GETPORT.
func DecodeMapping(args []byte) (Mapping, error) {
	var m Mapping
	if _, err := xdr.Unmarshal(bytes.NewReader(args), &m); err != nil {
		return Mapping{}, fmt.Errorf("decode mapping: %w", err)
	}
	return m, nil
}

// Client talks to one portmapper over UDP.
type Client struct {
	addr string
}

// NewClient targets the portmapper at addr ("host:port").
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Set registers (prog, vers, proto) at port.
func (c *Client) Set(ctx context.Context, prog, vers uint32, proto Protocol, port uint16) error {
	ok, err := c.callBool(ctx, ProcSet, Mapping{Program: prog, Version: vers, Protocol: proto, Port: uint32(port)})
	if err != nil {
		return fmt.Errorf("portmap set %d/%d/%s: %w", prog, vers, proto, err)
	}
	if !ok {
		return fmt.Errorf("portmap set %d/%d/%s port %d: %w", prog, vers, proto, port, ErrRefused)
	}
	return nil
}

// Unset removes every registration of (prog, vers). It reports whether
// anything was removed.
func (c *Client) Unset(ctx context.Context, prog, vers uint32) (bool, error) {
	ok, err := c.callBool(ctx, ProcUnset, Mapping{Program: prog, Version: vers})
	if err != nil {
		return false, fmt.Errorf("portmap unset %d/%d: %w", prog, vers, err)
	}
	return ok, nil
}

// GetPort looks up the port of (prog, vers, proto); 0 means unregistered.
func (c *Client) GetPort(ctx context.Context, prog, vers uint32, proto Protocol) (uint16, error) {
	var port uint32
	if err := c.call(ctx, ProcGetPort, Mapping{Program: prog, Version: vers, Protocol: proto}, &port); err != nil {
		return 0, fmt.Errorf("portmap getport %d/%d/%s: %w", prog, vers, proto, err)
	}
	if port > 65535 {
		return 0, fmt.Errorf("portmap getport reply: port %d out of range", port)
	}
	return uint16(port), nil
}

func (c *Client) callBool(ctx context.Context, proc uint32, m Mapping) (bool, error) {
	var ok bool
	err := c.call(ctx, proc, m, &ok)
	return ok, err
}

// call sends m to proc and decodes the reply into result.
func (c *Client) call(ctx context.Context, proc uint32, m Mapping, result any) error {
	args, err := m.MarshalXDR()
	if err != nil {
		return err
	}
	results, err := oncrpc.CallUDP(ctx, c.addr, Program, Version, proc, args)
	if err != nil {
		return err
	}
	if _, err := xdr.Unmarshal(bytes.NewReader(results), result); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}
