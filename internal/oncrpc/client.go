package oncrpc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"time"
)

const (
	// DefaultCallTimeout bounds a UDP call whose context has no deadline.
	DefaultCallTimeout = 5 * time.Second
	retransmitInterval = 500 * time.Millisecond
	maxDatagram        = 8900
)

// CallUDP sends a call to addr over UDP, retransmitting until a matching
// reply arrives or ctx ends.
func CallUDP(ctx context.Context, addr string, prog, vers, proc uint32, args []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	xid := rand.Uint32()
	msg := EncodeCall(xid, prog, vers, proc, args)
	deadline, _ := ctx.Deadline()
	buf := make([]byte, maxDatagram)

	for {
		if _, err := conn.Write(msg); err != nil {
			return nil, fmt.Errorf("send to %s: %w", addr, err)
		}
		wait := time.Now().Add(retransmitInterval)
		if deadline.Before(wait) {
			wait = deadline
		}
		if err := conn.SetReadDeadline(wait); err != nil {
			return nil, err
		}

		for {
			n, err := conn.Read(buf)
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					break
				}
				return nil, fmt.Errorf("receive from %s: %w", addr, err)
			}
			results, ok, err := ParseReply(buf[:n], xid)
			if !ok {
				continue
			}
			if err != nil {
				return nil, err
			}
			return append([]byte(nil), results...), nil
		}

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("call %d/%d/%d to %s: %w", prog, vers, proc, addr, err)
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("call %d/%d/%d to %s: %w", prog, vers, proc, addr, context.DeadlineExceeded)
		}
	}
}
