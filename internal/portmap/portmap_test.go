package portmap_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"statd/internal/portmap"
	"statd/internal/testsupport"
)

func TestSetGetPortUnset(t *testing.T) {
	pm := testsupport.StartPortmapper(t)
	client := portmap.NewClient(pm.Addr())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Set(ctx, 100024, 1, portmap.UDP, 612); err != nil {
		t.Fatalf("Set udp: %v", err)
	}
	if err := client.Set(ctx, 100024, 1, portmap.TCP, 613); err != nil {
		t.Fatalf("Set tcp: %v", err)
	}

	port, err := client.GetPort(ctx, 100024, 1, portmap.TCP)
	if err != nil || port != 613 {
		t.Fatalf("GetPort = %d, %v; want 613", port, err)
	}

	removed, err := client.Unset(ctx, 100024, 1)
	if err != nil || !removed {
		t.Fatalf("Unset = %v, %v", removed, err)
	}
	if n := pm.Registrations(100024, 1); n != 0 {
		t.Fatalf("expected no registrations after unset, got %d", n)
	}

	removed, err = client.Unset(ctx, 100024, 1)
	if err != nil || removed {
		t.Fatalf("second Unset = %v, %v; want false, nil", removed, err)
	}
}

func TestSetRefusedWhenTaken(t *testing.T) {
	pm := testsupport.StartPortmapper(t)
	pm.Seed(100024, 1, portmap.UDP, 700)
	client := portmap.NewClient(pm.Addr())

	err := client.Set(context.Background(), 100024, 1, portmap.UDP, 701)
	if !errors.Is(err, portmap.ErrRefused) {
		t.Fatalf("expected ErrRefused, got %v", err)
	}
	if got := pm.Port(100024, 1, portmap.UDP); got != 700 {
		t.Fatalf("existing mapping changed to %d", got)
	}
}

func TestCallFailsWithoutPortmapper(t *testing.T) {
	client := portmap.NewClient("127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if _, err := client.Unset(ctx, 100024, 1); err == nil {
		t.Fatal("expected an error talking to a closed port")
	}
}

func TestProtocolString(t *testing.T) {
	if portmap.TCP.String() != "tcp" || portmap.UDP.String() != "udp" {
		t.Fatalf("unexpected names %s %s", portmap.TCP, portmap.UDP)
	}
	if got := portmap.Protocol(99).String(); got != "proto(99)" {
		t.Fatalf("unexpected fallback %q", got)
	}
}

func TestMappingWireLayout(t *testing.T) {
	m := portmap.Mapping{Program: 100024, Version: 1, Protocol: portmap.TCP, Port: 613}
	wire, err := m.MarshalXDR()
	if err != nil {
		t.Fatalf("MarshalXDR: %v", err)
	}
	want := []byte{
		0x00, 0x01, 0x86, 0xb8,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x06,
		0x00, 0x00, 0x02, 0x65,
	}
	if !bytes.Equal(wire, want) {
		t.Fatalf("wire = % x, want % x", wire, want)
	}

	got, err := portmap.DecodeMapping(wire)
	if err != nil || got != m {
		t.Fatalf("DecodeMapping = %+v, %v", got, err)
	}
	if _, err := portmap.DecodeMapping(wire[:10]); err == nil {
		t.Fatal("expected an error for a truncated mapping")
	}
}
