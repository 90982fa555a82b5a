package transport_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"statd/internal/logging"
	"statd/internal/oncrpc"
	"statd/internal/portmap"
	"statd/internal/testsupport"
	"statd/internal/transport"
)

const (
	testProg = 100024
	testVers = 1
)

var testRange = transport.PortRange{Min: 40000, Max: 40999}

func nullHandler() oncrpc.Handler {
	return oncrpc.HandlerFunc(func(_ context.Context, call *oncrpc.Call) ([]byte, oncrpc.AcceptStat) {
		if call.Procedure != 0 {
			return nil, oncrpc.ProcUnavail
		}
		return nil, oncrpc.Success
	})
}

func occupyUDP(t *testing.T) (net.PacketConn, uint16) {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

func TestBindBusyPortFailsWithoutRegistration(t *testing.T) {
	pm := testsupport.StartPortmapper(t)
	_, busy := occupyUDP(t)

	_, err := transport.Bind(portmap.UDP, busy, testRange)
	if !errors.Is(err, transport.ErrBindFailed) {
		t.Fatalf("expected ErrBindFailed, got %v", err)
	}
	_, err = transport.Bind(portmap.UDP, 0, transport.PortRange{Min: int(busy), Max: int(busy)})
	if !errors.Is(err, transport.ErrBindFailed) {
		t.Fatalf("expected ErrBindFailed for exhausted range, got %v", err)
	}
	if n := pm.Registrations(testProg, testVers); n != 0 {
		t.Fatalf("expected no registrations, got %d", n)
	}
}

func TestBindSkipsPortsInUse(t *testing.T) {
	_, busy := occupyUDP(t)
	next := int(busy) + 1
	probe, err := net.ListenPacket("udp4", "0.0.0.0:"+strconv.Itoa(next))
	if err != nil {
		t.Skipf("neighbouring port %d unavailable: %v", next, err)
	}
	probe.Close()

	for range 5 {
		ep, err := transport.Bind(portmap.UDP, 0, transport.PortRange{Min: int(busy), Max: next})
		if err != nil {
			t.Fatalf("Bind: %v", err)
		}
		if int(ep.Port) != next {
			t.Fatalf("bound port %d, want %d", ep.Port, next)
		}
		ep.Close()
	}
}

func TestBindPairReportsBoundPorts(t *testing.T) {
	udp, tcp, err := transport.BindPair(0, testRange)
	if err != nil {
		t.Fatalf("BindPair: %v", err)
	}
	defer udp.Close()
	defer tcp.Close()

	if udp.Protocol != portmap.UDP || tcp.Protocol != portmap.TCP {
		t.Fatalf("unexpected protocols %s %s", udp.Protocol, tcp.Protocol)
	}
	for _, ep := range []*transport.Endpoint{udp, tcp} {
		if int(ep.Port) < testRange.Min || int(ep.Port) > testRange.Max {
			t.Fatalf("%s outside the requested range", ep)
		}
	}
}

func startServer(t *testing.T, opts ...transport.Option) (*transport.Server, *transport.Endpoint, *transport.Endpoint) {
	t.Helper()
	udp, tcp, err := transport.BindPair(0, testRange)
	if err != nil {
		t.Fatalf("BindPair: %v", err)
	}
	d := oncrpc.NewDispatcher()
	d.Register(testProg, testVers, nullHandler())
	srv := transport.NewServer(d, logging.NewNop(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	go func() { errs <- srv.Serve(ctx, udp) }()
	go func() { errs <- srv.Serve(ctx, tcp) }()
	t.Cleanup(func() {
		cancel()
		for range 2 {
			if err := <-errs; err != nil {
				t.Errorf("Serve returned %v", err)
			}
		}
	})
	return srv, udp, tcp
}

func TestServeUDPAndTCP(t *testing.T) {
	_, udp, tcp := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	udpAddr := "127.0.0.1:" + strconv.Itoa(int(udp.Port))
	if _, err := oncrpc.CallUDP(ctx, udpAddr, testProg, testVers, 0, nil); err != nil {
		t.Fatalf("udp NULL: %v", err)
	}
	_, err := oncrpc.CallUDP(ctx, udpAddr, testProg, testVers, 2, nil)
	var rejected *oncrpc.RejectedError
	if !errors.As(err, &rejected) || oncrpc.AcceptStat(rejected.Stat) != oncrpc.ProcUnavail {
		t.Fatalf("expected PROC_UNAVAIL over udp, got %v", err)
	}

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(int(tcp.Port)), time.Second)
	if err != nil {
		t.Fatalf("dial tcp: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	for xid := uint32(1); xid <= 2; xid++ {
		if err := oncrpc.WriteRecord(conn, oncrpc.EncodeCall(xid, testProg, testVers, 0, nil)); err != nil {
			t.Fatalf("write record: %v", err)
		}
		reply, err := oncrpc.ReadRecord(conn, oncrpc.MaxRecordSize)
		if err != nil {
			t.Fatalf("read record: %v", err)
		}
		if _, ok, err := oncrpc.ParseReply(reply, xid); !ok || err != nil {
			t.Fatalf("tcp reply %d: ok=%v err=%v", xid, ok, err)
		}
	}
}

type recordingObserver struct {
	results chan string
}

func (o *recordingObserver) ObserveRequest(proto, result string) {
	o.results <- proto + ":" + result
}

func TestServeRateLimitsPeers(t *testing.T) {
	obs := &recordingObserver{results: make(chan string, 16)}
	_, udp, _ := startServer(t, transport.WithRateLimit(0.001, 1), transport.WithObserver(obs))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	udpAddr := "127.0.0.1:" + strconv.Itoa(int(udp.Port))
	if _, err := oncrpc.CallUDP(ctx, udpAddr, testProg, testVers, 0, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if got := <-obs.results; got != "udp:success" {
		t.Fatalf("first result %q", got)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 700*time.Millisecond)
	defer cancelShort()
	if _, err := oncrpc.CallUDP(short, udpAddr, testProg, testVers, 0, nil); err == nil {
		t.Fatal("expected the limited call to time out")
	}
	if got := <-obs.results; got != "udp:rate_limited" {
		t.Fatalf("second result %q", got)
	}
}

func TestRegistrarRegisterAndUnregister(t *testing.T) {
	pm := testsupport.StartPortmapper(t)
	pm.Seed(testProg, testVers, portmap.UDP, 999)
	udp, tcp, err := transport.BindPair(0, testRange)
	if err != nil {
		t.Fatalf("BindPair: %v", err)
	}
	defer udp.Close()
	defer tcp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d := oncrpc.NewDispatcher()
	reg := transport.NewRegistrar(portmap.NewClient(pm.Addr()), d, logging.NewNop())

	reg.Clear(ctx, testProg, testVers)
	if n := pm.Registrations(testProg, testVers); n != 0 {
		t.Fatalf("stale registration not cleared: %d", n)
	}

	for _, ep := range []*transport.Endpoint{udp, tcp} {
		if err := reg.Register(ctx, ep, testProg, testVers, nullHandler()); err != nil {
			t.Fatalf("Register %s: %v", ep, err)
		}
	}
	if got := pm.Port(testProg, testVers, portmap.TCP); got != uint32(tcp.Port) {
		t.Fatalf("tcp registered at %d, want %d", got, tcp.Port)
	}
	if !reg.Registered() {
		t.Fatal("expected Registered after Register")
	}

	if err := reg.Unregister(ctx); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if n := pm.Registrations(testProg, testVers); n != 0 {
		t.Fatalf("expected no registrations, got %d", n)
	}
	if reply, _ := d.Dispatch(ctx, oncrpc.EncodeCall(5, testProg, testVers, 0, nil)); reply == nil {
		t.Fatal("expected a PROG_UNAVAIL reply once unregistered")
	}
}

func TestRegistrarFailureRollsBack(t *testing.T) {
	pm := testsupport.StartPortmapper(t)
	udp, tcp, err := transport.BindPair(0, testRange)
	if err != nil {
		t.Fatalf("BindPair: %v", err)
	}
	defer udp.Close()
	defer tcp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reg := transport.NewRegistrar(portmap.NewClient(pm.Addr()), oncrpc.NewDispatcher(), logging.NewNop())

	if err := reg.Register(ctx, udp, testProg, testVers, nullHandler()); err != nil {
		t.Fatalf("Register udp: %v", err)
	}
	pm.RefuseSets()
	err = reg.Register(ctx, tcp, testProg, testVers, nullHandler())
	if !errors.Is(err, transport.ErrRegisterFailed) || !errors.Is(err, portmap.ErrRefused) {
		t.Fatalf("expected ErrRegisterFailed wrapping ErrRefused, got %v", err)
	}

	reg.Abort(ctx)
	if n := pm.Registrations(testProg, testVers); n != 0 {
		t.Fatalf("expected rollback to clear registrations, got %d", n)
	}
}
