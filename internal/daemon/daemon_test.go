package daemon_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"statd/internal/config"
	"statd/internal/daemon"
	"statd/internal/logging"
	"statd/internal/oncrpc"
	"statd/internal/pidfile"
	"statd/internal/portmap"
	"statd/internal/statmon"
	"statd/internal/testsupport"
)

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	e.codes = append(e.codes, code)
	e.mu.Unlock()
}

func (e *exitRecorder) recorded() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

type runningServer struct {
	d      *daemon.Daemon
	cancel context.CancelFunc
	done   chan int
	exits  *exitRecorder
}

func startServer(t *testing.T, cfg *config.Config) *runningServer {
	t.Helper()
	exits := &exitRecorder{}
	d := daemon.New(cfg, logging.NewNop(), daemon.WithExit(exits.exit))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-d.Started():
	case code := <-done:
		cancel()
		t.Fatalf("server exited during startup with %d", code)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not start")
	}
	s := &runningServer{d: d, cancel: cancel, done: done, exits: exits}
	t.Cleanup(func() { s.stop(t) })
	return s
}

func (s *runningServer) stop(t *testing.T) int {
	t.Helper()
	s.cancel()
	select {
	case code := <-s.done:
		s.done <- code
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return -1
	}
}

func runToCompletion(t *testing.T, cfg *config.Config) int {
	t.Helper()
	d := daemon.New(cfg, logging.NewNop(), daemon.WithExit(func(int) {}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.Run(ctx)
}

func TestServerRegistersServesAndShutsDown(t *testing.T) {
	pm := testsupport.StartPortmapper(t)
	cfg := testsupport.NewConfig(t, testsupport.WithPortmapper(pm))
	s := startServer(t, cfg)

	udpPort, tcpPort := s.d.Ports()
	if got := pm.Port(statmon.Program, statmon.Version, portmap.UDP); got != uint32(udpPort) {
		t.Fatalf("udp registration = %d, want %d", got, udpPort)
	}
	if got := pm.Port(statmon.Program, statmon.Version, portmap.TCP); got != uint32(tcpPort) {
		t.Fatalf("tcp registration = %d, want %d", got, tcpPort)
	}
	if pid, err := pidfile.ReadPID(cfg.Paths.PIDFile); err != nil || pid != os.Getpid() {
		t.Fatalf("pid file holds %d (%v)", pid, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(udpPort)))
	if _, err := oncrpc.CallUDP(ctx, addr, statmon.Program, statmon.Version, statmon.ProcNull, nil); err != nil {
		t.Fatalf("NULL call: %v", err)
	}

	if code := s.stop(t); code != daemon.ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	if codes := s.exits.recorded(); len(codes) != 1 || codes[0] != 0 {
		t.Fatalf("exit calls = %v", codes)
	}
	if n := pm.Registrations(statmon.Program, statmon.Version); n != 0 {
		t.Fatalf("%d registrations left after shutdown", n)
	}
	if _, err := os.Stat(cfg.Paths.PIDFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pid file left behind: %v", err)
	}

	db := testsupport.MustOpenStatusDB(t, cfg)
	state, err := db.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != 2 {
		t.Fatalf("state after one up/down cycle = %d, want 2", state)
	}
}

func TestSecondServerReportsAlreadyRunning(t *testing.T) {
	pm := testsupport.StartPortmapper(t)
	cfg := testsupport.NewConfig(t, testsupport.WithPortmapper(pm))
	first := startServer(t, cfg)

	if code := runToCompletion(t, cfg); code != daemon.ExitOK {
		t.Fatalf("second server exit = %d, want 0", code)
	}
	if n := pm.Registrations(statmon.Program, statmon.Version); n != 2 {
		t.Fatalf("first server lost its registrations: %d", n)
	}
	udpPort, _ := first.d.Ports()
	if got := pm.Port(statmon.Program, statmon.Version, portmap.UDP); got != uint32(udpPort) {
		t.Fatalf("udp registration changed to %d", got)
	}
	if pid, err := pidfile.ReadPID(cfg.Paths.PIDFile); err != nil || pid != os.Getpid() {
		t.Fatalf("pid file rewritten: %d (%v)", pid, err)
	}
}

func TestBindFailureLeavesNothingRegistered(t *testing.T) {
	busy, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	pm := testsupport.StartPortmapper(t)
	cfg := testsupport.NewConfig(t, testsupport.WithPortmapper(pm))
	cfg.Statd.Port = busy.LocalAddr().(*net.UDPAddr).Port

	if code := runToCompletion(t, cfg); code != daemon.ExitFailure {
		t.Fatalf("exit = %d, want 1", code)
	}
	if n := pm.Registrations(statmon.Program, statmon.Version); n != 0 {
		t.Fatalf("%d registrations after bind failure", n)
	}
	if _, err := os.Stat(cfg.Paths.PIDFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pid file not released: %v", err)
	}
}

func TestRegisterFailureRollsBack(t *testing.T) {
	pm := testsupport.StartPortmapper(t)
	pm.RefuseSets()
	cfg := testsupport.NewConfig(t, testsupport.WithPortmapper(pm))

	if code := runToCompletion(t, cfg); code != daemon.ExitFailure {
		t.Fatalf("exit = %d, want 1", code)
	}
	if n := pm.Registrations(statmon.Program, statmon.Version); n != 0 {
		t.Fatalf("%d registrations after refusal", n)
	}
}

func TestLockIOFailureExitsTwo(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	notADir := filepath.Join(testsupport.BaseDir(cfg), "plain")
	testsupport.WriteFile(t, notADir, "x")
	cfg.Paths.PIDFile = filepath.Join(notADir, "statd.pid")

	if code := runToCompletion(t, cfg); code != daemon.ExitLockFail {
		t.Fatalf("exit = %d, want 2", code)
	}
}

func TestPendingHostsStartNotifier(t *testing.T) {
	pm := testsupport.StartPortmapper(t)
	cfg := testsupport.NewConfig(t,
		testsupport.WithPortmapper(pm),
		testsupport.WithLoadScript(`touch "$(dirname "$0")/notifier-loaded"`),
	)
	db, err := statmon.Open(cfg.Paths.StatusDB)
	if err != nil {
		t.Fatalf("statmon.Open: %v", err)
	}
	testsupport.AddHosts(t, db, "client-a")
	db.Close()

	startServer(t, cfg)
	marker := filepath.Join(filepath.Dir(cfg.Notify.LoadCommand[0]), "notifier-loaded")
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("notifier was not loaded: %v", err)
	}
}

func TestNoPendingHostsSkipsNotifier(t *testing.T) {
	pm := testsupport.StartPortmapper(t)
	cfg := testsupport.NewConfig(t,
		testsupport.WithPortmapper(pm),
		testsupport.WithLoadScript(`touch "$(dirname "$0")/notifier-loaded"`),
	)

	startServer(t, cfg)
	marker := filepath.Join(filepath.Dir(cfg.Notify.LoadCommand[0]), "notifier-loaded")
	if _, err := os.Stat(marker); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("notifier loaded without pending hosts: %v", err)
	}
}

func TestSignalDuringStartupWithdrawsRegistration(t *testing.T) {
	pm := testsupport.StartPortmapper(t)
	var once sync.Once
	pm.AfterSet(func() {
		once.Do(func() {
			if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
				t.Errorf("kill: %v", err)
			}
			// let the runtime hand the signal to the watcher
			time.Sleep(100 * time.Millisecond)
		})
	})
	cfg := testsupport.NewConfig(t, testsupport.WithPortmapper(pm))

	exits := &exitRecorder{}
	d := daemon.New(cfg, logging.NewNop(), daemon.WithExit(exits.exit))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if code := d.Run(ctx); code != daemon.ExitFailure {
		t.Fatalf("exit = %d, want 1 for SIGHUP", code)
	}
	if codes := exits.recorded(); len(codes) != 1 || codes[0] != 1 {
		t.Fatalf("exit calls = %v", codes)
	}
	select {
	case <-d.Started():
		t.Fatal("interrupted server reported ready")
	default:
	}

	sets := 0
	for _, proc := range pm.Calls() {
		if proc == portmap.ProcSet {
			sets++
		}
	}
	if sets != 1 {
		t.Fatalf("SET calls = %d, want registration to stop after the signal", sets)
	}
	if n := pm.Registrations(statmon.Program, statmon.Version); n != 0 {
		t.Fatalf("%d registrations left after interrupted startup", n)
	}
	if _, err := os.Stat(cfg.Paths.PIDFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pid file left behind: %v", err)
	}

	db := testsupport.MustOpenStatusDB(t, cfg)
	state, err := db.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != 1 {
		t.Fatalf("state = %d, an interrupted startup must not mark the monitor down", state)
	}
}
