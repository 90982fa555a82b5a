package shutdown_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"statd/internal/logging"
	"statd/internal/pidfile"
	"statd/internal/shutdown"
	"statd/internal/testsupport"
)

type countingStatus struct {
	bumps atomic.Int32
	syncs atomic.Int32
	err   error
}

func (s *countingStatus) BumpState(context.Context) (int, error) {
	n := s.bumps.Add(1)
	return int(n), s.err
}

func (s *countingStatus) Sync(context.Context) error {
	s.syncs.Add(1)
	return nil
}

type slowRegistrations struct {
	calls    atomic.Int32
	deadline time.Duration
}

func (r *slowRegistrations) Unregister(ctx context.Context) error {
	r.calls.Add(1)
	if d, ok := ctx.Deadline(); ok {
		r.deadline = time.Until(d)
	}
	<-ctx.Done()
	return ctx.Err()
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	e.codes = append(e.codes, code)
	e.mu.Unlock()
}

func TestShutdownRunsOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	lock, err := pidfile.Acquire(cfg.Paths.PIDFile, logging.NewNop())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	status := &countingStatus{}
	regs := &slowRegistrations{}
	exits := &exitRecorder{}
	c := shutdown.New(shutdown.Options{
		Status:        status,
		Registrations: regs,
		Lock:          lock,
		GracePeriod:   50 * time.Millisecond,
		Exit:          exits.exit,
		Logger:        logging.NewNop(),
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Shutdown(syscall.SIGTERM)
		}()
	}
	wg.Wait()
	c.Shutdown(syscall.SIGINT)

	if status.bumps.Load() != 1 || status.syncs.Load() != 1 {
		t.Fatalf("expected one bump and one sync, got %d and %d", status.bumps.Load(), status.syncs.Load())
	}
	if regs.calls.Load() != 1 {
		t.Fatalf("expected one unregister, got %d", regs.calls.Load())
	}
	if regs.deadline <= 0 || regs.deadline > 50*time.Millisecond {
		t.Fatalf("unregister not bounded by the grace period: %v", regs.deadline)
	}
	if len(exits.codes) != 1 || exits.codes[0] != 0 {
		t.Fatalf("expected a single exit 0, got %v", exits.codes)
	}
	if _, err := os.Stat(cfg.Paths.PIDFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pid file should be unlinked, stat err = %v", err)
	}
	if c.State() != shutdown.Terminated {
		t.Fatalf("state = %s", c.State())
	}
}

func TestShutdownContinuesAfterFailures(t *testing.T) {
	status := &countingStatus{err: errors.New("disk full")}
	exits := &exitRecorder{}
	c := shutdown.New(shutdown.Options{
		Status:        status,
		Registrations: &slowRegistrations{},
		GracePeriod:   10 * time.Millisecond,
		Exit:          exits.exit,
	})

	c.Shutdown(syscall.SIGHUP)
	if status.syncs.Load() != 0 {
		t.Fatal("sync should be skipped when the bump failed")
	}
	if len(exits.codes) != 1 || exits.codes[0] != 1 {
		t.Fatalf("expected exit 1 for SIGHUP, got %v", exits.codes)
	}
}

func TestNonServerShutdownOnlyReleasesLock(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	lock, err := pidfile.Acquire(cfg.Paths.NotifyPIDFile, logging.NewNop())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	exits := &exitRecorder{}
	c := shutdown.New(shutdown.Options{Lock: lock, Exit: exits.exit})

	c.Shutdown(syscall.SIGINT)
	if pidfile.IsAlive(cfg.Paths.NotifyPIDFile) != 0 {
		t.Fatal("lock should be released")
	}
	if len(exits.codes) != 1 || exits.codes[0] != 1 {
		t.Fatalf("expected exit 1 for SIGINT, got %v", exits.codes)
	}
}

func TestExitCode(t *testing.T) {
	cases := map[os.Signal]int{
		syscall.SIGTERM: 0,
		syscall.SIGINT:  1,
		syscall.SIGHUP:  1,
		syscall.SIGQUIT: 1,
	}
	for sig, want := range cases {
		if got := shutdown.ExitCode(sig); got != want {
			t.Fatalf("ExitCode(%s) = %d, want %d", sig, got, want)
		}
	}
}

func TestWatchForwardsFirstSignal(t *testing.T) {
	c := shutdown.New(shutdown.Options{Exit: func(int) {}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := c.Watch(ctx)
	// let signal.Notify install before raising
	time.Sleep(20 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case sig := <-first:
		if sig != syscall.SIGHUP {
			t.Fatalf("got %v, want SIGHUP", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("signal not forwarded")
	}
}

func TestAttachAddsServerSteps(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	lock, err := pidfile.Acquire(cfg.Paths.PIDFile, logging.NewNop())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	status := &countingStatus{}
	regs := &slowRegistrations{}
	c := shutdown.New(shutdown.Options{
		Lock:        lock,
		GracePeriod: 10 * time.Millisecond,
		Exit:        func(int) {},
		Logger:      logging.NewNop(),
	})
	c.Attach(status, regs)
	c.Shutdown(syscall.SIGTERM)

	if status.bumps.Load() != 1 || regs.calls.Load() != 1 {
		t.Fatalf("bumps=%d unregisters=%d, want 1 and 1", status.bumps.Load(), regs.calls.Load())
	}
}

func TestPendingDoesNotBlock(t *testing.T) {
	signals := make(chan os.Signal, 1)
	if sig := shutdown.Pending(signals); sig != nil {
		t.Fatalf("Pending on empty channel = %v", sig)
	}
	signals <- syscall.SIGINT
	if sig := shutdown.Pending(signals); sig != syscall.SIGINT {
		t.Fatalf("Pending = %v, want SIGINT", sig)
	}
}
