package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"statd/internal/daemonrun"
	"statd/internal/statmon"
	"statd/internal/testsupport"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code := execute(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestConflictingModeFlagsPrintUsage(t *testing.T) {
	for _, args := range [][]string{
		{"-n", "-l"},
		{"-l", "-L"},
		{"-L", "-N", "client-a"},
		{"-N", "a", "-N", "b"},
		{"-x"},
		{"stray"},
		{"-N"},
	} {
		code, stdout, stderr := runCLI(t, args...)
		if code != daemonrun.ExitFailure {
			t.Fatalf("%v: exit = %d, want 1", args, code)
		}
		if stdout != "" {
			t.Fatalf("%v: unexpected stdout %q", args, stdout)
		}
		if !strings.Contains(stderr, daemonrun.Usage) {
			t.Fatalf("%v: usage missing from stderr: %q", args, stderr)
		}
	}
}

func TestRepeatedListFlagIsAccepted(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	path := testsupport.WriteConfigFile(t, cfg)

	code, stdout, stderr := runCLI(t, "-l", "-l", "-c", path)
	if code != daemonrun.ExitOK {
		t.Fatalf("exit = %d, stderr %q", code, stderr)
	}
	if !strings.Contains(stdout, "none monitored") {
		t.Fatalf("unexpected output:\n%s", stdout)
	}
}

func TestListRendersHosts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	path := testsupport.WriteConfigFile(t, cfg)
	db := testsupport.MustOpenStatusDB(t, cfg)
	testsupport.AddHosts(t, db, "client-a", "client-b")
	if _, err := db.MarkAllPending(context.Background()); err != nil {
		t.Fatalf("MarkAllPending: %v", err)
	}
	if err := db.ClearPending(context.Background(), "client-b"); err != nil {
		t.Fatalf("ClearPending: %v", err)
	}

	code, stdout, stderr := runCLI(t, "-l", "-c", path)
	if code != daemonrun.ExitOK {
		t.Fatalf("exit = %d, stderr %q", code, stderr)
	}
	for _, want := range []string{"statd:", "not running", "client-a", "client-b", "PENDING"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("output missing %q:\n%s", want, stdout)
		}
	}
	if strings.Contains(stdout, ansiReset) {
		t.Fatal("output to a buffer should not be colorized")
	}
}

func TestBadConfigExitsOne(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	path := testsupport.BaseDir(cfg) + "/broken.toml"
	testsupport.WriteFile(t, path, "[rpc]\nreserved_port_min = 900\nreserved_port_max = 800\n")

	code, _, stderr := runCLI(t, "-l", "-c", path)
	if code != daemonrun.ExitFailure {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.Contains(stderr, "load config") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRenderReport(t *testing.T) {
	added := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	report := daemonrun.Report{
		ServerPID: 42,
		State:     3,
		Hosts: []statmon.Host{
			{Name: "client-a", NeedNotify: true, AddedAt: added},
		},
	}

	plain := renderReport(report, false)
	for _, want := range []string{"running, pid 42", "3 (up)", "client-a", "yes"} {
		if !strings.Contains(plain, want) {
			t.Fatalf("plain output missing %q:\n%s", want, plain)
		}
	}
	if strings.Contains(plain, "\x1b[") {
		t.Fatal("plain output contains escape codes")
	}

	colored := renderReport(report, true)
	if !strings.HasPrefix(colored, ansiGreen) {
		t.Fatalf("expected green server line, got %q", colored[:20])
	}
}

func TestStateLabel(t *testing.T) {
	if got := stateLabel(4); got != "4 (down)" {
		t.Fatalf("stateLabel(4) = %q", got)
	}
}
