package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"statd/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "statd.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.toml")

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be reported absent")
	}
	if resolved != path {
		t.Fatalf("resolved = %q, want %q", resolved, path)
	}
	def := config.Default()
	if cfg.Paths.PIDFile != def.Paths.PIDFile {
		t.Fatalf("unexpected pid file %q", cfg.Paths.PIDFile)
	}
	if cfg.RPC.ReservedPortMin != 600 || cfg.RPC.ReservedPortMax != 1023 {
		t.Fatalf("unexpected reserved range %d-%d", cfg.RPC.ReservedPortMin, cfg.RPC.ReservedPortMax)
	}
	if cfg.GracePeriod().Seconds() != 1 {
		t.Fatalf("unexpected grace period %v", cfg.GracePeriod())
	}
	if cfg.Statd.Port != 0 || cfg.Statd.Verbose != 0 || cfg.Statd.SimulateCrashAllowed {
		t.Fatalf("unexpected statd defaults %+v", cfg.Statd)
	}
	if len(cfg.Notify.LoadCommand) == 0 {
		t.Fatal("expected a default load command")
	}
}

func TestLoadHonorsStatdConfigEnv(t *testing.T) {
	path := writeConfig(t, "[notify]\nlabel = \"custom.notify\"\n")
	t.Setenv("STATD_CONFIG", path)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected env config to be used, got %q exists=%v", resolved, exists)
	}
	if cfg.Notify.Label != "custom.notify" {
		t.Fatalf("unexpected label %q", cfg.Notify.Label)
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
[paths]
pid_file = "`+filepath.Join(dir, "run", "statd.pid")+`"
status_db = "`+filepath.Join(dir, "db", "status.db")+`"

[statd]
port = 1011

[rpc]
reserved_port_min = 700
reserved_port_max = 710
rate_limit_rps = 5

[notify]
supervisor = " SYSTEMD "
load_command = ["/bin/true", " ", "load"]

[logging]
format = "JSON"
`)

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if cfg.Statd.Port != 1011 {
		t.Fatalf("unexpected port %d", cfg.Statd.Port)
	}
	if cfg.Notify.Supervisor != "systemd" {
		t.Fatalf("unexpected supervisor %q", cfg.Notify.Supervisor)
	}
	if strings.Join(cfg.Notify.LoadCommand, " ") != "/bin/true load" {
		t.Fatalf("unexpected load command %q", cfg.Notify.LoadCommand)
	}
	if cfg.RPC.RateLimitBurst != 5 {
		t.Fatalf("expected burst to follow rps, got %d", cfg.RPC.RateLimitBurst)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("unexpected log format %q", cfg.Logging.Format)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, sub := range []string{"run", "db"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory, err=%v", sub, err)
		}
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"port":       "[statd]\nport = 70000\n",
		"range":      "[rpc]\nreserved_port_min = 900\nreserved_port_max = 800\n",
		"supervisor": "[notify]\nsupervisor = \"upstart\"\n",
		"format":     "[logging]\nformat = \"xml\"\n",
		"unknown":    "[bogus]\nkey = 1\n",
		"portmap":    "[rpc]\nportmap_addr = \"localhost\"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, _, err := config.Load(writeConfig(t, content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestRateLimitBurstFollowsRPS(t *testing.T) {
	cases := []struct {
		name      string
		content   string
		wantRPS   float64
		wantBurst int
	}{
		{name: "defaults", content: "", wantRPS: 200, wantBurst: 200},
		{name: "rps only", content: "[rpc]\nrate_limit_rps = 5\n", wantRPS: 5, wantBurst: 5},
		{name: "fractional rps", content: "[rpc]\nrate_limit_rps = 0.5\n", wantRPS: 0.5, wantBurst: 1},
		{name: "explicit burst", content: "[rpc]\nrate_limit_rps = 5\nrate_limit_burst = 40\n", wantRPS: 5, wantBurst: 40},
		{name: "disabled", content: "[rpc]\nrate_limit_rps = 0\n", wantRPS: 0, wantBurst: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, _, _, err := config.Load(writeConfig(t, tc.content))
			if err != nil {
				t.Fatalf("Load returned error: %v", err)
			}
			if cfg.RPC.RateLimitRPS != tc.wantRPS || cfg.RPC.RateLimitBurst != tc.wantBurst {
				t.Fatalf("rps/burst = %v/%d, want %v/%d", cfg.RPC.RateLimitRPS, cfg.RPC.RateLimitBurst, tc.wantRPS, tc.wantBurst)
			}
		})
	}
}
