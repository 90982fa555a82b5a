package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"statd/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config whose files all live in a per-test temp
// directory. Transports bind unprivileged ports and no supervisor is used.
// The portmapper address is unreachable until WithPortmapper is applied.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.PIDFile = filepath.Join(base, "run", "statd.pid")
	cfgVal.Paths.NotifyPIDFile = filepath.Join(base, "run", "statd.notify.pid")
	cfgVal.Paths.StatusDB = filepath.Join(base, "lib", "status.db")
	cfgVal.Paths.NFSConf = filepath.Join(base, "nfs.conf")
	cfgVal.RPC.ReservedPortMin = 40000
	cfgVal.RPC.ReservedPortMax = 40999
	cfgVal.RPC.PortmapAddr = "127.0.0.1:1"
	cfgVal.RPC.RateLimitRPS = 0
	cfgVal.Notify.Supervisor = "none"
	cfgVal.Notify.LoadCommand = []string{"/bin/true"}
	cfgVal.Shutdown.GracePeriodMS = 200

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithPortmapper points the config at a fake portmapper.
func WithPortmapper(pm *Portmapper) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.RPC.PortmapAddr = pm.Addr()
	}
}

// WithSimulateCrash enables SM_SIMU_CRASH.
func WithSimulateCrash() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Statd.SimulateCrashAllowed = true
	}
}

// WithHelperScript writes an executable shell script and uses it as the
// per-host notify helper.
func WithHelperScript(body string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notify.HelperCommand = []string{writeScript(b.t, b.baseDir, "notify-helper", body)}
	}
}

// WithLoadScript writes an executable shell script and uses it as the
// notifier load command.
func WithLoadScript(body string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notify.LoadCommand = []string{writeScript(b.t, b.baseDir, "load-notifier", body)}
	}
}

func writeScript(t testing.TB, baseDir, name, body string) string {
	binDir := filepath.Join(baseDir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("mkdir bin dir: %v", err)
	}
	target := filepath.Join(binDir, name)
	if err := os.WriteFile(target, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}
	return target
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.NFSConf)
}

// WriteConfigFile stores cfg as TOML next to its other files and returns
// the path, for tests that go through config.Load.
func WriteConfigFile(t testing.TB, cfg *config.Config) string {
	t.Helper()

	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(BaseDir(cfg), "statd.toml")
	WriteFile(t, path, string(data))
	return path
}
