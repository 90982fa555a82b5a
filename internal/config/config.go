package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Paths contains the files statd owns or consults.
type Paths struct {
	PIDFile       string `toml:"pid_file"`
	NotifyPIDFile string `toml:"notify_pid_file"`
	StatusDB      string `toml:"status_db"`
	NFSConf       string `toml:"nfs_conf"`
}

// Statd holds the values nfs.conf may override.
type Statd struct {
	// Port pins both transports; 0 selects a port from the reserved range.
	Port                 int  `toml:"port"`
	Verbose              int  `toml:"verbose"`
	SimulateCrashAllowed bool `toml:"simu_crash_allowed"`
}

// RPC configures transport binding and the program directory.
type RPC struct {
	ReservedPortMin int     `toml:"reserved_port_min"`
	ReservedPortMax int     `toml:"reserved_port_max"`
	PortmapAddr     string  `toml:"portmap_addr"`
	RateLimitRPS    float64 `toml:"rate_limit_rps"`
	RateLimitBurst  int     `toml:"rate_limit_burst"`
}

// Notify describes how to reach the statd.notify companion service.
type Notify struct {
	Label string `toml:"label"`
	// Supervisor is one of auto, systemd, launchd, or none.
	Supervisor  string   `toml:"supervisor"`
	LoadCommand []string `toml:"load_command"`
	// HelperCommand, when set, is run once per pending host (host appended)
	// instead of sending SM_NOTIFY directly.
	HelperCommand []string `toml:"helper_command"`
}

// Shutdown bounds the best-effort teardown.
type Shutdown struct {
	GracePeriodMS int `toml:"grace_period_ms"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	// Output overrides the mode default (syslog for daemons, stderr otherwise).
	Output string `toml:"output"`
}

// Metrics configures the optional Prometheus listener.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Config encapsulates all configuration values for statd.
type Config struct {
	Paths    Paths    `toml:"paths"`
	Statd    Statd    `toml:"statd"`
	RPC      RPC      `toml:"rpc"`
	Notify   Notify   `toml:"notify"`
	Shutdown Shutdown `toml:"shutdown"`
	Logging  Logging  `toml:"logging"`
	Metrics  Metrics  `toml:"metrics"`
}

// Load locates, parses, and validates a configuration file. A missing file
// yields the defaults. nfs.conf is not consulted here; see ApplyNFSConf.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if strings.TrimSpace(path) == "" {
		if env, ok := os.LookupEnv("STATD_CONFIG"); ok && strings.TrimSpace(env) != "" {
			path = env
		} else {
			path = DefaultConfigPath
		}
	}
	expanded, err := expandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

// GracePeriod returns the shutdown unregistration deadline.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Shutdown.GracePeriodMS) * time.Millisecond
}

// EnsureDirectories creates the parent directories of the files statd writes.
func (c *Config) EnsureDirectories() error {
	for _, file := range []string{c.Paths.PIDFile, c.Paths.StatusDB} {
		dir := filepath.Dir(file)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
