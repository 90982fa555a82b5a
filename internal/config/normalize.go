package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeRPC()
	c.normalizeNotify()
	if c.Shutdown.GracePeriodMS == 0 {
		c.Shutdown.GracePeriodMS = defaultGracePeriodMS
	}
	c.normalizeLogging()
	c.Metrics.Listen = strings.TrimSpace(c.Metrics.Listen)
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		name     string
		value    *string
		fallback string
	}{
		{"paths.pid_file", &c.Paths.PIDFile, defaultPIDFile},
		{"paths.notify_pid_file", &c.Paths.NotifyPIDFile, defaultNotifyPIDFile},
		{"paths.status_db", &c.Paths.StatusDB, defaultStatusDB},
		{"paths.nfs_conf", &c.Paths.NFSConf, defaultNFSConf},
	}
	for _, f := range fields {
		if strings.TrimSpace(*f.value) == "" {
			*f.value = f.fallback
		}
		expanded, err := expandPath(strings.TrimSpace(*f.value))
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.value = expanded
	}
	return nil
}

func (c *Config) normalizeRPC() {
	if c.RPC.ReservedPortMin == 0 && c.RPC.ReservedPortMax == 0 {
		c.RPC.ReservedPortMin = defaultReservedPortMin
		c.RPC.ReservedPortMax = defaultReservedPortMax
	}
	c.RPC.PortmapAddr = strings.TrimSpace(c.RPC.PortmapAddr)
	if c.RPC.PortmapAddr == "" {
		c.RPC.PortmapAddr = defaultPortmapAddr
	}
	if c.RPC.RateLimitRPS > 0 && c.RPC.RateLimitBurst <= 0 {
		c.RPC.RateLimitBurst = int(c.RPC.RateLimitRPS)
		if c.RPC.RateLimitBurst < 1 {
			c.RPC.RateLimitBurst = 1
		}
	}
}

func (c *Config) normalizeNotify() {
	c.Notify.Label = strings.TrimSpace(c.Notify.Label)
	if c.Notify.Label == "" {
		c.Notify.Label = defaultNotifyLabel
	}
	c.Notify.Supervisor = strings.ToLower(strings.TrimSpace(c.Notify.Supervisor))
	if c.Notify.Supervisor == "" {
		c.Notify.Supervisor = defaultSupervisor
	}
	c.Notify.LoadCommand = trimArgs(c.Notify.LoadCommand)
	c.Notify.HelperCommand = trimArgs(c.Notify.HelperCommand)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Output = strings.TrimSpace(c.Logging.Output)
}

func trimArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if trimmed := strings.TrimSpace(arg); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
