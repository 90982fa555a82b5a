package config

import (
	"errors"
	"fmt"
	"net"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStatd(); err != nil {
		return err
	}
	if err := c.validateRPC(); err != nil {
		return err
	}
	if err := c.validateNotify(); err != nil {
		return err
	}
	if c.Shutdown.GracePeriodMS < 0 {
		return errors.New("shutdown.grace_period_ms must be positive")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateStatd() error {
	if c.Statd.Port < 0 || c.Statd.Port > 65535 {
		return fmt.Errorf("statd.port %d out of range", c.Statd.Port)
	}
	if c.Statd.Verbose < 0 {
		return errors.New("statd.verbose must not be negative")
	}
	return nil
}

func (c *Config) validateRPC() error {
	lo, hi := c.RPC.ReservedPortMin, c.RPC.ReservedPortMax
	if lo < 1 || hi > 65535 || lo > hi {
		return fmt.Errorf("rpc reserved port range %d-%d is invalid", lo, hi)
	}
	if _, _, err := net.SplitHostPort(c.RPC.PortmapAddr); err != nil {
		return fmt.Errorf("rpc.portmap_addr: %w", err)
	}
	if c.RPC.RateLimitRPS < 0 || c.RPC.RateLimitBurst < 0 {
		return errors.New("rpc rate limit values must not be negative")
	}
	return nil
}

func (c *Config) validateNotify() error {
	switch c.Notify.Supervisor {
	case "auto", "systemd", "launchd", "none":
	default:
		return fmt.Errorf("notify.supervisor: unsupported value %q", c.Notify.Supervisor)
	}
	return nil
}
