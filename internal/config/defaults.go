package config

// DefaultConfigPath is consulted when no -c flag or STATD_CONFIG is given.
const DefaultConfigPath = "/etc/statd/statd.toml"

const (
	defaultPIDFile         = "/var/run/statd.pid"
	defaultNotifyPIDFile   = "/var/run/statd.notify.pid"
	defaultNFSConf         = "/etc/nfs.conf"
	defaultReservedPortMin = 600
	defaultReservedPortMax = 1023
	defaultPortmapAddr     = "127.0.0.1:111"
	defaultRateLimitRPS    = 200
	defaultSupervisor      = "auto"
	defaultGracePeriodMS   = 1000
	defaultLogFormat       = "console"
	defaultLogLevel        = "info"
)

// Default returns a Config populated with platform defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			PIDFile:       defaultPIDFile,
			NotifyPIDFile: defaultNotifyPIDFile,
			StatusDB:      defaultStatusDB,
			NFSConf:       defaultNFSConf,
		},
		RPC: RPC{
			ReservedPortMin: defaultReservedPortMin,
			ReservedPortMax: defaultReservedPortMax,
			PortmapAddr:     defaultPortmapAddr,
			RateLimitRPS:    defaultRateLimitRPS,
		},
		Notify: Notify{
			Label:       defaultNotifyLabel,
			Supervisor:  defaultSupervisor,
			LoadCommand: defaultLoadCommand(),
		},
		Shutdown: Shutdown{GracePeriodMS: defaultGracePeriodMS},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
