//go:build !darwin

package config

const (
	defaultStatusDB    = "/var/lib/statd/status.db"
	defaultNotifyLabel = "statd-notify.service"
	defaultNotifyUnit  = "/usr/lib/systemd/system/statd-notify.service"
	defaultSystemctl   = "/usr/bin/systemctl"
)

func defaultLoadCommand() []string {
	return []string{defaultSystemctl, "enable", "--now", defaultNotifyUnit}
}
