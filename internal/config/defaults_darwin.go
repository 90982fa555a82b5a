package config

const (
	defaultStatusDB     = "/var/db/statd.status.db"
	defaultNotifyLabel  = "com.apple.statd.notify"
	defaultNotifyPlist  = "/System/Library/LaunchDaemons/com.apple.statd.notify.plist"
	defaultLaunchctlBin = "/bin/launchctl"
)

func defaultLoadCommand() []string {
	return []string{defaultLaunchctlBin, "load", defaultNotifyPlist}
}
