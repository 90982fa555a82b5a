package supervisor

import (
	"log/slog"

	"github.com/coreos/go-systemd/v22/daemon"

	"statd/internal/logging"
)

// NotifyReady tells a supervising systemd that startup finished. Outside
// systemd it does nothing.
func NotifyReady(logger *slog.Logger) {
	notify(logger, daemon.SdNotifyReady)
}

// NotifyStopping tells a supervising systemd that shutdown began.
func NotifyStopping(logger *slog.Logger) {
	notify(logger, daemon.SdNotifyStopping)
}

func notify(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logging.WarnWithContext(logger, "sd_notify failed", "sd_notify_failed",
			logging.String("state", state),
			logging.Error(err),
			logging.String(logging.FieldImpact, "systemd may misreport the service state"),
		)
		return
	}
	if sent && logger != nil {
		logger.Debug("sd_notify sent", logging.String("state", state))
	}
}
