// Package systemd reports service state to the systemd supervisor.
// Every call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chatfabric/pkg/logx"
)

// Ready tells systemd the service finished starting.
func Ready(log logx.Logger) { notify(log, daemon.SdNotifyReady) }

// Stopping tells systemd a graceful shutdown began.
func Stopping(log logx.Logger) { notify(log, daemon.SdNotifyStopping) }

// Reloading marks a config reload in progress; call Ready when it ends.
func Reloading(log logx.Logger) { notify(log, daemon.SdNotifyReloading) }

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// It returns at once when the watchdog is not enabled for the unit.
func Watchdog(ctx context.Context, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
