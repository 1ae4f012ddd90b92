package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "powersched/pkg/logx"
)

// sdNotifier abstracts sd_notify so tests can observe lifecycle messages.
type sdNotifier interface {
	Notify(state string) error
	WatchdogInterval() time.Duration
}

// systemdNotifier talks to $NOTIFY_SOCKET. Outside systemd every call is a
// silent no-op.
type systemdNotifier struct{ log logx.Logger }

func (n systemdNotifier) Notify(state string) error {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		return err
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
	return nil
}

// WatchdogInterval returns half of WatchdogSec, or 0 when the watchdog is
// not enabled for this process.
func (n systemdNotifier) WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// watchdogLoop pings the systemd watchdog while healthy() holds. A stale
// engine stops the pings so systemd restarts the unit.
func watchdogLoop(ctx context.Context, n sdNotifier, every time.Duration, healthy func() (bool, string), log logx.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if ok, reason := healthy(); !ok {
			log.Warn("withholding watchdog ping", logx.String("reason", reason))
			continue
		}
		if err := n.Notify(daemon.SdNotifyWatchdog); err != nil {
			log.Debug("watchdog ping failed", logx.Err(err))
		}
	}
}
