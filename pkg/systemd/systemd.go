// Package systemd speaks the sd_notify protocol for Type=notify units.
//
// Every call is a no-op when NOTIFY_SOCKET is unset, so the same binary runs
// under systemd, in a container or from a shell.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "feedwatch/pkg/logx"
)

// Notifier sends state updates to the service manager.
type Notifier struct {
	log     logx.Logger
	enabled bool

	// notify is daemon.SdNotify; replaced in tests.
	notify   func(unsetEnvironment bool, state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:     log,
		enabled: enabled,
		notify:  daemon.SdNotify,
		watchdog: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

func (n *Notifier) send(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	ok, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// Ready reports READY=1 plus a status line.
func (n *Notifier) Ready(status string) bool {
	state := daemon.SdNotifyReady
	if status != "" {
		state += "\nSTATUS=" + status
	}
	return n.send(state)
}

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Status(status string) bool { return n.send("STATUS=" + status) }

// Watchdog pings WATCHDOG=1 at half of WatchdogSec until ctx is done. It
// returns immediately when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context) error {
	if n == nil || !n.enabled {
		return nil
	}
	every, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog lookup failed", logx.Err(err))
		return nil
	}
	if every <= 0 {
		return nil
	}
	every /= 2
	n.log.Debug("watchdog enabled", logx.Duration("every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
