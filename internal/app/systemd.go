package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"routined/internal/eventbus"
	logx "routined/pkg/logx"
)

// systemdLoop reports readiness, watchdog pings and a one-line status to
// systemd. Outside a Type=notify unit every call is a no-op.
func (a *App) systemdLoop(ctx context.Context) error {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	var tick <-chan time.Time
	if wd, err := daemon.SdWatchdogEnabled(false); err != nil {
		a.log.Warn("systemd watchdog misconfigured", logx.Err(err))
	} else if wd > 0 {
		t := time.NewTicker(wd / 2)
		defer t.Stop()
		tick = t.C
	}

	events, unsub := a.bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return nil
		case <-tick:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if line := statusLine(e); line != "" {
				_, _ = daemon.SdNotify(false, "STATUS="+line)
			}
		}
	}
}

func statusLine(e eventbus.Event) string {
	switch e.Type {
	case eventbus.CycleFinished:
		s, ok := e.Data.(eventbus.Summary)
		if !ok {
			return ""
		}
		if s.FetchError != "" {
			return fmt.Sprintf("cycle %d: fetch failed; next in %s", e.Cycle, s.NextSleep)
		}
		return fmt.Sprintf("cycle %d: %d ok, %d failed of %d active; next in %s",
			e.Cycle, s.Succeeded, s.Failed, s.Fetched, s.NextSleep)
	case eventbus.Stopped:
		return "stopped"
	default:
		return ""
	}
}
