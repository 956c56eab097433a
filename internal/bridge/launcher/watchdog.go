package launcher

import (
	"context"
	"fmt"
	"time"
)

// watchdogLoop warns the hub once per turn when no progress has been made
// for the configured stall threshold.
func (l *Launcher) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Watchdog.IntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.checkProgress(time.Now())
		}
	}
}

// checkProgress fires the stall warning when due. Exposed to tests through
// the injected clock value.
func (l *Launcher) checkProgress(now time.Time) {
	threshold := l.cfg.Watchdog.StallThresholdDuration()

	l.mu.Lock()
	due := l.turnInFlight &&
		!l.watchdogNotified &&
		now.Sub(l.lastProgress) >= threshold
	if due {
		l.watchdogNotified = true
	}
	l.mu.Unlock()

	if !due {
		return
	}
	l.hub.SendSessionEvent(map[string]any{
		"type":    "message",
		"message": fmt.Sprintf(watchdogMessage, threshold),
	})
}
