package monitor

import (
	"time"

	"github.com/sindef/redis-sentinel/pkg/events"
)

// checkTilt enters tilt mode when the time between two ticks is negative
// or far longer than it should be, and leaves it once things have been
// quiet for tiltPeriod. While tilted the monitor keeps collecting state
// but takes no action on it.
func (m *Monitor) checkTilt(now time.Time) {
	// wall clock on purpose: a stepped clock is what we want to see
	wall := now.Round(0)
	delta := wall.Sub(m.previousTick)
	m.previousTick = wall

	if delta < 0 || delta > tiltTriggerTicks*m.cfg.TickInterval {
		m.tilt = true
		m.tiltStart = wall
		m.notice(events.Warning, "+tilt", "", "#tilt mode entered")
		return
	}

	if m.tilt && wall.Sub(m.tiltStart) > tiltPeriod {
		m.tilt = false
		m.notice(events.Warning, "-tilt", "", "#tilt mode exited")
	}
}
