package coordinator

import (
	"log/slog"
	"time"
)

// State is the coordinator's activity state. Transitions are driven by chat
// ingress, the speech gate, plan tool calls and the sleep-check ticker, and
// every change is mirrored onto the overlay via crawd:status.
type State string

const (
	StateSleep  State = "sleep"
	StateIdle   State = "idle"
	StateActive State = "active"
)

// sleepCheckPeriod is how often the run loop re-evaluates idle and sleep
// deadlines while the coordinator is awake.
const sleepCheckPeriod = 10 * time.Second

// setState records a state change, emits it to the overlay and keeps the
// transition counter current. No-op when the state is unchanged.
func (c *Coordinator) setState(to State, reason string) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	slog.Info("coordinator state changed", "from", from, "to", to, "reason", reason)
	if c.metrics != nil {
		c.metrics.RecordStateTransition(c.runCtx, string(from), string(to), reason)
	}
	c.emitStatus(string(to))
}

// wake refreshes the activity clock and promotes the coordinator towards
// active. Waking out of sleep also restarts the sleep-check ticker and, in
// vibe mode, arms the autonomy timer.
func (c *Coordinator) wake(reason string) {
	c.lastActivityAt = c.clock.Now()
	switch c.state {
	case StateSleep:
		c.setState(StateActive, reason)
		c.startSleepTicker()
		c.scheduleVibe()
		c.scheduleNudge()
	case StateIdle:
		c.setState(StateActive, reason)
	}
}

// enterSleep parks the coordinator. When compact is set the agent context is
// compacted first so the next wake starts from a trimmed transcript.
func (c *Coordinator) enterSleep(reason string, compact bool) {
	if c.state == StateSleep {
		return
	}
	if compact {
		c.enqueueTurn(turnCompact, compactCommand)
	}
	c.stopAutonomyTimers()
	c.setState(StateSleep, reason)
}

// onSleepTick walks the active -> idle -> sleep ladder using the configured
// thresholds. Thresholds are compared against wall-clock deltas so a paused
// virtual clock never advances the ladder.
func (c *Coordinator) onSleepTick() {
	now := c.clock.Now()
	switch c.state {
	case StateActive:
		if now.Sub(c.lastActivityAt) >= msToDuration(c.cfg.IdleAfterMs) {
			c.idleSince = now
			c.setState(StateIdle, "inactivity")
		}
	case StateIdle:
		if now.Sub(c.idleSince) >= msToDuration(c.cfg.SleepAfterIdleMs) {
			c.enterSleep("inactivity", true)
		}
	}
}

func (c *Coordinator) startSleepTicker() {
	if c.sleepTick != nil {
		c.sleepTick.Stop()
	}
	c.sleepTick = c.clock.NewTicker(sleepCheckPeriod)
}

// stopAutonomyTimers halts the sleep-check ticker and both autonomy timers.
// The batch window timer is left alone: a window opened by chat keeps its
// trailing flush even across a sleep transition.
func (c *Coordinator) stopAutonomyTimers() {
	if c.sleepTick != nil {
		c.sleepTick.Stop()
		c.sleepTick = nil
	}
	stopTimer(&c.vibeTimer)
	stopTimer(&c.nudgeTimer)
}
