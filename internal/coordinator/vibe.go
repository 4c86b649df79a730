package coordinator

import "log/slog"

// DefaultVibePrompt is sent on every vibe tick unless the config overrides
// it. It deliberately gives the agent free rein; the reply protocol trailer
// is what keeps the output off the stream unless a tool was used.
const DefaultVibePrompt = "[CRAWD:VIBE] You are on a livestream. Nobody is chatting right now, so do " +
	"something interesting for your viewers: check on your token, look at the chart, or work " +
	"toward your goals. Respond with LIVESTREAM_REPLIED after using a tool, or NO_REPLY if " +
	"there is truly nothing worth doing."

// scheduleVibe arms the vibe timer for one interval. Any previously armed
// timer is dropped first, so callers never stack fires.
func (c *Coordinator) scheduleVibe() {
	stopTimer(&c.vibeTimer)
	if !c.cfg.Enabled || c.cfg.Mode != ModeVibe || c.state == StateSleep {
		return
	}
	c.vibeTimer = c.clock.NewTimer(msToDuration(c.cfg.VibeIntervalMs))
}

// onVibeFire runs one autonomy beat. A sleeping coordinator swallows the
// fire outright; a busy dispatcher skips the beat but keeps the cadence. The
// timer is rearmed when the turn completes, not here, so turns never pile up.
func (c *Coordinator) onVibeFire() {
	if !c.cfg.Enabled || c.cfg.Mode != ModeVibe {
		return
	}
	if c.state == StateSleep {
		slog.Debug("vibe skipped", "reason", "sleeping")
		return
	}
	if c.disp.Busy() {
		slog.Debug("vibe skipped", "reason", "busy")
		c.scheduleVibe()
		return
	}
	if c.state == StateIdle {
		c.setState(StateActive, "vibe")
	}
	c.lastActivityAt = c.clock.Now()
	c.emitStatus("vibing")
	c.enqueueTurn(turnVibe, c.vibePrompt())
}

func (c *Coordinator) vibePrompt() string {
	if c.cfg.VibePrompt != "" {
		return c.cfg.VibePrompt
	}
	return DefaultVibePrompt
}
