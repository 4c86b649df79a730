package coordinator

import "fmt"

// Autonomy modes.
const (
	ModeVibe = "vibe"
	ModePlan = "plan"
	ModeNone = "none"
)

// Config holds every coordinator tunable. The value lives on the run loop;
// all durations are milliseconds.
type Config struct {
	Enabled          bool   `json:"enabled"`
	Mode             string `json:"mode"`
	IdleAfterMs      int64  `json:"idleAfterMs"`
	SleepAfterIdleMs int64  `json:"sleepAfterIdleMs"`
	BatchWindowMs    int64  `json:"batchWindowMs"`
	VibeIntervalMs   int64  `json:"vibeIntervalMs"`
	PlanNudgeDelayMs int64  `json:"planNudgeDelayMs"`
	VibePrompt       string `json:"vibePrompt,omitempty"`
}

// DefaultConfig returns the stock coordinator tuning.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Mode:             ModeVibe,
		IdleAfterMs:      180_000,
		SleepAfterIdleMs: 180_000,
		BatchWindowMs:    20_000,
		VibeIntervalMs:   30_000,
		PlanNudgeDelayMs: 100,
	}
}

// ConfigPatch is a partial Config: nil fields are left untouched by Merge.
type ConfigPatch struct {
	Enabled          *bool   `json:"enabled,omitempty"`
	Mode             *string `json:"mode,omitempty"`
	IdleAfterMs      *int64  `json:"idleAfterMs,omitempty"`
	SleepAfterIdleMs *int64  `json:"sleepAfterIdleMs,omitempty"`
	BatchWindowMs    *int64  `json:"batchWindowMs,omitempty"`
	VibeIntervalMs   *int64  `json:"vibeIntervalMs,omitempty"`
	PlanNudgeDelayMs *int64  `json:"planNudgeDelayMs,omitempty"`
	VibePrompt       *string `json:"vibePrompt,omitempty"`
}

// Validate rejects patches that would put the config into a state the run
// loop cannot act on.
func (p ConfigPatch) Validate() error {
	if p.Mode != nil {
		switch *p.Mode {
		case ModeVibe, ModePlan, ModeNone:
		default:
			return fmt.Errorf("invalid mode %q", *p.Mode)
		}
	}
	for name, v := range map[string]*int64{
		"idleAfterMs":      p.IdleAfterMs,
		"sleepAfterIdleMs": p.SleepAfterIdleMs,
		"batchWindowMs":    p.BatchWindowMs,
		"vibeIntervalMs":   p.VibeIntervalMs,
		"planNudgeDelayMs": p.PlanNudgeDelayMs,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}
	return nil
}

// AsPatch returns a patch that sets every field to c's value. Used when a
// config file reload replaces the whole runtime config at once.
func (c Config) AsPatch() ConfigPatch {
	return ConfigPatch{
		Enabled:          &c.Enabled,
		Mode:             &c.Mode,
		IdleAfterMs:      &c.IdleAfterMs,
		SleepAfterIdleMs: &c.SleepAfterIdleMs,
		BatchWindowMs:    &c.BatchWindowMs,
		VibeIntervalMs:   &c.VibeIntervalMs,
		PlanNudgeDelayMs: &c.PlanNudgeDelayMs,
		VibePrompt:       &c.VibePrompt,
	}
}

// Merge returns a copy of c with every non-nil patch field applied.
func (c Config) Merge(p ConfigPatch) Config {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.Mode != nil {
		c.Mode = *p.Mode
	}
	if p.IdleAfterMs != nil {
		c.IdleAfterMs = *p.IdleAfterMs
	}
	if p.SleepAfterIdleMs != nil {
		c.SleepAfterIdleMs = *p.SleepAfterIdleMs
	}
	if p.BatchWindowMs != nil {
		c.BatchWindowMs = *p.BatchWindowMs
	}
	if p.VibeIntervalMs != nil {
		c.VibeIntervalMs = *p.VibeIntervalMs
	}
	if p.PlanNudgeDelayMs != nil {
		c.PlanNudgeDelayMs = *p.PlanNudgeDelayMs
	}
	if p.VibePrompt != nil {
		c.VibePrompt = *p.VibePrompt
	}
	return c
}
