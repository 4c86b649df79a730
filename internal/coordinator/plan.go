package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/crawdtv/crawd/internal/bus"
)

var (
	// ErrNoActivePlan is returned by plan operations that need a plan in the
	// active status.
	ErrNoActivePlan = errors.New("coordinator: no active plan")
	// ErrStepOutOfRange is returned when a step index does not exist on the
	// active plan.
	ErrStepOutOfRange = errors.New("coordinator: step index out of range")
)

// StepStatus tracks a single plan step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepDone    StepStatus = "done"
)

// Step is one unit of work inside a plan.
type Step struct {
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
}

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanAbandoned PlanStatus = "abandoned"
)

// Plan is a goal with an ordered list of steps the agent works through. At
// most one plan is active at a time; setting a new one abandons the old.
type Plan struct {
	ID        string     `json:"id"`
	Goal      string     `json:"goal"`
	Steps     []Step     `json:"steps"`
	Status    PlanStatus `json:"status"`
	CreatedAt int64      `json:"createdAt"`
}

func (p Plan) clone() Plan {
	out := p
	out.Steps = make([]Step, len(p.Steps))
	copy(out.Steps, p.Steps)
	return out
}

type planEventPayload struct {
	Type   string `json:"type"`
	PlanID string `json:"planId"`
	Goal   string `json:"goal,omitempty"`
}

func (c *Coordinator) emitPlanEvent(eventType string, p *Plan) {
	payload := planEventPayload{Type: eventType, PlanID: p.ID}
	if eventType == "created" {
		payload.Goal = p.Goal
	}
	c.emitter.Emit(bus.Event{Channel: bus.ChannelPlan, Payload: payload})
}

// setPlanLocked installs a new active plan, abandoning any previous one.
// Runs on the loop goroutine.
func (c *Coordinator) setPlanLocked(goal string, steps []string) (Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return Plan{}, errors.New("coordinator: plan goal is required")
	}
	if len(steps) == 0 {
		return Plan{}, errors.New("coordinator: plan needs at least one step")
	}
	if c.plan != nil && c.plan.Status == PlanActive {
		c.plan.Status = PlanAbandoned
		c.emitPlanEvent("abandoned", c.plan)
	}
	p := &Plan{
		ID:        uuid.NewString(),
		Goal:      goal,
		Steps:     make([]Step, 0, len(steps)),
		Status:    PlanActive,
		CreatedAt: c.clock.Now().UnixMilli(),
	}
	for _, s := range steps {
		p.Steps = append(p.Steps, Step{Description: s, Status: StepPending})
	}
	c.plan = p
	slog.Info("plan created", "planId", p.ID, "goal", p.Goal, "steps", len(p.Steps))
	c.emitPlanEvent("created", p)
	c.wake("plan")
	c.scheduleNudge()
	return p.clone(), nil
}

// markStepLocked marks one step done. Marking an already-done step is
// idempotent. Completing the last pending step completes the plan.
func (c *Coordinator) markStepLocked(index int) (Plan, error) {
	if c.plan == nil || c.plan.Status != PlanActive {
		return Plan{}, ErrNoActivePlan
	}
	if index < 0 || index >= len(c.plan.Steps) {
		return Plan{}, fmt.Errorf("%w: %d", ErrStepOutOfRange, index)
	}
	c.plan.Steps[index].Status = StepDone
	c.wake("plan")
	if c.plan.allDone() {
		c.plan.Status = PlanCompleted
		slog.Info("plan completed", "planId", c.plan.ID)
		c.emitPlanEvent("completed", c.plan)
		stopTimer(&c.nudgeTimer)
	} else {
		c.scheduleNudge()
	}
	return c.plan.clone(), nil
}

// abandonPlanLocked moves the active plan to abandoned and stops nudging.
func (c *Coordinator) abandonPlanLocked() (Plan, error) {
	if c.plan == nil || c.plan.Status != PlanActive {
		return Plan{}, ErrNoActivePlan
	}
	c.plan.Status = PlanAbandoned
	slog.Info("plan abandoned", "planId", c.plan.ID)
	c.emitPlanEvent("abandoned", c.plan)
	stopTimer(&c.nudgeTimer)
	return c.plan.clone(), nil
}

func (p *Plan) allDone() bool {
	for _, s := range p.Steps {
		if s.Status != StepDone {
			return false
		}
	}
	return true
}

// scheduleNudge arms the plan nudge timer. Nudges only run in plan mode on an
// enabled coordinator with an active plan.
func (c *Coordinator) scheduleNudge() {
	stopTimer(&c.nudgeTimer)
	if !c.cfg.Enabled || c.cfg.Mode != ModePlan {
		return
	}
	if c.plan == nil || c.plan.Status != PlanActive {
		return
	}
	c.nudgeTimer = c.clock.NewTimer(msToDuration(c.cfg.PlanNudgeDelayMs))
}

// onNudgeFire dispatches the next plan step to the agent. A busy dispatcher
// or a sleeping coordinator drops the nudge; the next markStepDone arms a
// fresh one.
func (c *Coordinator) onNudgeFire() {
	if c.plan == nil || c.plan.Status != PlanActive {
		return
	}
	if !c.cfg.Enabled || c.cfg.Mode != ModePlan {
		return
	}
	if c.state == StateSleep {
		slog.Debug("plan nudge skipped", "reason", "sleeping")
		return
	}
	if c.disp.Busy() {
		slog.Debug("plan nudge skipped", "reason", "busy")
		return
	}
	c.emitStatus("planning")
	c.enqueueTurn(turnPlan, nudgePrompt(*c.plan))
}

// nudgePrompt renders the plan checklist the agent sees on every nudge. The
// first pending step carries the next marker.
func nudgePrompt(p Plan) string {
	var b strings.Builder
	b.WriteString("[CRAWD:PLAN]\n")
	fmt.Fprintf(&b, "Goal: %s\n", p.Goal)
	next := true
	for i, s := range p.Steps {
		switch {
		case s.Status == StepDone:
			fmt.Fprintf(&b, "[x] %d. %s\n", i, s.Description)
		case next:
			fmt.Fprintf(&b, "[-] %d. %s   <-- next\n", i, s.Description)
			next = false
		default:
			fmt.Fprintf(&b, "[ ] %d. %s\n", i, s.Description)
		}
	}
	b.WriteString("Work the next step now, then call mark_step_done with its index. ")
	b.WriteString("Respond with LIVESTREAM_REPLIED after using a tool, or NO_REPLY if you cannot make progress.")
	return b.String()
}
