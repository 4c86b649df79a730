package tools

import (
	"context"
	"strings"

	"github.com/crawdtv/crawd/internal/coordinator"
)

// PlanStore is the coordinator port the plan tools drive.
type PlanStore interface {
	SetPlan(goal string, steps []string) (coordinator.Plan, error)
	MarkStepDone(index int) (coordinator.Plan, error)
	AbandonPlan() (coordinator.Plan, error)
	GetPlan() (coordinator.Plan, bool)
}

// ============================================================
// set_plan
// ============================================================

type SetPlanTool struct {
	plans PlanStore
}

func NewSetPlanTool() *SetPlanTool { return &SetPlanTool{} }

func (t *SetPlanTool) SetPlanStore(p PlanStore) { t.plans = p }

func (t *SetPlanTool) Name() string { return "set_plan" }
func (t *SetPlanTool) Description() string {
	return "Create a plan with a goal and ordered steps. Replaces (and abandons) any plan currently active."
}

func (t *SetPlanTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"goal": map[string]interface{}{
				"type":        "string",
				"description": "What the plan is trying to achieve",
			},
			"steps": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Ordered steps, smallest workable units first",
			},
		},
		"required": []string{"goal", "steps"},
	}
}

func (t *SetPlanTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.plans == nil {
		return ErrorResult("plan store not available")
	}

	goal, _ := args["goal"].(string)
	if strings.TrimSpace(goal) == "" {
		return ErrorResult("goal is required")
	}
	rawSteps, ok := args["steps"].([]interface{})
	if !ok || len(rawSteps) == 0 {
		return ErrorResult("steps must be a non-empty array of strings")
	}
	steps := make([]string, 0, len(rawSteps))
	for _, s := range rawSteps {
		str, ok := s.(string)
		if !ok || strings.TrimSpace(str) == "" {
			return ErrorResult("steps must be a non-empty array of strings")
		}
		steps = append(steps, str)
	}

	plan, err := t.plans.SetPlan(goal, steps)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(plan)
}

// ============================================================
// mark_step_done
// ============================================================

type MarkStepDoneTool struct {
	plans PlanStore
}

func NewMarkStepDoneTool() *MarkStepDoneTool { return &MarkStepDoneTool{} }

func (t *MarkStepDoneTool) SetPlanStore(p PlanStore) { t.plans = p }

func (t *MarkStepDoneTool) Name() string { return "mark_step_done" }
func (t *MarkStepDoneTool) Description() string {
	return "Mark one step of the active plan as done, by zero-based index. Completing the last step completes the plan."
}

func (t *MarkStepDoneTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"index": map[string]interface{}{
				"type":        "integer",
				"description": "Zero-based index of the finished step",
			},
		},
		"required": []string{"index"},
	}
}

func (t *MarkStepDoneTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.plans == nil {
		return ErrorResult("plan store not available")
	}

	raw, ok := args["index"].(float64)
	if !ok || raw != float64(int(raw)) || raw < 0 {
		return ErrorResult("index must be a non-negative integer")
	}

	plan, err := t.plans.MarkStepDone(int(raw))
	if err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(plan)
}

// ============================================================
// abandon_plan
// ============================================================

type AbandonPlanTool struct {
	plans PlanStore
}

func NewAbandonPlanTool() *AbandonPlanTool { return &AbandonPlanTool{} }

func (t *AbandonPlanTool) SetPlanStore(p PlanStore) { t.plans = p }

func (t *AbandonPlanTool) Name() string { return "abandon_plan" }
func (t *AbandonPlanTool) Description() string {
	return "Abandon the active plan. Use when the goal no longer makes sense rather than marking steps you did not do."
}

func (t *AbandonPlanTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *AbandonPlanTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.plans == nil {
		return ErrorResult("plan store not available")
	}

	plan, err := t.plans.AbandonPlan()
	if err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(plan)
}

// ============================================================
// get_plan
// ============================================================

type GetPlanTool struct {
	plans PlanStore
}

func NewGetPlanTool() *GetPlanTool { return &GetPlanTool{} }

func (t *GetPlanTool) SetPlanStore(p PlanStore) { t.plans = p }

func (t *GetPlanTool) Name() string { return "get_plan" }
func (t *GetPlanTool) Description() string {
	return "Return the current plan and its step statuses, or null when none was ever set."
}

func (t *GetPlanTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *GetPlanTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.plans == nil {
		return ErrorResult("plan store not available")
	}

	plan, ok := t.plans.GetPlan()
	if !ok {
		return NewResult(map[string]interface{}{"plan": nil})
	}
	return NewResult(map[string]interface{}{"plan": plan})
}
