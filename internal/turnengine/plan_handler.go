package turnengine

import (
	"context"

	"github.com/coderunner/agentd/internal/protocol"
)

// PlanHandler implements "update_plan" (spec §4.5: "stores/replaces a plan
// item for the turn; no side effects"). It has no state of its own: the
// runner records Execute's Output as a new PlanUpdate item on the turn, and
// the most recent such item holds the turn's current plan.
type PlanHandler struct{}

func NewPlanHandler() *PlanHandler {
	return &PlanHandler{}
}

func (h *PlanHandler) Validate(ctx context.Context, call ToolCall) error {
	return nil
}

func (h *PlanHandler) HandlePartial(ctx context.Context, partial PartialToolCall) error {
	return nil
}

func (h *PlanHandler) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	explanation := asString(call.Args["explanation"])
	steps := parsePlanSteps(call.Args["plan"])

	return ToolResult{
		Status:  toolResultStatusSuccess,
		Summary: "plan updated",
		Output: protocol.ThreadItem{
			PlanExplanation: explanation,
			PlanSteps:       steps,
		},
	}, nil
}

func parsePlanSteps(raw any) []protocol.PlanStep {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]protocol.PlanStep, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, protocol.PlanStep{
			Step:   asString(m["step"]),
			Status: protocol.PlanStepStatus(asString(m["status"])),
		})
	}
	return out
}
