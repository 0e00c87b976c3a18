package turnengine

import (
	"context"
	"fmt"

	aitools "github.com/coderunner/agentd/internal/tools"
)

// ApplyPatchHandler is the concrete handler for "apply_patch" (spec §4.5:
// "on accept writes files atomically"). The approval decision has already
// run by the time the runner schedules this call; the handler only applies
// the patch and reports what changed.
type ApplyPatchHandler struct {
	DefaultCwd string
}

func NewApplyPatchHandler(defaultCwd string) *ApplyPatchHandler {
	return &ApplyPatchHandler{DefaultCwd: defaultCwd}
}

func (h *ApplyPatchHandler) Validate(ctx context.Context, call ToolCall) error {
	if asString(call.Args["patch"]) == "" {
		return fmt.Errorf("apply_patch: patch is required")
	}
	return nil
}

func (h *ApplyPatchHandler) HandlePartial(ctx context.Context, partial PartialToolCall) error {
	return nil
}

func (h *ApplyPatchHandler) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	cwd := asString(call.Args["cwd"])
	if cwd == "" {
		cwd = h.DefaultCwd
	}
	patch := asString(call.Args["patch"])

	outcome, err := aitools.ApplyPatch(cwd, patch)
	if err != nil {
		return ToolResult{}, err
	}

	return ToolResult{
		Status: toolResultStatusSuccess,
		Summary: fmt.Sprintf("%d file(s) changed, %d hunk(s), +%d/-%d",
			outcome.FilesChanged, outcome.Hunks, outcome.Additions, outcome.Deletions),
		Details: patch,
		Output:  outcome.Entries,
	}, nil
}
