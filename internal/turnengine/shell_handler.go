package turnengine

import (
	"context"
	"fmt"
	"time"

	"github.com/coderunner/agentd/internal/sandbox"
)

// ShellHandler is the concrete handler for the "shell" builtin tool (spec
// §4.5): it runs the model-requested argv under the sandbox profile the
// runner already resolved (carried in call.Args["__sandbox_mode"]) and
// reports aggregated output plus exit status.
type ShellHandler struct {
	Executor     *sandbox.Executor
	DefaultCwd   string
	DefaultTimeout time.Duration
}

func NewShellHandler(exec *sandbox.Executor, defaultCwd string) *ShellHandler {
	if exec == nil {
		exec = sandbox.NewExecutor()
	}
	return &ShellHandler{Executor: exec, DefaultCwd: defaultCwd, DefaultTimeout: 60 * time.Second}
}

func (h *ShellHandler) Validate(ctx context.Context, call ToolCall) error {
	if len(call.argv()) == 0 {
		return fmt.Errorf("shell: command is required")
	}
	return nil
}

func (h *ShellHandler) HandlePartial(ctx context.Context, partial PartialToolCall) error {
	return nil
}

func (h *ShellHandler) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	argv := call.argv()
	cwd, _ := call.Args["cwd"].(string)
	if cwd == "" {
		cwd = h.DefaultCwd
	}
	mode := sandbox.ParseMode(asString(call.Args["__sandbox_mode"]))
	timeout := h.DefaultTimeout
	if ms, ok := call.Args["timeout_ms"].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	req := sandbox.Request{
		Argv:    argv,
		Cwd:     cwd,
		Timeout: timeout,
		Profile: sandbox.Profile{Mode: mode, WritableRoots: sandbox.CanonicalizeRoots([]string{cwd})},
	}
	res, _, err := h.Executor.Run(ctx, req)
	if err != nil {
		return ToolResult{}, err
	}

	status := toolResultStatusSuccess
	if res.ExitCode == nil || *res.ExitCode != 0 {
		status = toolResultStatusError
	}
	combined := res.AggregatedStdout
	if res.AggregatedStderr != "" {
		combined += "\n" + res.AggregatedStderr
	}
	return ToolResult{
		Status:  status,
		Summary: fmt.Sprintf("exit=%v", exitCodeOrUnknown(res.ExitCode)),
		Details: combined,
		Output: map[string]any{
			"exit_code": res.ExitCode,
			"wall_time_ms": res.WallTime.Milliseconds(),
			"truncated": res.Truncated,
		},
	}, nil
}

func exitCodeOrUnknown(code *int) any {
	if code == nil {
		return "unknown"
	}
	return *code
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
