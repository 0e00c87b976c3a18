package turnengine

import (
	"context"
	"encoding/json"

	aitools "github.com/coderunner/agentd/internal/tools"
)

// ToolDef is the scheduler's view of a registered tool (spec §4.5): enough
// to filter by mode, validate args against a schema, and resolve a handler.
type ToolDef struct {
	Name         string
	Namespace    string
	Source       string // builtin | mcp | skill | subagent
	Priority     int
	Mutating     bool
	ParallelSafe bool
	InputSchema  json.RawMessage
}

// ToolCall is one model-requested tool invocation within a turn.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// PartialToolCall carries a streaming (not-yet-complete) tool call, used to
// surface item/started notifications before the full arguments are known.
type PartialToolCall struct {
	ID   string
	Name string
}

// ToolResult is the scheduler's normalized outcome for one ToolCall.
type ToolResult struct {
	ToolID   string
	ToolName string
	Status   string // success | error | aborted | timeout
	Summary  string
	Details  string
	Error    *aitools.ToolError
	Output   any
}

// ToolHandler executes one tool. Validate runs before scheduling so
// argument errors never occupy a parallel-execution slot.
type ToolHandler interface {
	Validate(ctx context.Context, call ToolCall) error
	Execute(ctx context.Context, call ToolCall) (ToolResult, error)
	HandlePartial(ctx context.Context, partial PartialToolCall) error
}

// ToolRegistry registers and unregisters tools, and its Snapshot is what
// the turn runner consults to build the active tool set for a turn.
type ToolRegistry interface {
	Register(tool ToolDef, handler ToolHandler) error
	Unregister(name string) error
	Snapshot() []ToolDef
}

// ToolInterceptor wraps tool execution, e.g. to enforce approval policy or
// inject exec-sandbox metadata ahead of dispatch.
type ToolInterceptor interface {
	BeforeExec(ctx context.Context, call ToolCall) (ToolCall, error)
	AfterExec(ctx context.Context, call ToolCall, result ToolResult) (ToolResult, error)
}

// ModeToolFilter narrows the active tool set by collaboration mode (e.g.
// "plan" excludes mutating tools).
type ModeToolFilter interface {
	FilterToolsForMode(mode string, all []ToolDef) []ToolDef
}
