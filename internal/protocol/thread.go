package protocol

import "time"

// Thread is spec §3's Thread: an ordered sequence of turns plus a cwd, a
// resolved model, policies, and a rollout log handle. At most one turn may
// be in-progress per thread — enforced by the thread registry, not here.
type Thread struct {
	ID             ThreadID  `json:"thread_id"`
	Cwd            string    `json:"cwd"`
	Model          string    `json:"model"`
	ApprovalPolicy string    `json:"approval_policy"`
	SandboxPolicy  string    `json:"sandbox_policy"`
	Personality    string    `json:"personality,omitempty"`
	Collaboration  string    `json:"collaboration_mode,omitempty"`
	CreatedAtUnix  int64     `json:"created_at_unix_ms"`
	Turns          []TurnID  `json:"turns"`
}

// TurnStatus is spec §3's Turn.status.
type TurnStatus string

const (
	TurnStatusInProgress TurnStatus = "InProgress"
	TurnStatusCompleted  TurnStatus = "Completed"
	TurnStatusFailed     TurnStatus = "Failed"
	TurnStatusAborted    TurnStatus = "Aborted"
)

func (s TurnStatus) Terminal() bool {
	return s == TurnStatusCompleted || s == TurnStatusFailed || s == TurnStatusAborted
}

// AbortReason enumerates spec §4.3 Aborted causes.
type AbortReason string

const (
	AbortReasonUser             AbortReason = "user"
	AbortReasonClientDisconnect AbortReason = "client_disconnect"
	AbortReasonTimeout          AbortReason = "timeout"
	AbortReasonShutdown         AbortReason = "shutdown"
)

// Turn belongs to exactly one thread and owns a sequence of ThreadItems.
type Turn struct {
	ID         TurnID     `json:"turn_id"`
	ThreadID   ThreadID   `json:"thread_id"`
	Status     TurnStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	AbortedWhy AbortReason `json:"aborted_reason,omitempty"`
	Items      []ItemID   `json:"items"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	// ApprovalPolicy/SandboxPolicy are this turn's effective policies:
	// the per-turn override if set, else the thread's default (spec §4.2
	// "turn/start... Overrides are per-turn: ... approval policy, sandbox
	// policy...").
	ApprovalPolicy string `json:"approval_policy"`
	SandboxPolicy  string `json:"sandbox_policy"`
	Cwd            string `json:"cwd"`
}

// TurnOverrides are the per-turn overrides accepted by turn/start (spec
// §4.2).
type TurnOverrides struct {
	Model             string          `json:"model,omitempty"`
	ReasoningEffort    string          `json:"reasoning_effort,omitempty"`
	ReasoningSummary   string          `json:"reasoning_summary,omitempty"`
	ApprovalPolicy     string          `json:"approval_policy,omitempty"`
	SandboxPolicy      string          `json:"sandbox_policy,omitempty"`
	Cwd                string          `json:"cwd,omitempty"`
	Personality        string          `json:"personality,omitempty"`
	CollaborationMode  string          `json:"collaboration_mode,omitempty"`
	DynamicToolSpecs   []ToolSpec      `json:"dynamic_tool_specs,omitempty"`
	OutputSchema       map[string]any  `json:"output_schema,omitempty"`
}

type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}
