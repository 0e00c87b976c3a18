package protocol

// ItemKind discriminates the ThreadItem tagged union (spec §3).
type ItemKind string

const (
	ItemKindUserMessage        ItemKind = "UserMessage"
	ItemKindAssistantMessage   ItemKind = "AssistantMessage"
	ItemKindReasoning          ItemKind = "Reasoning"
	ItemKindCommandExecution   ItemKind = "CommandExecution"
	ItemKindFileChange         ItemKind = "FileChange"
	ItemKindMcpToolCall        ItemKind = "McpToolCall"
	ItemKindWebSearch          ItemKind = "WebSearch"
	ItemKindPlanUpdate         ItemKind = "PlanUpdate"
	ItemKindTerminalInteraction ItemKind = "TerminalInteraction"
)

type CommandExecutionStatus string

const (
	CommandExecutionInProgress CommandExecutionStatus = "InProgress"
	CommandExecutionCompleted  CommandExecutionStatus = "Completed"
	CommandExecutionFailed     CommandExecutionStatus = "Failed"
	CommandExecutionDeclined   CommandExecutionStatus = "Declined"
)

type FileChangeStatus string

const (
	FileChangeInProgress FileChangeStatus = "InProgress"
	FileChangeCompleted  FileChangeStatus = "Completed"
	FileChangeDeclined   FileChangeStatus = "Declined"
	FileChangeFailed     FileChangeStatus = "Failed"
)

type FileChangeKind string

const (
	FileChangeAdd    FileChangeKind = "Add"
	FileChangeUpdate FileChangeKind = "Update"
	FileChangeDelete FileChangeKind = "Delete"
)

// UserInputKind discriminates the UserInput tagged union (spec §3).
type UserInputKind string

const (
	UserInputText      UserInputKind = "Text"
	UserInputImage     UserInputKind = "Image"
	UserInputLocalImage UserInputKind = "LocalImage"
	UserInputSkill     UserInputKind = "Skill"
	UserInputMention   UserInputKind = "Mention"
)

// TextElement is a (byte_range, link_target) overlay on Text input so rich
// spans can be encoded inline without breaking the plain-text contract.
type TextElement struct {
	ByteStart  int    `json:"byte_start"`
	ByteEnd    int    `json:"byte_end"`
	LinkTarget string `json:"link_target"`
}

type UserInput struct {
	Kind        UserInputKind `json:"kind"`
	Text        string        `json:"text,omitempty"`
	TextElements []TextElement `json:"text_elements,omitempty"`
	DataURL     string        `json:"data_url,omitempty"`
	Path        string        `json:"path,omitempty"`
	SkillName   string        `json:"skill_name,omitempty"`
	MentionLabel  string      `json:"mention_label,omitempty"`
	MentionTarget string      `json:"mention_target,omitempty"`
}

type FileChangeEntry struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
	Diff string         `json:"diff"`
}

// ThreadItem is spec §3's tagged union. Every variant carries an ID unique
// within the thread; exactly one of the typed payload fields is populated
// for a given Kind. Mutated only by the turn runner until it reaches a
// terminal status; never deleted.
type ThreadItem struct {
	ID       ItemID   `json:"id"`
	ThreadID ThreadID `json:"thread_id"`
	TurnID   TurnID   `json:"turn_id"`
	Kind     ItemKind `json:"kind"`

	UserMessageContent []UserInput `json:"user_message_content,omitempty"`

	AssistantText string `json:"assistant_text,omitempty"`

	ReasoningSummary string `json:"reasoning_summary,omitempty"`
	ReasoningText    string `json:"reasoning_text,omitempty"`

	Command          []string                `json:"command,omitempty"`
	Cwd              string                   `json:"cwd,omitempty"`
	ExecStatus       CommandExecutionStatus   `json:"exec_status,omitempty"`
	ExitCode         *int                     `json:"exit_code,omitempty"`
	AggregatedOutput string                   `json:"aggregated_output,omitempty"`
	ProcessID        int                      `json:"process_id,omitempty"`

	FileChangeStatus  FileChangeStatus  `json:"file_change_status,omitempty"`
	FileChangeEntries []FileChangeEntry `json:"file_change_entries,omitempty"`

	PlanExplanation string     `json:"plan_explanation,omitempty"`
	PlanSteps       []PlanStep `json:"plan_steps,omitempty"`
}

// PlanStepStatus is one step's lifecycle within update_plan (spec §4.5
// "update_plan: stores/replaces a plan item for the turn; no side effects").
type PlanStepStatus string

const (
	PlanStepPending    PlanStepStatus = "pending"
	PlanStepInProgress PlanStepStatus = "in_progress"
	PlanStepCompleted  PlanStepStatus = "completed"
)

type PlanStep struct {
	Step   string         `json:"step"`
	Status PlanStepStatus `json:"status"`
}

func NewItem(kind ItemKind, threadID ThreadID, turnID TurnID) *ThreadItem {
	return &ThreadItem{ID: NewItemID(), ThreadID: threadID, TurnID: turnID, Kind: kind}
}
