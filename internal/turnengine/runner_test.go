package turnengine

import (
	"testing"

	"github.com/coderunner/agentd/internal/protocol"
)

func TestFirstUserText_JoinsTextInputs(t *testing.T) {
	t.Parallel()

	items := []*protocol.ThreadItem{
		{
			Kind: protocol.ItemKindUserMessage,
			UserMessageContent: []protocol.UserInput{
				{Kind: protocol.UserInputText, Text: "analyze ~/Downloads/code"},
				{Kind: protocol.UserInputImage, Text: ""},
				{Kind: protocol.UserInputText, Text: "and summarize risks"},
			},
		},
	}

	got := firstUserText(items)
	want := "analyze ~/Downloads/code\nand summarize risks"
	if got != want {
		t.Fatalf("firstUserText=%q, want=%q", got, want)
	}
}

func TestFirstUserText_SkipsNonUserItems(t *testing.T) {
	t.Parallel()

	items := []*protocol.ThreadItem{
		{Kind: protocol.ItemKindAssistantMessage, AssistantText: "hi"},
	}
	if got := firstUserText(items); got != "" {
		t.Fatalf("firstUserText=%q, want empty", got)
	}
}

func TestInjectRecoveryPrompt_AppendsUserMessageItem(t *testing.T) {
	t.Parallel()

	r := &Runner{registry: NewRegistry()}
	threadID := protocol.ThreadID("th_1")
	turn := &protocol.Turn{ID: protocol.TurnID("turn_1"), ThreadID: threadID}

	r.injectRecoveryPrompt(threadID, turn, "Continue the same task now.")

	if len(turn.Items) != 1 {
		t.Fatalf("turn.Items=%d, want 1", len(turn.Items))
	}
	item, ok := r.registry.Item(turn.Items[0])
	if !ok {
		t.Fatalf("injected item not found in registry")
	}
	if item.Kind != protocol.ItemKindUserMessage {
		t.Fatalf("kind=%q, want UserMessage", item.Kind)
	}
	if len(item.UserMessageContent) != 1 || item.UserMessageContent[0].Text != "Continue the same task now." {
		t.Fatalf("unexpected content: %+v", item.UserMessageContent)
	}
}

func TestInjectRecoveryPrompt_IgnoresBlankPrompt(t *testing.T) {
	t.Parallel()

	r := &Runner{registry: NewRegistry()}
	turn := &protocol.Turn{ID: protocol.TurnID("turn_2")}

	r.injectRecoveryPrompt(protocol.ThreadID("th_2"), turn, "   ")
	if len(turn.Items) != 0 {
		t.Fatalf("turn.Items=%d, want 0 for blank prompt", len(turn.Items))
	}
}

func TestToolCallSignature_IncludesPathWhenPresent(t *testing.T) {
	t.Parallel()

	got := toolCallSignature("fs.read_file", map[string]any{"path": "/workspace/README.md"})
	want := "fs.read_file|path=/workspace/README.md"
	if got != want {
		t.Fatalf("toolCallSignature=%q, want=%q", got, want)
	}

	if got := toolCallSignature("update_plan", nil); got != "update_plan" {
		t.Fatalf("toolCallSignature=%q, want=%q", got, "update_plan")
	}
}
