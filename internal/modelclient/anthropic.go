// Package modelclient adapts turnengine.ModelClient onto the two real
// inference backends the spec's model abstraction is built to support:
// Anthropic Messages and OpenAI Responses. Only one backend is
// selected per thread (by Thread.Model's provider prefix); both speak the
// same ModelEvent stream so the turn runner never branches on backend.
package modelclient

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/coderunner/agentd/internal/protocol"
	"github.com/coderunner/agentd/internal/turnengine"
)

// AnthropicMessagesClient is the subset of *sdk.Client.Messages the adapter
// needs, so tests can substitute a fake stream.
type AnthropicMessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Anthropic implements turnengine.ModelClient on the Anthropic Messages API.
type Anthropic struct {
	messages AnthropicMessagesClient
}

func NewAnthropic(apiKey string) *Anthropic {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{messages: &c.Messages}
}

// NewAnthropicFromClient wraps an already-configured message client, so
// tests can inject a fake stream.
func NewAnthropicFromClient(messages AnthropicMessagesClient) *Anthropic {
	return &Anthropic{messages: messages}
}

func (a *Anthropic) StreamStep(ctx context.Context, req turnengine.ModelRequest) (<-chan turnengine.ModelEvent, error) {
	params := buildAnthropicParams(req)
	stream := a.messages.NewStreaming(ctx, params)

	out := make(chan turnengine.ModelEvent, 32)
	go func() {
		defer close(out)
		defer func() { _ = stream.Close() }()

		var currentToolName, currentToolID string
		var currentToolArgsJSON strings.Builder

		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case sdk.TextDelta:
					out <- turnengine.ModelEvent{Kind: turnengine.ModelEventAgentMessageDelta, Delta: delta.Text}
				case sdk.ThinkingDelta:
					out <- turnengine.ModelEvent{Kind: turnengine.ModelEventReasoningDelta, Delta: delta.Thinking}
				case sdk.InputJSONDelta:
					currentToolArgsJSON.WriteString(delta.PartialJSON)
				}
			case sdk.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					currentToolName = block.Name
					currentToolID = block.ID
					currentToolArgsJSON.Reset()
				}
			case sdk.ContentBlockStopEvent:
				if currentToolName != "" {
					var args map[string]any
					_ = json.Unmarshal([]byte(currentToolArgsJSON.String()), &args)
					out <- turnengine.ModelEvent{
						Kind: turnengine.ModelEventToolCall,
						ToolCalls: []turnengine.ToolCall{{
							ID:   currentToolID,
							Name: currentToolName,
							Args: args,
						}},
					}
					currentToolName = ""
				}
			case sdk.MessageStopEvent:
				out <- turnengine.ModelEvent{Kind: turnengine.ModelEventDone}
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- turnengine.ModelEvent{Kind: turnengine.ModelEventError, Err: err}
			return
		}
		out <- turnengine.ModelEvent{Kind: turnengine.ModelEventDone}
	}()
	return out, nil
}

func buildAnthropicParams(req turnengine.ModelRequest) sdk.MessageNewParams {
	model := strings.TrimPrefix(req.Thread.Model, "anthropic/")

	messages := make([]sdk.MessageParam, 0, len(req.Items))
	for _, item := range req.Items {
		switch item.Kind {
		case protocol.ItemKindUserMessage:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(joinUserInput(item))))
		case protocol.ItemKindAssistantMessage:
			if item.AssistantText != "" {
				messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(item.AssistantText)))
			}
		}
	}

	tools := make([]sdk.ToolUnionParam, 0, len(req.Tools))
	for _, t := range req.Tools {
		schema := anthropicToolSchema(t.InputSchema)
		tools = append(tools, sdk.ToolUnionParamOfTool(schema, t.Name))
	}

	return sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: 4096,
		Messages:  messages,
		Tools:     tools,
	}
}

// anthropicToolSchema converts the scheduler's raw JSON Schema into the
// SDK's extra-fields wrapper form.
func anthropicToolSchema(raw json.RawMessage) sdk.ToolInputSchemaParam {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}
}

// joinUserInput flattens a UserMessage item's UserInput parts into plain
// text for the Anthropic text-block content format.
func joinUserInput(item *protocol.ThreadItem) string {
	var b strings.Builder
	for i, part := range item.UserMessageContent {
		if i > 0 {
			b.WriteString("\n")
		}
		switch part.Kind {
		case protocol.UserInputText:
			b.WriteString(part.Text)
		case protocol.UserInputMention:
			b.WriteString(part.MentionLabel)
		case protocol.UserInputSkill:
			b.WriteString("/" + part.SkillName)
		case protocol.UserInputImage, protocol.UserInputLocalImage:
			// Image content is not represented in the text-only transcript
			// the turn runner keeps; a future pass can add image blocks.
		}
	}
	return b.String()
}
