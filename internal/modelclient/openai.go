package modelclient

import (
	"context"
	"encoding/json"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/coderunner/agentd/internal/protocol"
	"github.com/coderunner/agentd/internal/turnengine"
)

// OpenAI implements turnengine.ModelClient on the Responses streaming API.
type OpenAI struct {
	client openai.Client
}

func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{client: openai.NewClient(ooption.WithAPIKey(apiKey))}
}

// partialToolCall accumulates one function_call item's streamed arguments
// until its output_item.done event closes it.
type partialToolCall struct {
	callID  string
	name    string
	argsRaw strings.Builder
	ended   bool
}

func (o *OpenAI) StreamStep(ctx context.Context, req turnengine.ModelRequest) (<-chan turnengine.ModelEvent, error) {
	params := buildOpenAIParams(req)
	stream := o.client.Responses.NewStreaming(ctx, params)

	out := make(chan turnengine.ModelEvent, 32)
	go func() {
		defer close(out)
		defer func() { _ = stream.Close() }()

		partials := map[string]*partialToolCall{}
		getPartial := func(itemID string) *partialToolCall {
			itemID = strings.TrimSpace(itemID)
			if itemID == "" {
				return nil
			}
			pc := partials[itemID]
			if pc == nil {
				pc = &partialToolCall{callID: itemID}
				partials[itemID] = pc
			}
			return pc
		}
		emitClosed := func(pc *partialToolCall) {
			if pc == nil || pc.ended || pc.callID == "" || pc.name == "" {
				return
			}
			pc.ended = true
			var args map[string]any
			raw := strings.TrimSpace(pc.argsRaw.String())
			if raw != "" {
				_ = json.Unmarshal([]byte(raw), &args)
			}
			out <- turnengine.ModelEvent{
				Kind: turnengine.ModelEventToolCall,
				ToolCalls: []turnengine.ToolCall{{
					ID:   pc.callID,
					Name: pc.name,
					Args: args,
				}},
			}
		}

		for stream.Next() {
			event := stream.Current()
			switch strings.TrimSpace(event.Type) {
			case "response.output_text.delta":
				if delta := event.Delta.OfString; delta != "" {
					out <- turnengine.ModelEvent{Kind: turnengine.ModelEventAgentMessageDelta, Delta: delta}
				}
			case "response.reasoning_summary_text.delta":
				if delta := event.Delta.OfString; delta != "" {
					out <- turnengine.ModelEvent{Kind: turnengine.ModelEventReasoningDelta, Delta: delta}
				}
			case "response.output_item.added":
				item := event.Item
				if strings.TrimSpace(item.Type) != "function_call" {
					continue
				}
				pc := getPartial(item.ID)
				if cid := strings.TrimSpace(item.CallID); cid != "" {
					pc.callID = cid
				}
				if name := strings.TrimSpace(item.Name); name != "" {
					pc.name = name
				}
			case "response.function_call_arguments.delta":
				pc := getPartial(event.ItemID)
				if delta := event.Delta.OfString; delta != "" {
					pc.argsRaw.WriteString(delta)
				}
			case "response.output_item.done":
				item := event.Item
				if strings.TrimSpace(item.Type) != "function_call" {
					continue
				}
				pc := getPartial(item.ID)
				if cid := strings.TrimSpace(item.CallID); cid != "" {
					pc.callID = cid
				}
				if name := strings.TrimSpace(item.Name); name != "" {
					pc.name = name
				}
				if raw := strings.TrimSpace(item.Arguments); raw != "" && pc.argsRaw.Len() == 0 {
					pc.argsRaw.WriteString(raw)
				}
				emitClosed(pc)
			case "response.completed":
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

func buildOpenAIParams(req turnengine.ModelRequest) oresponses.ResponseNewParams {
	model := strings.TrimPrefix(req.Thread.Model, "openai/")

	items := make(oresponses.ResponseInputParam, 0, len(req.Items))
	for _, item := range req.Items {
		switch item.Kind {
		case protocol.ItemKindUserMessage:
			items = append(items, oresponses.ResponseInputItemParamOfMessage(joinUserInput(item), oresponses.EasyInputMessageRoleUser))
		case protocol.ItemKindAssistantMessage:
			if item.AssistantText != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(item.AssistantText, oresponses.EasyInputMessageRoleAssistant))
			}
		}
	}

	params := oresponses.ResponseNewParams{
		Model: oshared.ResponsesModel(model),
		Input: oresponses.ResponseNewParamsInputUnion{OfInputItemList: items},
	}
	if len(req.Tools) > 0 {
		params.Tools = buildOpenAITools(req.Tools)
	}
	return params
}

func buildOpenAITools(defs []turnengine.ToolDef) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		out = append(out, oresponses.ToolParamOfFunction(def.Name, schema, false))
	}
	return out
}
