package turnengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coderunner/agentd/internal/mcpclient"
)

// McpToolHandler dispatches one MCP-namespaced tool call to the owning
// server (spec §4.5's MCP tool handler, "tools sorted by qualified name").
// One handler instance is registered per connected server's tool so the
// scheduler's registry continues to key purely by tool name.
type McpToolHandler struct {
	Manager       *mcpclient.Manager
	QualifiedName string
}

func NewMcpToolHandler(manager *mcpclient.Manager, qualifiedName string) *McpToolHandler {
	return &McpToolHandler{Manager: manager, QualifiedName: qualifiedName}
}

func (h *McpToolHandler) Validate(ctx context.Context, call ToolCall) error {
	if h.Manager == nil {
		return fmt.Errorf("mcp tool %s: no manager configured", h.QualifiedName)
	}
	return nil
}

func (h *McpToolHandler) HandlePartial(ctx context.Context, partial PartialToolCall) error {
	return nil
}

func (h *McpToolHandler) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	result, err := h.Manager.CallTool(ctx, h.QualifiedName, call.Args)
	if err != nil {
		return ToolResult{}, err
	}

	status := toolResultStatusSuccess
	if result != nil && result.IsError {
		status = toolResultStatusError
	}

	var textParts []byte
	if result != nil {
		textParts, _ = json.Marshal(result.Content)
	}

	return ToolResult{
		Status:  status,
		Summary: fmt.Sprintf("mcp tool %s", h.QualifiedName),
		Details: string(textParts),
		Output:  result,
	}, nil
}
