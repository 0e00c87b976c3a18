// Package mcpclient manages connections to external Model-Context-Protocol
// tool servers (spec §4.5's MCP tool handler) and exposes their tools
// through the same ToolDef/ToolCall shape the rest of the dispatcher uses.
package mcpclient

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ServerConfig is one configured MCP server launch (spec §4.5 "MCP tools
// sorted by qualified name").
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     []string
}

type connection struct {
	name   string
	client *client.Client
	tools  []mcp.Tool
}

// Manager owns the set of live MCP server connections for one process.
// Tool names are namespaced "<server>__<tool>" so two servers can expose
// tools with the same local name without colliding.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

func NewManager() *Manager {
	return &Manager{conns: make(map[string]*connection)}
}

// QualifiedName builds the dispatcher-visible tool name for a server's tool.
func QualifiedName(server, tool string) string {
	return server + "__" + tool
}

// SplitQualifiedName reverses QualifiedName.
func SplitQualifiedName(qualified string) (server, tool string, ok bool) {
	idx := strings.Index(qualified, "__")
	if idx < 0 {
		return "", "", false
	}
	return qualified[:idx], qualified[idx+2:], true
}

// Connect launches (or re-launches) the named server over stdio, performs
// the MCP handshake, and caches its tool list.
func (m *Manager) Connect(ctx context.Context, cfg ServerConfig) error {
	mcpClient, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return fmt.Errorf("mcpclient: spawn %s: %w", cfg.Name, err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("mcpclient: start %s: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentd", Version: "0.1.0"}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("mcpclient: initialize %s: %w", cfg.Name, err)
	}

	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	listResult, err := mcpClient.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("mcpclient: list tools %s: %w", cfg.Name, err)
	}
	var tools []mcp.Tool
	if listResult != nil {
		tools = listResult.Tools
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conns[cfg.Name]; ok {
		_ = existing.client.Close()
	}
	m.conns[cfg.Name] = &connection{name: cfg.Name, client: mcpClient, tools: tools}
	return nil
}

// Disconnect closes and forgets the named server.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[name]
	if !ok {
		return nil
	}
	delete(m.conns, name)
	return conn.client.Close()
}

// CloseAll tears down every connection, for process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, conn := range m.conns {
		_ = conn.client.Close()
		delete(m.conns, name)
	}
}

// ToolInfo is the normalized shape one MCP tool surfaces to the dispatcher.
type ToolInfo struct {
	QualifiedName string
	Description   string
	InputSchema   map[string]any
}

// ListTools returns every tool across every connected server, sorted by
// qualified name (spec §4.5).
func (m *Manager) ListTools() []ToolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ToolInfo, 0)
	for _, conn := range m.conns {
		for _, t := range conn.tools {
			schema, _ := schemaToMap(t.InputSchema)
			out = append(out, ToolInfo{
				QualifiedName: QualifiedName(conn.name, t.Name),
				Description:   t.Description,
				InputSchema:   schema,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName < out[j].QualifiedName })
	return out
}

// CallTool invokes a qualified tool name against its owning server.
func (m *Manager) CallTool(ctx context.Context, qualified string, args map[string]any) (*mcp.CallToolResult, error) {
	server, tool, ok := SplitQualifiedName(qualified)
	if !ok {
		return nil, fmt.Errorf("mcpclient: not a qualified tool name: %s", qualified)
	}
	m.mu.RLock()
	conn, ok := m.conns[server]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcpclient: unknown server: %s", server)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	return conn.client.CallTool(ctx, req)
}

func schemaToMap(schema mcp.ToolInputSchema) (map[string]any, error) {
	props := make(map[string]any, len(schema.Properties))
	for k, v := range schema.Properties {
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   schema.Required,
	}, nil
}
