package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coderunner/agentd/internal/protocol"
)

// ConnApprovalGate adapts turnengine.ApprovalGate onto one client Conn's
// elicitation channel (spec §4.4): the turn runner blocks on the model's
// own goroutine until the client answers or the turn is cancelled.
type ConnApprovalGate struct {
	conn *Conn
}

func NewConnApprovalGate(conn *Conn) *ConnApprovalGate {
	return &ConnApprovalGate{conn: conn}
}

func (g *ConnApprovalGate) RequestCommandApproval(ctx context.Context, params protocol.CommandExecutionRequestApprovalParams) (protocol.ApprovalDecision, error) {
	raw, err := g.conn.Elicit(ctx, protocol.MethodCommandExecutionRequestApproval, params)
	if err != nil {
		return protocol.DecisionCancel, err
	}
	var resp protocol.CommandExecutionApprovalResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return protocol.DecisionCancel, fmt.Errorf("rpcserver: malformed command approval response: %w", err)
	}
	return resp.Decision, nil
}

func (g *ConnApprovalGate) RequestFileChangeApproval(ctx context.Context, params protocol.FileChangeRequestApprovalParams) (protocol.ApprovalDecision, error) {
	raw, err := g.conn.Elicit(ctx, protocol.MethodFileChangeRequestApproval, params)
	if err != nil {
		return protocol.DecisionCancel, err
	}
	var resp protocol.FileChangeApprovalResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return protocol.DecisionCancel, fmt.Errorf("rpcserver: malformed file change approval response: %w", err)
	}
	return resp.Decision, nil
}
