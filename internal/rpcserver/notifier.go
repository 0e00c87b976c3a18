package rpcserver

import (
	"context"
	"log/slog"

	"github.com/coderunner/agentd/internal/protocol"
)

// ConnNotifier adapts turnengine.Notifier onto one client Conn. Every
// notification is stamped with the connection's own sequence counter and
// subject to its opt-out set (spec §6).
type ConnNotifier struct {
	conn *Conn
	log  *slog.Logger
}

func NewConnNotifier(conn *Conn, log *slog.Logger) *ConnNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &ConnNotifier{conn: conn, log: log}
}

func (n *ConnNotifier) notify(ctx context.Context, method string, threadID protocol.ThreadID, turnID protocol.TurnID, payload any) {
	env := protocol.NotificationEnvelope{
		ThreadID: threadID,
		TurnID:   turnID,
		Seq:      n.conn.NextSeq(),
		Payload:  payload,
	}
	if err := n.conn.Notify(ctx, method, env); err != nil {
		n.log.Warn("notify failed", "method", method, "error", err)
	}
}

func (n *ConnNotifier) NotifyItemStarted(ctx context.Context, item *protocol.ThreadItem) {
	n.notify(ctx, protocol.NotifyItemStarted, item.ThreadID, item.TurnID, item)
}

func (n *ConnNotifier) NotifyItemCompleted(ctx context.Context, item *protocol.ThreadItem) {
	n.notify(ctx, protocol.NotifyItemCompleted, item.ThreadID, item.TurnID, item)
}

func (n *ConnNotifier) NotifyAgentMessageDelta(ctx context.Context, threadID protocol.ThreadID, turnID protocol.TurnID, itemID protocol.ItemID, delta string) {
	n.notify(ctx, protocol.NotifyAgentMessageDelta, threadID, turnID, map[string]any{
		"item_id": itemID,
		"delta":   delta,
	})
}

func (n *ConnNotifier) NotifyReasoningTextDelta(ctx context.Context, threadID protocol.ThreadID, turnID protocol.TurnID, itemID protocol.ItemID, delta string) {
	n.notify(ctx, protocol.NotifyReasoningTextDelta, threadID, turnID, map[string]any{
		"item_id": itemID,
		"delta":   delta,
	})
}

func (n *ConnNotifier) NotifyTurnStarted(ctx context.Context, turn *protocol.Turn) {
	n.notify(ctx, protocol.NotifyTurnStarted, turn.ThreadID, turn.ID, turn)
}

func (n *ConnNotifier) NotifyTurnCompleted(ctx context.Context, turn *protocol.Turn) {
	n.notify(ctx, protocol.NotifyTurnCompleted, turn.ThreadID, turn.ID, turn)
}
