package rpcserver

import (
	"context"
	"log/slog"

	"github.com/coderunner/agentd/internal/protocol"
	"github.com/coderunner/agentd/internal/threadstore"
	"github.com/coderunner/agentd/internal/turnengine"
)

// PersistingNotifier wraps another turnengine.Notifier and additionally
// appends every completed item to the rollout log, so thread/resume can
// replay a thread after the process restarts (spec §4.2). Item-started and
// delta notifications only reach the wrapped notifier: only a completed
// item is a durable fact worth persisting.
type PersistingNotifier struct {
	turnengine.Notifier
	store *threadstore.Store
	log   *slog.Logger
}

func NewPersistingNotifier(inner turnengine.Notifier, store *threadstore.Store, log *slog.Logger) *PersistingNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &PersistingNotifier{Notifier: inner, store: store, log: log}
}

func (n *PersistingNotifier) NotifyItemCompleted(ctx context.Context, item *protocol.ThreadItem) {
	n.Notifier.NotifyItemCompleted(ctx, item)
	if n.store == nil || item == nil {
		return
	}
	if err := n.store.AppendItem(ctx, *item); err != nil {
		n.log.Warn("threadstore: append item failed", "thread_id", item.ThreadID, "item_id", item.ID, "error", err)
	}
}

