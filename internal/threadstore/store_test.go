package threadstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/coderunner/agentd/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "threads.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetThread(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	thread := protocol.Thread{
		ID:             protocol.ThreadID("th_1"),
		Cwd:            "/workspace",
		Model:          "openai/gpt-5-mini",
		ApprovalPolicy: "on-request",
		SandboxPolicy:  "workspace-write",
	}
	if err := s.SaveThread(ctx, thread); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	got, items, err := s.GetThread(ctx, "th_1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got == nil {
		t.Fatalf("GetThread: expected a thread, got nil")
	}
	if got.Model != thread.Model || got.Cwd != thread.Cwd {
		t.Fatalf("GetThread: got %+v, want cwd/model from %+v", got, thread)
	}
	if len(items) != 0 {
		t.Fatalf("GetThread: expected no items yet, got %d", len(items))
	}
}

func TestGetThread_Missing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	got, items, err := s.GetThread(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got != nil || items != nil {
		t.Fatalf("GetThread: expected nil thread/items for missing id, got %+v / %v", got, items)
	}
}

func TestAppendItem_OrderedAndBumpsUpdatedAt(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	thread := protocol.Thread{ID: protocol.ThreadID("th_2"), Cwd: "/workspace", Model: "openai/gpt-5-mini"}
	if err := s.SaveThread(ctx, thread); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	items := []protocol.ThreadItem{
		{ID: protocol.ItemID("item_1"), ThreadID: thread.ID, TurnID: protocol.TurnID("turn_1"), Kind: protocol.ItemKindUserMessage},
		{ID: protocol.ItemID("item_2"), ThreadID: thread.ID, TurnID: protocol.TurnID("turn_1"), Kind: protocol.ItemKindAssistantMessage, AssistantText: "hi"},
	}
	for _, it := range items {
		if err := s.AppendItem(ctx, it); err != nil {
			t.Fatalf("AppendItem: %v", err)
		}
	}

	_, got, err := s.GetThread(ctx, string(thread.ID))
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetThread: expected 2 items, got %d", len(got))
	}
	if got[0].ID != items[0].ID || got[1].ID != items[1].ID {
		t.Fatalf("GetThread: items out of order: %+v", got)
	}
}

func TestListThreads_PaginatesNewestFirst(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"th_a", "th_b", "th_c"} {
		if err := s.SaveThread(ctx, protocol.Thread{ID: protocol.ThreadID(id), Cwd: "/workspace", Model: "openai/gpt-5-mini"}); err != nil {
			t.Fatalf("SaveThread(%s): %v", id, err)
		}
	}

	page, cursor, err := s.ListThreads(ctx, 2, ThreadsCursor{})
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("ListThreads: expected page of 2, got %d", len(page))
	}
	if cursor == "" {
		t.Fatalf("ListThreads: expected a next cursor with more rows remaining")
	}

	decoded, ok := DecodeCursor(cursor)
	if !ok {
		t.Fatalf("DecodeCursor: failed to decode %q", cursor)
	}

	rest, nextCursor, err := s.ListThreads(ctx, 2, decoded)
	if err != nil {
		t.Fatalf("ListThreads (page 2): %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("ListThreads (page 2): expected 1 remaining row, got %d", len(rest))
	}
	if nextCursor != "" {
		t.Fatalf("ListThreads (page 2): expected empty cursor once exhausted, got %q", nextCursor)
	}
}

func TestDecodeCursor_RejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, ok := DecodeCursor("not-valid-base64!!"); ok {
		t.Fatalf("DecodeCursor: expected failure on invalid input")
	}
}
