// Package threadstore is the SQLite-backed rollout log: the durable record
// of every Thread/ThreadItem the turn engine has produced, used to serve
// thread/resume and thread/list (spec §4.2) after a process restart.
package threadstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coderunner/agentd/internal/protocol"
)

// Store is a local SQLite-backed persistence layer for threads and their
// items. WAL journaling is enabled; the pool holds a single connection, so
// reads (thread/list) and the turn runner's writes run one at a time.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			cwd TEXT NOT NULL,
			model TEXT NOT NULL,
			approval_policy TEXT NOT NULL,
			sandbox_policy TEXT NOT NULL,
			personality TEXT NOT NULL DEFAULT '',
			collaboration_mode TEXT NOT NULL DEFAULT '',
			created_at_unix_ms INTEGER NOT NULL,
			updated_at_unix_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_updated_at ON threads(updated_at_unix_ms DESC, thread_id DESC)`,
		`CREATE TABLE IF NOT EXISTS thread_items (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL REFERENCES threads(thread_id) ON DELETE CASCADE,
			turn_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			item_json TEXT NOT NULL,
			created_at_unix_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_items_thread ON thread_items(thread_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("threadstore: schema: %w", err)
		}
	}
	return nil
}

// ThreadsCursor is a keyset-pagination cursor over (updated_at, thread_id)
// so thread/list never misses or duplicates a row across pages as new
// threads land between calls.
type ThreadsCursor struct {
	UpdatedAtUnixMs int64
	ThreadID        string
}

func EncodeCursor(c ThreadsCursor) string {
	if c.UpdatedAtUnixMs <= 0 || strings.TrimSpace(c.ThreadID) == "" {
		return ""
	}
	raw := fmt.Sprintf("%d:%s", c.UpdatedAtUnixMs, strings.TrimSpace(c.ThreadID))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(raw string) (ThreadsCursor, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ThreadsCursor{}, true
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return ThreadsCursor{}, false
	}
	parts := strings.SplitN(string(b), ":", 2)
	if len(parts) != 2 {
		return ThreadsCursor{}, false
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || ms <= 0 {
		return ThreadsCursor{}, false
	}
	id := strings.TrimSpace(parts[1])
	if id == "" {
		return ThreadsCursor{}, false
	}
	return ThreadsCursor{UpdatedAtUnixMs: ms, ThreadID: id}, true
}

// SaveThread upserts a thread's header row (spec §3 Thread, minus its Turns
// slice: turn ordering is reconstructed from thread_items at read time).
func (s *Store) SaveThread(ctx context.Context, t protocol.Thread) error {
	if s == nil || s.db == nil {
		return errors.New("threadstore: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(string(t.ID)) == "" {
		return errors.New("threadstore: missing thread id")
	}

	now := time.Now().UnixMilli()
	created := t.CreatedAtUnix
	if created <= 0 {
		created = now
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads(thread_id, cwd, model, approval_policy, sandbox_policy, personality, collaboration_mode, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  cwd = excluded.cwd,
  model = excluded.model,
  approval_policy = excluded.approval_policy,
  sandbox_policy = excluded.sandbox_policy,
  personality = excluded.personality,
  collaboration_mode = excluded.collaboration_mode,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`,
		string(t.ID), t.Cwd, t.Model, t.ApprovalPolicy, t.SandboxPolicy, t.Personality, t.Collaboration, created, now,
	)
	return err
}

// AppendItem records one thread item in the rollout log (spec §4.3: every
// turn transition is durable so thread/resume can replay it).
func (s *Store) AppendItem(ctx context.Context, item protocol.ThreadItem) error {
	if s == nil || s.db == nil {
		return errors.New("threadstore: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	blob, err := json.Marshal(item)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO thread_items(thread_id, turn_id, item_id, kind, item_json, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, string(item.ThreadID), string(item.TurnID), string(item.ID), string(item.Kind), string(blob), now)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE threads SET updated_at_unix_ms = ? WHERE thread_id = ?`, now, string(item.ThreadID))
	return err
}

// GetThread loads a thread header plus its full item log, in append order
// (spec §4.2 thread/resume: "rehydrate a thread... in the order they were
// recorded").
func (s *Store) GetThread(ctx context.Context, threadID string) (*protocol.Thread, []protocol.ThreadItem, error) {
	if s == nil || s.db == nil {
		return nil, nil, errors.New("threadstore: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, nil, errors.New("threadstore: missing thread id")
	}

	var t protocol.Thread
	var id string
	err := s.db.QueryRowContext(ctx, `
SELECT thread_id, cwd, model, approval_policy, sandbox_policy, personality, collaboration_mode, created_at_unix_ms
FROM threads WHERE thread_id = ?
`, threadID).Scan(&id, &t.Cwd, &t.Model, &t.ApprovalPolicy, &t.SandboxPolicy, &t.Personality, &t.Collaboration, &t.CreatedAtUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	t.ID = protocol.ThreadID(id)

	rows, err := s.db.QueryContext(ctx, `
SELECT item_json, turn_id FROM thread_items WHERE thread_id = ? ORDER BY seq ASC
`, threadID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	items := make([]protocol.ThreadItem, 0)
	seenTurns := make(map[protocol.TurnID]struct{})
	for rows.Next() {
		var blob string
		var turnID string
		if err := rows.Scan(&blob, &turnID); err != nil {
			return nil, nil, err
		}
		var item protocol.ThreadItem
		if err := json.Unmarshal([]byte(blob), &item); err != nil {
			return nil, nil, err
		}
		items = append(items, item)
		if _, ok := seenTurns[protocol.TurnID(turnID)]; !ok {
			seenTurns[protocol.TurnID(turnID)] = struct{}{}
			t.Turns = append(t.Turns, protocol.TurnID(turnID))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return &t, items, nil
}

// ListThreads returns thread headers newest-first with keyset pagination
// (spec §4.2 thread/list).
func (s *Store) ListThreads(ctx context.Context, limit int, cursor ThreadsCursor) ([]protocol.Thread, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("threadstore: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	args := []any{}
	where := ""
	if cursor.UpdatedAtUnixMs > 0 && strings.TrimSpace(cursor.ThreadID) != "" {
		where = "WHERE (updated_at_unix_ms < ? OR (updated_at_unix_ms = ? AND thread_id < ?))"
		args = append(args, cursor.UpdatedAtUnixMs, cursor.UpdatedAtUnixMs, strings.TrimSpace(cursor.ThreadID))
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
SELECT thread_id, cwd, model, approval_policy, sandbox_policy, personality, collaboration_mode, created_at_unix_ms, updated_at_unix_ms
FROM threads
%s
ORDER BY updated_at_unix_ms DESC, thread_id DESC
LIMIT ?
`, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]protocol.Thread, 0, limit)
	var lastUpdated int64
	var lastID string
	for rows.Next() {
		var t protocol.Thread
		var id string
		if err := rows.Scan(&id, &t.Cwd, &t.Model, &t.ApprovalPolicy, &t.SandboxPolicy, &t.Personality, &t.Collaboration, &t.CreatedAtUnix, &lastUpdated); err != nil {
			return nil, "", err
		}
		t.ID = protocol.ThreadID(id)
		lastID = id
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	if len(out) < limit {
		return out, "", nil
	}
	next := EncodeCursor(ThreadsCursor{UpdatedAtUnixMs: lastUpdated, ThreadID: lastID})
	return out, next, nil
}
