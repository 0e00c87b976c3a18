package rpcserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coderunner/agentd/internal/auth"
	"github.com/coderunner/agentd/internal/config"
	"github.com/coderunner/agentd/internal/modelclient"
	"github.com/coderunner/agentd/internal/protocol"
	"github.com/coderunner/agentd/internal/snapshot"
	"github.com/coderunner/agentd/internal/threadstore"
	"github.com/coderunner/agentd/internal/turnengine"
)

// Engine is the set of shared, connection-independent collaborators the
// turn engine needs. RegisterHandlers builds one turnengine.Runner per
// client Conn from it, since Notifier/ApprovalGate are bound to a single
// connection's elicitation channel (spec §4.1, §4.4).
type Engine struct {
	Registry    *turnengine.Registry
	Model       turnengine.ModelClient
	Scheduler   *turnengine.ToolDispatcher
	Checkpoints *snapshot.Service
	Store       *threadstore.Store
	ServerName  string
	ServerVer   string

	// Auth backs loginChatGpt/account/rateLimits. Router reports the
	// per-provider pacing account/rateLimits/read surfaces; AI backs
	// model/list. All three are optional: a build wired without them still
	// serves the turn engine. Without Auth, loginChatGpt is rejected; without
	// Router, account/rateLimits/read returns an empty limits list; without
	// AI, model/list returns an empty result.
	Auth       *auth.Manager
	AuthConfig auth.OAuthConfig
	Router     *modelclient.Router
	AI         *config.AIConfig
}

// checkpointAdapter satisfies turnengine.CheckpointService on top of
// snapshot.Service's checkpoint-id keyed API, using "turnID" as the id so
// at most one checkpoint is ever created per turn (spec §4.6).
type checkpointAdapter struct {
	svc *snapshot.Service
	log *slog.Logger
}

func (c *checkpointAdapter) EnsureCheckpoint(ctx context.Context, threadID protocol.ThreadID, turnID protocol.TurnID, cwd string) error {
	id := string(turnID)
	if c.svc.Has(id) {
		return nil
	}
	report, err := c.svc.Create(ctx, id, cwd)
	if err != nil {
		return err
	}
	if !report.Empty() && c.log != nil {
		c.log.Warn("workspace snapshot excluded untracked content",
			"thread_id", string(threadID),
			"turn_id", id,
			"large_untracked_dirs", len(report.LargeUntrackedDirs),
			"ignored_untracked_files", len(report.IgnoredUntrackedFiles),
		)
	}
	return nil
}

// RegisterHandlers wires the JSON-RPC method table to the turn engine. One
// Runner is created lazily per Conn and torn down when the connection
// closes (spec §4.1: "a close of any transport cancels all outstanding
// turns that belong to that client").
func RegisterHandlers(router *Router, log *slog.Logger, eng Engine) {
	if log == nil {
		log = slog.Default()
	}

	var mu sync.Mutex
	runners := make(map[*Conn]*turnengine.Runner)

	runnerFor := func(conn *Conn) *turnengine.Runner {
		mu.Lock()
		defer mu.Unlock()
		if r, ok := runners[conn]; ok {
			return r
		}
		var notifier turnengine.Notifier = NewConnNotifier(conn, log)
		if eng.Store != nil {
			notifier = NewPersistingNotifier(notifier, eng.Store, log)
		}
		approvals := NewConnApprovalGate(conn)
		checkpoints := &checkpointAdapter{svc: eng.Checkpoints, log: log}
		r := turnengine.NewRunner(eng.Registry, eng.Model, eng.Scheduler, notifier, approvals, checkpoints)
		runners[conn] = r
		conn.OnClose(func() {
			mu.Lock()
			delete(runners, conn)
			mu.Unlock()
		})
		return r
	}

	router.Register("initialize", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		var p protocol.InitializeParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, &protocol.RPCError{Code: protocol.ErrCodeInvalidParams, Message: "invalid initialize params"}
			}
		}
		conn.SetInitializeCaps(p.ExperimentalAPI, p.OptOutNotificationMethods, p.ClientInfo.Name)
		return protocol.InitializeResult{ServerInfo: protocol.ServerInfo{Name: eng.ServerName, Version: eng.ServerVer}}, nil
	}, false)

	router.Register("thread/start", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		var p struct {
			Cwd            string `json:"cwd"`
			Model          string `json:"model"`
			ApprovalPolicy string `json:"approval_policy"`
			SandboxPolicy  string `json:"sandbox_policy"`
			Personality    string `json:"personality"`
			Collaboration  string `json:"collaboration_mode"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, &protocol.RPCError{Code: protocol.ErrCodeInvalidParams, Message: "invalid thread/start params"}
			}
		}
		th := &protocol.Thread{
			ID:             protocol.NewThreadID(),
			Cwd:            p.Cwd,
			Model:          p.Model,
			ApprovalPolicy: p.ApprovalPolicy,
			SandboxPolicy:  p.SandboxPolicy,
			Personality:    p.Personality,
			Collaboration:  p.Collaboration,
		}
		eng.Registry.PutThread(th)
		if eng.Store != nil {
			if err := eng.Store.SaveThread(ctx, *th); err != nil {
				log.Warn("threadstore: save thread failed", "thread_id", th.ID, "error", err)
			}
		}
		_ = conn.Notify(ctx, protocol.NotifyThreadStarted, th)
		return th, nil
	}, false)

	router.Register("thread/resume", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		var p struct {
			ThreadID protocol.ThreadID `json:"thread_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.RPCError{Code: protocol.ErrCodeInvalidParams, Message: "invalid thread/resume params"}
		}
		if eng.Store == nil {
			return nil, &protocol.RPCError{Code: protocol.ErrCodeInternalError, Message: "thread persistence is not configured"}
		}
		th, items, err := eng.Store.GetThread(ctx, string(p.ThreadID))
		if err != nil {
			return nil, &protocol.RPCError{Code: protocol.ErrCodeInternalError, Message: err.Error()}
		}
		if th == nil {
			return nil, &protocol.RPCError{Code: protocol.ErrCodeInvalidParams, Message: "unknown thread_id"}
		}
		eng.Registry.PutThread(th)
		return struct {
			Thread *protocol.Thread       `json:"thread"`
			Items  []protocol.ThreadItem `json:"items"`
		}{Thread: th, Items: items}, nil
	}, false)

	router.Register("thread/list", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		var p struct {
			Limit  int    `json:"limit"`
			Cursor string `json:"cursor"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, &protocol.RPCError{Code: protocol.ErrCodeInvalidParams, Message: "invalid thread/list params"}
			}
		}
		if eng.Store == nil {
			return nil, &protocol.RPCError{Code: protocol.ErrCodeInternalError, Message: "thread persistence is not configured"}
		}
		cursor, ok := threadstore.DecodeCursor(p.Cursor)
		if !ok {
			return nil, &protocol.RPCError{Code: protocol.ErrCodeInvalidParams, Message: "invalid cursor"}
		}
		threads, next, err := eng.Store.ListThreads(ctx, p.Limit, cursor)
		if err != nil {
			return nil, &protocol.RPCError{Code: protocol.ErrCodeInternalError, Message: err.Error()}
		}
		return struct {
			Threads    []protocol.Thread `json:"threads"`
			NextCursor string            `json:"next_cursor,omitempty"`
		}{Threads: threads, NextCursor: next}, nil
	}, false)

	router.Register("turn/start", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		var p struct {
			ThreadID  protocol.ThreadID      `json:"thread_id"`
			Input     []protocol.UserInput   `json:"input"`
			Overrides protocol.TurnOverrides `json:"overrides"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.RPCError{Code: protocol.ErrCodeInvalidParams, Message: "invalid turn/start params"}
		}
		r := runnerFor(conn)
		turn, err := r.StartTurn(ctx, p.ThreadID, p.Input, p.Overrides)
		if err != nil {
			return nil, err
		}
		return turn, nil
	}, false)

	router.Register("turn/cancel", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		var p struct {
			ThreadID protocol.ThreadID `json:"thread_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.RPCError{Code: protocol.ErrCodeInvalidParams, Message: "invalid turn/cancel params"}
		}
		r := runnerFor(conn)
		if err := r.CancelTurn(p.ThreadID, protocol.AbortReasonUser); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	}, false)

	login := newLoginServer(log, eng.Auth, eng.AuthConfig)

	router.Register("loginChatGpt", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		authURL, err := login.beginAndAwait(ctx, conn)
		if err != nil {
			return nil, err
		}
		return struct {
			AuthURL string `json:"auth_url"`
		}{AuthURL: authURL}, nil
	}, false)

	router.Register("account/rateLimits/read", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		if eng.Router == nil {
			return struct {
				Limits []modelclient.ProviderRateLimit `json:"limits"`
			}{}, nil
		}
		limits := eng.Router.RateLimits()
		_ = conn.Notify(ctx, protocol.NotifyAccountRateLimitsUpdated, limits)
		return struct {
			Limits []modelclient.ProviderRateLimit `json:"limits"`
		}{Limits: limits}, nil
	}, false)

	router.Register("model/list", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		resp := struct {
			DefaultModel string              `json:"default_model,omitempty"`
			Models       []config.AIModel    `json:"models,omitempty"`
			Providers    []config.AIProvider `json:"providers,omitempty"`
		}{}
		if eng.AI != nil {
			resp.DefaultModel = eng.AI.DefaultModel
			resp.Models = eng.AI.Models
			resp.Providers = eng.AI.Providers
		}
		return resp, nil
	}, false)

	// newConversation/sendUserMessage are the legacy aliases of
	// thread/start+turn/start the client list names alongside them; they
	// delegate straight through so a caller built against either naming
	// gets identical turn-engine behavior.
	router.Register("newConversation", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		var p struct {
			Cwd            string `json:"cwd"`
			Model          string `json:"model"`
			ApprovalPolicy string `json:"approval_policy"`
			SandboxPolicy  string `json:"sandbox_policy"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, &protocol.RPCError{Code: protocol.ErrCodeInvalidParams, Message: "invalid newConversation params"}
			}
		}
		th := &protocol.Thread{
			ID:             protocol.NewThreadID(),
			Cwd:            p.Cwd,
			Model:          p.Model,
			ApprovalPolicy: p.ApprovalPolicy,
			SandboxPolicy:  p.SandboxPolicy,
		}
		eng.Registry.PutThread(th)
		if eng.Store != nil {
			if err := eng.Store.SaveThread(ctx, *th); err != nil {
				log.Warn("threadstore: save thread failed", "thread_id", th.ID, "error", err)
			}
		}
		_ = conn.Notify(ctx, protocol.NotifyThreadStarted, th)
		return th, nil
	}, false)

	// Every Conn is already implicitly subscribed to its own thread/turn/item
	// notifications (NewConnNotifier is per-connection), so these have
	// nothing to add or remove a listener from; they ack for wire compatibility.
	router.Register("addConversationListener", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		return struct{}{}, nil
	}, false)

	router.Register("removeConversationListener", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		return struct{}{}, nil
	}, false)

	router.Register("sendUserMessage", func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error) {
		var p struct {
			ThreadID protocol.ThreadID    `json:"thread_id"`
			Input    []protocol.UserInput `json:"input"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.RPCError{Code: protocol.ErrCodeInvalidParams, Message: "invalid sendUserMessage params"}
		}
		r := runnerFor(conn)
		turn, err := r.StartTurn(ctx, p.ThreadID, p.Input, protocol.TurnOverrides{})
		if err != nil {
			return nil, err
		}
		return turn, nil
	}, false)
}
