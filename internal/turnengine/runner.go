// Package turnengine implements the thread/turn state machine (spec §4.2,
// §4.3): Start -> Preparing -> Streaming -> DispatchingTool* ->
// Streaming|Done|Failed|Aborted. It owns nothing about transport; it is
// driven by the rpcserver handlers and talks back only through the
// Notifier and ApprovalGate interfaces so it stays transport-agnostic.
package turnengine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coderunner/agentd/internal/approval"
	"github.com/coderunner/agentd/internal/protocol"
	"github.com/coderunner/agentd/internal/sandbox"
	aitools "github.com/coderunner/agentd/internal/tools"
)

// ModelEventKind discriminates streamed model output.
type ModelEventKind string

const (
	ModelEventAgentMessageDelta ModelEventKind = "agent_message_delta"
	ModelEventReasoningDelta    ModelEventKind = "reasoning_delta"
	ModelEventToolCall          ModelEventKind = "tool_call"
	ModelEventDone              ModelEventKind = "done"
	ModelEventError             ModelEventKind = "error"
)

type ModelEvent struct {
	Kind      ModelEventKind
	Delta     string
	ToolCalls []ToolCall
	Err       error
}

// ModelRequest is what the runner hands to the model client for one
// streaming step: the full item history plus the active tool set.
type ModelRequest struct {
	Thread *protocol.Thread
	Turn   *protocol.Turn
	Items  []*protocol.ThreadItem
	Tools  []ToolDef
}

// ModelClient streams one assistant step. It is implemented against
// anthropic-sdk-go/openai-go by internal/modelclient; tests substitute a
// fake that replays canned ModelEvents.
type ModelClient interface {
	StreamStep(ctx context.Context, req ModelRequest) (<-chan ModelEvent, error)
}

// Notifier is how the runner surfaces progress to the client connection
// that owns this thread, without the runner importing rpcserver.
type Notifier interface {
	NotifyItemStarted(ctx context.Context, item *protocol.ThreadItem)
	NotifyItemCompleted(ctx context.Context, item *protocol.ThreadItem)
	NotifyAgentMessageDelta(ctx context.Context, threadID protocol.ThreadID, turnID protocol.TurnID, itemID protocol.ItemID, delta string)
	NotifyReasoningTextDelta(ctx context.Context, threadID protocol.ThreadID, turnID protocol.TurnID, itemID protocol.ItemID, delta string)
	NotifyTurnStarted(ctx context.Context, turn *protocol.Turn)
	NotifyTurnCompleted(ctx context.Context, turn *protocol.Turn)
}

// ApprovalGate is consulted before a mutating/dangerous tool call runs
// (spec §4.4). Declined/Cancel aborts the tool call without running it.
type ApprovalGate interface {
	RequestCommandApproval(ctx context.Context, params protocol.CommandExecutionRequestApprovalParams) (protocol.ApprovalDecision, error)
	RequestFileChangeApproval(ctx context.Context, params protocol.FileChangeRequestApprovalParams) (protocol.ApprovalDecision, error)
}

// CheckpointService snapshots the workspace before the first mutating tool
// call of a turn (spec §4.6): one checkpoint per turn, created lazily.
type CheckpointService interface {
	EnsureCheckpoint(ctx context.Context, threadID protocol.ThreadID, turnID protocol.TurnID, cwd string) error
}

const defaultMaxToolSteps = 40

// Runner drives turns against a Registry. One Runner instance is shared by
// every thread; per-turn goroutines are isolated by the turn's own
// context and never touch another turn's state.
type Runner struct {
	registry    *Registry
	model       ModelClient
	scheduler   *ToolDispatcher
	notifier    Notifier
	approvals   ApprovalGate
	checkpoints CheckpointService

	mu      sync.Mutex
	cancels map[protocol.TurnID]context.CancelFunc

	sessions *approval.Registry
}

func NewRunner(registry *Registry, model ModelClient, scheduler *ToolDispatcher, notifier Notifier, approvals ApprovalGate, checkpoints CheckpointService) *Runner {
	return &Runner{
		registry:    registry,
		model:       model,
		scheduler:   scheduler,
		notifier:    notifier,
		approvals:   approvals,
		checkpoints: checkpoints,
		cancels:     make(map[protocol.TurnID]context.CancelFunc),
		sessions:    approval.NewRegistry(),
	}
}

// StartTurn creates a new turn, registers it as the thread's active turn,
// and runs the state machine in the background. It returns as soon as the
// turn is registered; callers observe progress via Notifier.
func (r *Runner) StartTurn(ctx context.Context, threadID protocol.ThreadID, input []protocol.UserInput, overrides protocol.TurnOverrides) (*protocol.Turn, error) {
	th, err := r.registry.Thread(threadID)
	if err != nil {
		return nil, err
	}

	turnID := protocol.NewTurnID()
	turn := &protocol.Turn{
		ID:             turnID,
		ThreadID:       threadID,
		Status:         protocol.TurnStatusInProgress,
		Items:          nil,
		StartedAt:      time.Now(),
		ApprovalPolicy: firstNonEmpty(overrides.ApprovalPolicy, th.ApprovalPolicy),
		SandboxPolicy:  firstNonEmpty(overrides.SandboxPolicy, th.SandboxPolicy),
		Cwd:            firstNonEmpty(overrides.Cwd, th.Cwd),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	abortReason := protocol.AbortReasonUser
	wrappedCancel := func(reason protocol.AbortReason) {
		abortReason = reason
		cancel()
	}
	if err := r.registry.BeginTurn(threadID, turn, wrappedCancel); err != nil {
		cancel()
		return nil, err
	}

	r.mu.Lock()
	r.cancels[turnID] = cancel
	r.mu.Unlock()

	userItem := protocol.NewItem(protocol.ItemKindUserMessage, threadID, turnID)
	userItem.UserMessageContent = input
	r.registry.PutItem(userItem)
	turn.Items = append(turn.Items, userItem.ID)

	r.notifier.NotifyTurnStarted(ctx, turn)

	go r.run(runCtx, threadID, turn, overrides, &abortReason)

	return turn, nil
}

// CancelTurn requests cooperative cancellation of the thread's active
// turn. Returns ErrTurnNotFound if none is active.
func (r *Runner) CancelTurn(threadID protocol.ThreadID, reason protocol.AbortReason) error {
	if !r.registry.Cancel(threadID, reason) {
		return ErrTurnNotFound
	}
	return nil
}

func (r *Runner) run(ctx context.Context, threadID protocol.ThreadID, turn *protocol.Turn, overrides protocol.TurnOverrides, abortReason *protocol.AbortReason) {
	defer func() {
		r.mu.Lock()
		delete(r.cancels, turn.ID)
		r.mu.Unlock()
		r.registry.EndTurn(threadID, turn.ID)
	}()

	th, err := r.registry.Thread(threadID)
	if err != nil {
		r.finish(ctx, turn, protocol.TurnStatusFailed, "", err)
		return
	}

	userInput := firstUserText(r.threadItemsForTurn(threadID, turn.ID))
	recoveryCfg := turnRecoveryConfig{
		Enabled:                        true,
		MaxSteps:                       3,
		AllowPathRewrite:               true,
		AllowProbeTools:                true,
		FailOnRepeatedFailureSignature: true,
	}
	completionCfg := turnCompletionConfig{Enabled: true, MaxSteps: 2}
	recoveryState := &turnRecoveryState{FailureSignatures: map[string]int{}}

	var cumToolCalls, cumToolSuccesses int
	var cumFailures []turnToolFailure
	var cumNames, cumSuccessNames, cumSignatures []string

	steps := 0
	for {
		select {
		case <-ctx.Done():
			r.finish(ctx, turn, protocol.TurnStatusAborted, string(*abortReason), nil)
			return
		default:
		}

		if steps >= defaultMaxToolSteps {
			r.finish(ctx, turn, protocol.TurnStatusFailed, "", fmt.Errorf("exceeded max tool steps (%d)", defaultMaxToolSteps))
			return
		}
		steps++

		items := r.threadItemsForTurn(threadID, turn.ID)
		mode := overrides.CollaborationMode
		tools := r.scheduler.ActiveTools(mode)

		events, err := r.model.StreamStep(ctx, ModelRequest{Thread: th, Turn: turn, Items: items, Tools: tools})
		if err != nil {
			r.finish(ctx, turn, protocol.TurnStatusFailed, "", err)
			return
		}

		toolCalls, text, reasoning, streamErr := r.consume(ctx, threadID, turn, events)
		if streamErr != nil {
			r.finish(ctx, turn, protocol.TurnStatusFailed, "", streamErr)
			return
		}

		if text != "" {
			item := protocol.NewItem(protocol.ItemKindAssistantMessage, threadID, turn.ID)
			item.AssistantText = text
			r.registry.PutItem(item)
			turn.Items = append(turn.Items, item.ID)
			r.notifier.NotifyItemCompleted(ctx, item)
		}
		if reasoning != "" {
			item := protocol.NewItem(protocol.ItemKindReasoning, threadID, turn.ID)
			item.ReasoningText = reasoning
			r.registry.PutItem(item)
			turn.Items = append(turn.Items, item.ID)
			r.notifier.NotifyItemCompleted(ctx, item)
		}

		if len(toolCalls) == 0 {
			summary := turnAttemptSummary{
				AttemptIndex:                  steps,
				ToolCalls:                     cumToolCalls,
				ToolSuccesses:                 cumToolSuccesses,
				ToolFailures:                  cumFailures,
				AssistantText:                 text,
				ToolCallNames:                 cumNames,
				ToolSuccessNames:              cumSuccessNames,
				ToolCallSignatures:            cumSignatures,
				OutcomeHasText:                text != "",
				OutcomeHasTextAfterToolsKnown: true,
				OutcomeHasTextAfterToolCalls:  cumToolCalls > 0 && text != "",
				OutcomeFinishReason:           "stop",
				OutcomeLastStepFinishReason:   "stop",
			}

			stepRecoveryCfg := recoveryCfg
			stepRecoveryCfg.RequiresTools = shouldRequireToolExecution(userInput, nil)

			if recDecision := decideTurnRecovery(stepRecoveryCfg, summary, recoveryState, userInput); recDecision.FailRun {
				r.finish(ctx, turn, protocol.TurnStatusFailed, "", fmt.Errorf("%s", recDecision.FailureMessage))
				return
			} else if recDecision.Continue {
				r.injectRecoveryPrompt(threadID, turn, recDecision.NextPrompt)
				continue
			}

			if compDecision := decideTurnCompletion(completionCfg, summary, recoveryState, userInput); compDecision.FailRun {
				r.finish(ctx, turn, protocol.TurnStatusFailed, "", fmt.Errorf("%s", compDecision.FailureMessage))
				return
			} else if compDecision.Continue {
				r.injectRecoveryPrompt(threadID, turn, compDecision.NextPrompt)
				continue
			}

			r.finish(ctx, turn, protocol.TurnStatusCompleted, "", nil)
			return
		}

		dispatchSummary, err := r.dispatchTools(ctx, threadID, turn, mode, toolCalls)
		if err != nil {
			r.finish(ctx, turn, protocol.TurnStatusFailed, "", err)
			return
		}
		cumToolCalls += len(dispatchSummary.Results)
		cumToolSuccesses += len(dispatchSummary.SuccessNames)
		cumFailures = append(cumFailures, dispatchSummary.Failures...)
		cumNames = append(cumNames, dispatchSummary.Names...)
		cumSuccessNames = append(cumSuccessNames, dispatchSummary.SuccessNames...)
		cumSignatures = append(cumSignatures, dispatchSummary.Signatures...)

		if len(dispatchSummary.Failures) > 0 {
			failSummary := turnAttemptSummary{
				AttemptIndex:  steps,
				ToolCalls:     cumToolCalls,
				ToolSuccesses: cumToolSuccesses,
				ToolFailures:  cumFailures,
				AssistantText: text,
			}
			if recDecision := decideTurnRecovery(recoveryCfg, failSummary, recoveryState, userInput); recDecision.FailRun {
				r.finish(ctx, turn, protocol.TurnStatusFailed, "", fmt.Errorf("%s", recDecision.FailureMessage))
				return
			} else if recDecision.Continue && recDecision.NextPrompt != "" {
				r.injectRecoveryPrompt(threadID, turn, recDecision.NextPrompt)
			}
		}
	}
}

// injectRecoveryPrompt appends a synthetic user-turn message carrying the
// turn guard's retry instructions so the next StreamStep sees it as part of
// the conversation. It is not surfaced to the client connection: it is an
// internal control signal, not a message either party actually sent (spec
// §4.1/§4.3 name only user/assistant/tool items as the visible record).
func (r *Runner) injectRecoveryPrompt(threadID protocol.ThreadID, turn *protocol.Turn, prompt string) {
	if strings.TrimSpace(prompt) == "" {
		return
	}
	item := protocol.NewItem(protocol.ItemKindUserMessage, threadID, turn.ID)
	item.UserMessageContent = []protocol.UserInput{{Kind: protocol.UserInputText, Text: prompt}}
	r.registry.PutItem(item)
	turn.Items = append(turn.Items, item.ID)
}

// firstUserText extracts the plain-text content of a turn's originating
// user message, for the turn guard's intent heuristics (shouldRequireToolExecution).
func firstUserText(items []*protocol.ThreadItem) string {
	for _, it := range items {
		if it.Kind != protocol.ItemKindUserMessage {
			continue
		}
		var parts []string
		for _, in := range it.UserMessageContent {
			if in.Kind == protocol.UserInputText && in.Text != "" {
				parts = append(parts, in.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return ""
}

func (r *Runner) consume(ctx context.Context, threadID protocol.ThreadID, turn *protocol.Turn, events <-chan ModelEvent) (toolCalls []ToolCall, text string, reasoning string, err error) {
	for ev := range events {
		switch ev.Kind {
		case ModelEventAgentMessageDelta:
			text += ev.Delta
			r.notifier.NotifyAgentMessageDelta(ctx, threadID, turn.ID, "", ev.Delta)
		case ModelEventReasoningDelta:
			reasoning += ev.Delta
			r.notifier.NotifyReasoningTextDelta(ctx, threadID, turn.ID, "", ev.Delta)
		case ModelEventToolCall:
			toolCalls = append(toolCalls, ev.ToolCalls...)
		case ModelEventError:
			return nil, text, reasoning, ev.Err
		case ModelEventDone:
			return toolCalls, text, reasoning, nil
		}
	}
	return toolCalls, text, reasoning, nil
}

// turnDispatchSummary is dispatchTools' report of what it actually ran, in
// the shape the turn guard (turn_recovery.go/turn_completion.go) needs to
// decide whether the turn may finish or must keep going.
type turnDispatchSummary struct {
	Results      []ToolResult
	Names        []string
	SuccessNames []string
	Signatures   []string
	Failures     []turnToolFailure
}

// dispatchTools runs the DispatchingTool phase of the state machine: for
// each call, create a CommandExecution or FileChange item, gate mutating
// calls on approval + a workspace checkpoint, then dispatch through the
// scheduler.
func (r *Runner) dispatchTools(ctx context.Context, threadID protocol.ThreadID, turn *protocol.Turn, mode string, calls []ToolCall) (turnDispatchSummary, error) {
	allowed := make([]ToolCall, 0, len(calls))
	itemByCallID := make(map[string]*protocol.ThreadItem, len(calls))

	policy := approval.ParsePolicy(turn.ApprovalPolicy)
	baseSandbox := sandbox.ParseMode(turn.SandboxPolicy)
	cache := r.sessions.For(string(threadID))

	for _, call := range calls {
		if isFileChangeTool(call.Name) {
			item := protocol.NewItem(protocol.ItemKindFileChange, threadID, turn.ID)
			item.FileChangeStatus = protocol.FileChangeInProgress
			r.registry.PutItem(item)
			turn.Items = append(turn.Items, item.ID)
			itemByCallID[call.ID] = item
			r.notifier.NotifyItemStarted(ctx, item)

			root := fileChangeRoot(turn.Cwd, call)
			decision := approval.EvaluateFileChange(root, policy, cache)
			declined, err := r.resolveFileChangeDecision(ctx, threadID, turn, item, decision, cache, root)
			if err != nil {
				item.FileChangeStatus = protocol.FileChangeFailed
				r.notifier.NotifyItemCompleted(ctx, item)
				return turnDispatchSummary{}, err
			}
			if declined {
				item.FileChangeStatus = protocol.FileChangeDeclined
				r.notifier.NotifyItemCompleted(ctx, item)
				continue
			}
			if r.checkpoints != nil {
				if err := r.checkpoints.EnsureCheckpoint(ctx, threadID, turn.ID, turn.Cwd); err != nil {
					item.FileChangeStatus = protocol.FileChangeFailed
					r.notifier.NotifyItemCompleted(ctx, item)
					return turnDispatchSummary{}, err
				}
			}
			allowed = append(allowed, call)
			continue
		}

		if !isShellTool(call.Name) {
			// Non-shell, non-file-change tools (update_plan, read_file,
			// view_image, MCP calls) carry no approval/sandbox decision of
			// their own (spec §4.5): dispatch directly.
			allowed = append(allowed, call)
			continue
		}

		item := protocol.NewItem(protocol.ItemKindCommandExecution, threadID, turn.ID)
		argv := call.argv()
		if len(argv) == 0 {
			argv = []string{call.Name}
		}
		item.Command = argv
		item.Cwd = turn.Cwd
		item.ExecStatus = protocol.CommandExecutionInProgress
		r.registry.PutItem(item)
		turn.Items = append(turn.Items, item.ID)
		itemByCallID[call.ID] = item
		r.notifier.NotifyItemStarted(ctx, item)

		if !r.requiresApproval(call) {
			allowed = append(allowed, withSandboxMode(call, baseSandbox))
			continue
		}

		decision := approval.Evaluate(argv, policy, baseSandbox, cache, requestedPermissions(call))
		resolved, declined, err := r.resolveDecision(ctx, threadID, turn, item, decision, cache)
		if err != nil {
			item.ExecStatus = protocol.CommandExecutionFailed
			r.notifier.NotifyItemCompleted(ctx, item)
			return turnDispatchSummary{}, err
		}
		if declined {
			item.ExecStatus = protocol.CommandExecutionDeclined
			r.notifier.NotifyItemCompleted(ctx, item)
			continue
		}

		if r.checkpoints != nil {
			if err := r.checkpoints.EnsureCheckpoint(ctx, threadID, turn.ID, turn.Cwd); err != nil {
				item.ExecStatus = protocol.CommandExecutionFailed
				r.notifier.NotifyItemCompleted(ctx, item)
				return turnDispatchSummary{}, err
			}
		}

		allowed = append(allowed, withSandboxMode(call, resolved))
	}

	if len(allowed) == 0 {
		return turnDispatchSummary{}, nil
	}

	callByID := make(map[string]ToolCall, len(allowed))
	for _, c := range allowed {
		callByID[c.ID] = c
	}

	results := r.scheduler.Dispatch(WithRunID(ctx, string(turn.ID)), mode, allowed)
	summary := turnDispatchSummary{Results: results}
	for _, result := range results {
		summary.Names = append(summary.Names, result.ToolName)
		sig := result.ToolName
		if call, ok := callByID[result.ToolID]; ok {
			sig = toolCallSignature(result.ToolName, call.Args)
		}
		summary.Signatures = append(summary.Signatures, sig)
		switch result.Status {
		case toolResultStatusSuccess:
			summary.SuccessNames = append(summary.SuccessNames, result.ToolName)
		case toolResultStatusAborted:
			// Declined/canceled calls are neither a success nor a failure
			// the turn guard should retry around.
		default:
			summary.Failures = append(summary.Failures, turnToolFailure{ToolName: result.ToolName, Error: result.Error})
		}

		item, ok := itemByCallID[result.ToolID]
		if !ok {
			if plan, isPlan := result.Output.(protocol.ThreadItem); isPlan && result.Status == toolResultStatusSuccess {
				planItem := protocol.NewItem(protocol.ItemKindPlanUpdate, threadID, turn.ID)
				planItem.PlanExplanation = plan.PlanExplanation
				planItem.PlanSteps = plan.PlanSteps
				r.registry.PutItem(planItem)
				turn.Items = append(turn.Items, planItem.ID)
				r.notifier.NotifyItemCompleted(ctx, planItem)
			}
			continue
		}
		if item.Kind == protocol.ItemKindFileChange {
			switch result.Status {
			case toolResultStatusSuccess:
				item.FileChangeStatus = protocol.FileChangeCompleted
			case toolResultStatusAborted:
				item.FileChangeStatus = protocol.FileChangeDeclined
			default:
				item.FileChangeStatus = protocol.FileChangeFailed
			}
			if entries, ok := result.Output.([]protocol.FileChangeEntry); ok {
				item.FileChangeEntries = entries
			}
			r.notifier.NotifyItemCompleted(ctx, item)
			continue
		}
		switch result.Status {
		case toolResultStatusSuccess:
			item.ExecStatus = protocol.CommandExecutionCompleted
		case toolResultStatusAborted:
			item.ExecStatus = protocol.CommandExecutionDeclined
		default:
			item.ExecStatus = protocol.CommandExecutionFailed
		}
		item.AggregatedOutput = result.Details
		r.notifier.NotifyItemCompleted(ctx, item)
	}
	return summary, nil
}

func isFileChangeTool(name string) bool {
	switch name {
	case "apply_patch":
		return true
	default:
		return false
	}
}

func isShellTool(name string) bool {
	switch name {
	case "shell", "terminal.exec":
		return true
	default:
		return false
	}
}

// fileChangeRoot resolves the repository-normalized path root a patch
// targets, for approval-cache keying (spec §4.4 "keyed by
// repository-normalized paths").
func fileChangeRoot(cwd string, call ToolCall) string {
	if p, _ := call.Args["root"].(string); p != "" {
		return p
	}
	return cwd
}

func (r *Runner) resolveFileChangeDecision(ctx context.Context, threadID protocol.ThreadID, turn *protocol.Turn, item *protocol.ThreadItem, decision approval.Decision, cache *approval.SessionCache, root string) (bool, error) {
	switch decision.Kind {
	case approval.DecisionRun, approval.DecisionRunAndCacheForSession:
		if decision.Kind == approval.DecisionRunAndCacheForSession {
			cache.AcceptPathForSession(root)
		}
		return false, nil
	case approval.DecisionRefuse:
		return true, nil
	case approval.DecisionAskUser:
		resp, err := r.approvals.RequestFileChangeApproval(ctx, protocol.FileChangeRequestApprovalParams{
			ThreadID:  threadID,
			TurnID:    turn.ID,
			ItemID:    item.ID,
			Reason:    decision.Reason,
			GrantRoot: root,
		})
		if err != nil {
			return false, err
		}
		switch resp {
		case protocol.DecisionAccept:
			return false, nil
		case protocol.DecisionAcceptForSession:
			cache.AcceptPathForSession(root)
			return false, nil
		default: // Decline (files have no Cancel variant, spec §6)
			return true, nil
		}
	default:
		return true, nil
	}
}

// resolveDecision executes the non-Run branches of an approval.Decision:
// AskUser elicits the client, Refuse synthesizes a declined item without
// ever reaching the sandbox. Returns the sandbox mode to run under, or
// declined=true if the call must not run at all.
func (r *Runner) resolveDecision(ctx context.Context, threadID protocol.ThreadID, turn *protocol.Turn, item *protocol.ThreadItem, decision approval.Decision, cache *approval.SessionCache) (sandbox.Mode, bool, error) {
	switch decision.Kind {
	case approval.DecisionRun, approval.DecisionRunAndCacheForSession:
		if decision.Kind == approval.DecisionRunAndCacheForSession {
			cache.AcceptForSession(approval.CommandPrefix(item.Command))
		}
		return decision.Sandbox, false, nil

	case approval.DecisionRefuse:
		return "", true, nil

	case approval.DecisionAskUser:
		resp, err := r.approvals.RequestCommandApproval(ctx, protocol.CommandExecutionRequestApprovalParams{
			ThreadID:       threadID,
			TurnID:         turn.ID,
			ItemID:         item.ID,
			Reason:         decision.Reason,
			Command:        item.Command,
			Cwd:            turn.Cwd,
			CommandActions: decision.CommandActions,
		})
		if err != nil {
			return "", false, err
		}
		switch resp {
		case protocol.DecisionAccept:
			return sandbox.ParseMode(turn.SandboxPolicy), false, nil
		case protocol.DecisionAcceptForSession:
			cache.AcceptForSession(approval.CommandPrefix(item.Command))
			return sandbox.ParseMode(turn.SandboxPolicy), false, nil
		case protocol.DecisionCancel:
			// Cancel declines this command and aborts the enclosing turn
			// (spec §4.4).
			go func() { _ = r.CancelTurn(threadID, protocol.AbortReasonUser) }()
			return "", true, nil
		default: // Decline
			return "", true, nil
		}

	default:
		return "", true, nil
	}
}

func (r *Runner) requiresApproval(call ToolCall) bool {
	return aitools.RequiresApprovalForInvocation(call.Name, call.Args)
}

func requestedPermissions(call ToolCall) approval.RequestedSandboxPermissions {
	if v, _ := call.Args["sandbox_permissions"].(string); v == "with_additional_permissions" || v == "WithAdditionalPermissions" {
		return approval.RequestedPermissionsWithAdditional
	}
	return approval.RequestedPermissionsNone
}

// withSandboxMode returns a copy of call with the resolved sandbox mode
// injected for the handler to read (handlers never consult the approval
// engine themselves; the runner is the single place that decision is made).
func withSandboxMode(call ToolCall, mode sandbox.Mode) ToolCall {
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	out := make(map[string]any, len(call.Args)+1)
	for k, v := range call.Args {
		out[k] = v
	}
	out["__sandbox_mode"] = string(mode)
	call.Args = out
	return call
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c ToolCall) argv() []string {
	switch v := c.Args["command"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, _ := item.(string)
			out = append(out, s)
		}
		return out
	default:
		return []string{c.Name}
	}
}

func (r *Runner) threadItemsForTurn(threadID protocol.ThreadID, turnID protocol.TurnID) []*protocol.ThreadItem {
	turn, err := r.registry.Turn(turnID)
	if err != nil {
		return nil
	}
	items := make([]*protocol.ThreadItem, 0, len(turn.Items))
	for _, id := range turn.Items {
		if it, ok := r.registry.Item(id); ok {
			items = append(items, it)
		}
	}
	return items
}

func (r *Runner) finish(ctx context.Context, turn *protocol.Turn, status protocol.TurnStatus, abortReason string, err error) {
	now := time.Now()
	turn.Status = status
	turn.EndedAt = &now
	if status == protocol.TurnStatusAborted {
		turn.AbortedWhy = protocol.AbortReason(abortReason)
	}
	if err != nil {
		turn.Error = err.Error()
	}
	r.notifier.NotifyTurnCompleted(ctx, turn)
}
