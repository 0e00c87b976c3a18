package turnengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/coderunner/agentd/internal/config"
	aitools "github.com/coderunner/agentd/internal/tools"
)

// Tool outcome statuses surfaced on ToolResult.Status (spec §4.5 tool
// lifecycle: every dispatched call resolves to exactly one of these).
const (
	toolResultStatusSuccess = "success"
	toolResultStatusError   = "error"
	toolResultStatusAborted = "aborted"
	toolResultStatusTimeout = "timeout"
)

// originPriority breaks a same-Priority tool name collision by where the
// tool came from: a builtin always wins over an MCP server's tool of the
// same name, which wins over a skill-provided tool, which wins over a
// subagent-provided one. This mirrors how registerBuiltinTools loads
// first and MCP/skill/subagent tools are layered in afterward.
var originPriority = map[string]int{
	"builtin":  4,
	"mcp":      3,
	"skill":    2,
	"subagent": 1,
}

// toolBinding pairs one registered ToolDef with the handler that runs it.
type toolBinding struct {
	def     ToolDef
	handler ToolHandler
}

// toolLookup is the capability a ToolDispatcher needs beyond the
// ToolRegistry interface: resolving a call's name to a handler.
type toolLookup interface {
	ToolRegistry
	lookup(name string) (ToolDef, ToolHandler, bool)
}

// ToolTable is the in-process tool registry: every builtin, MCP, skill, and
// subagent tool a Runner can dispatch is registered here under one name.
type ToolTable struct {
	mu    sync.RWMutex
	tools map[string]toolBinding
}

func NewToolTable() *ToolTable {
	return &ToolTable{tools: make(map[string]toolBinding)}
}

// Register adds or replaces a tool binding. On a name collision the
// higher-Priority definition wins; ties break by originPriority. A tie at
// both levels is a configuration error, not a silent last-write-wins, since
// it usually means two MCP servers exported the same tool name.
func (t *ToolTable) Register(tool ToolDef, handler ToolHandler) error {
	if t == nil {
		return errors.New("nil tool table")
	}
	name := strings.TrimSpace(tool.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s missing handler", name)
	}
	tool.Name = name
	tool.Source = strings.ToLower(strings.TrimSpace(tool.Source))
	if tool.Source == "" {
		tool.Source = "builtin"
	}
	if tool.Namespace == "" {
		tool.Namespace = "builtin"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.tools[name]; ok {
		keepNew, err := resolveToolCollision(existing.def, tool)
		if err != nil {
			return err
		}
		if !keepNew {
			return nil
		}
	}
	t.tools[name] = toolBinding{def: tool, handler: handler}
	return nil
}

// resolveToolCollision decides whether candidate should replace existing
// under the same registered name.
func resolveToolCollision(existing ToolDef, candidate ToolDef) (bool, error) {
	if candidate.Priority != existing.Priority {
		return candidate.Priority > existing.Priority, nil
	}
	existingRank := originPriority[strings.ToLower(strings.TrimSpace(existing.Source))]
	candidateRank := originPriority[strings.ToLower(strings.TrimSpace(candidate.Source))]
	if candidateRank != existingRank {
		return candidateRank > existingRank, nil
	}
	return false, fmt.Errorf("tool registry conflict: %q registered twice at priority=%d source=%q",
		existing.Name, existing.Priority, existing.Source)
}

func (t *ToolTable) Unregister(name string) error {
	if t == nil {
		return errors.New("nil tool table")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("tool name is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tools, name)
	return nil
}

// Snapshot returns every registered tool, highest Priority first and
// alphabetical within a priority band, for a deterministic ActiveTools list.
func (t *ToolTable) Snapshot() []ToolDef {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ToolDef, 0, len(t.tools))
	for _, binding := range t.tools {
		out = append(out, binding.def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (t *ToolTable) lookup(name string) (ToolDef, ToolHandler, bool) {
	if t == nil {
		return ToolDef{}, nil, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ToolDef{}, nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	binding, ok := t.tools[name]
	if !ok {
		return ToolDef{}, nil, false
	}
	return binding.def, binding.handler, true
}

// DefaultModeToolFilter hides mutating tools from plan mode (spec §4.2:
// plan-mode turns may read and reason but never write).
type DefaultModeToolFilter struct{}

func (DefaultModeToolFilter) FilterToolsForMode(mode string, all []ToolDef) []ToolDef {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "act"
	}
	out := make([]ToolDef, 0, len(all))
	for _, tool := range all {
		if mode == "plan" && tool.Mutating {
			continue
		}
		out = append(out, tool)
	}
	return out
}

// ToolDispatcher resolves a turn's requested tool calls against the active
// tool set for the turn's mode, then runs them: parallel-safe, non-mutating
// calls concurrently under a bounded worker pool, everything else serially
// in request order, so two mutating calls from the same model turn never
// race each other.
type ToolDispatcher struct {
	table        toolLookup
	interceptors []ToolInterceptor
	modeFilter   ModeToolFilter
	workers      int
	log          *slog.Logger
	events       aitools.ToolEventSink
	cap          config.PermissionSet
}

func NewToolDispatcher(reg ToolRegistry, modeFilter ModeToolFilter, interceptors ...ToolInterceptor) (*ToolDispatcher, error) {
	table, ok := reg.(toolLookup)
	if !ok {
		return nil, errors.New("tool registry does not support lookup")
	}
	if modeFilter == nil {
		modeFilter = DefaultModeToolFilter{}
	}
	return &ToolDispatcher{
		table:        table,
		interceptors: append([]ToolInterceptor(nil), interceptors...),
		modeFilter:   modeFilter,
		workers:      2,
		log:          slog.Default(),
		events:       aitools.NullEventSink{},
		cap:          config.PermissionSet{Read: true, Write: true, Execute: true},
	}, nil
}

// WithPermissionCap sets the permission ceiling dispatched calls are checked
// against. Only cap.Write is enforced: a mutating tool call is rejected up
// front when cap.Write is false, independent of any per-thread approval
// decision. cap.Read and cap.Execute are not consulted.
func (d *ToolDispatcher) WithPermissionCap(cap config.PermissionSet) *ToolDispatcher {
	if d == nil {
		return d
	}
	d.cap = cap
	return d
}

// WithLogger attaches a scoped logger, so tool execution failures show up
// under the same component tag as the rest of the turn engine's logging.
func (d *ToolDispatcher) WithLogger(log *slog.Logger) *ToolDispatcher {
	if d == nil || log == nil {
		return d
	}
	d.log = log
	return d
}

// WithEventSink attaches a tool-lifecycle event sink; every dispatched call
// emits a begin event and a matching end or error event through it.
func (d *ToolDispatcher) WithEventSink(sink aitools.ToolEventSink) *ToolDispatcher {
	if d == nil || sink == nil {
		return d
	}
	d.events = sink
	return d
}

type runIDCtxKey struct{}

// WithRunID stamps the turn/run identifier a Dispatch call should attach to
// every ToolEvent it emits during that call.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDCtxKey{}, runID)
}

func runIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runIDCtxKey{}).(string); ok {
		return v
	}
	return ""
}

func (d *ToolDispatcher) ActiveTools(mode string) []ToolDef {
	if d == nil || d.table == nil {
		return nil
	}
	return d.modeFilter.FilterToolsForMode(mode, d.table.Snapshot())
}

func (d *ToolDispatcher) HandlePartial(ctx context.Context, partial PartialToolCall) error {
	if d == nil || d.table == nil {
		return errors.New("nil tool dispatcher")
	}
	_, handler, ok := d.table.lookup(strings.TrimSpace(partial.Name))
	if !ok {
		return fmt.Errorf("unknown tool %q", strings.TrimSpace(partial.Name))
	}
	return handler.HandlePartial(ctx, partial)
}

// plannedCall is one call after admission checks (name known, handler
// resolved, args schema-valid), ready to run.
type plannedCall struct {
	index   int
	call    ToolCall
	def     ToolDef
	handler ToolHandler
}

// Dispatch admits every call against the mode's active tool set, then runs
// the admitted ones: parallel-safe batch first (bounded concurrency), then
// the serial batch in order. Results preserve the caller's input order
// regardless of which batch or goroutine produced them.
func (d *ToolDispatcher) Dispatch(ctx context.Context, mode string, calls []ToolCall) []ToolResult {
	if d == nil || d.table == nil {
		return []ToolResult{{Status: toolResultStatusError, Summary: "tool.scheduler_error", Details: "tool dispatcher unavailable"}}
	}
	if len(calls) == 0 {
		return nil
	}

	active := make(map[string]ToolDef, len(calls))
	for _, def := range d.ActiveTools(mode) {
		active[strings.TrimSpace(def.Name)] = def
	}

	results := make([]ToolResult, len(calls))
	var concurrent, sequential []plannedCall

	for idx, call := range calls {
		planned, rejection := d.admit(ctx, idx, call, active)
		if rejection != nil {
			results[idx] = *rejection
			continue
		}
		if planned.def.ParallelSafe && !planned.def.Mutating {
			concurrent = append(concurrent, planned)
		} else {
			sequential = append(sequential, planned)
		}
	}

	run := func(p plannedCall) {
		results[p.index] = d.executeOne(ctx, p.call, p.def, p.handler)
	}

	d.runConcurrent(ctx, concurrent, results, run)
	for _, p := range sequential {
		run(p)
	}

	for i := range results {
		if strings.TrimSpace(results[i].Status) == "" {
			results[i] = ToolResult{ToolID: calls[i].ID, ToolName: calls[i].Name, Status: toolResultStatusAborted, Summary: "tool.aborted", Details: "tool not dispatched"}
		}
	}
	return results
}

// admit validates one call against the active tool set, its handler's own
// Validate, and its JSON-schema args before it is allowed onto either
// execution batch. A non-nil *ToolResult return means the call was
// rejected and planned is unused.
func (d *ToolDispatcher) admit(ctx context.Context, idx int, call ToolCall, active map[string]ToolDef) (plannedCall, *ToolResult) {
	call.Name = strings.TrimSpace(call.Name)
	if call.Name == "" {
		return plannedCall{}, &ToolResult{ToolID: call.ID, Status: toolResultStatusError, Summary: "tool.argument_error", Details: "missing tool name"}
	}
	def, ok := active[call.Name]
	if !ok {
		return plannedCall{}, &ToolResult{ToolID: call.ID, ToolName: call.Name, Status: toolResultStatusError, Summary: "tool.argument_error", Details: fmt.Sprintf("unknown or disabled tool: %s", call.Name)}
	}
	if def.Mutating && !d.cap.Write {
		toolErr := aitools.ClassifyError(aitools.ToolInvocation{ToolName: call.Name, Args: call.Args}, fmt.Errorf("permission denied: write capability disabled by local permission policy"))
		return plannedCall{}, &ToolResult{ToolID: call.ID, ToolName: call.Name, Status: toolResultStatusError, Summary: "tool.permission_denied", Details: toolErr.Message, Error: toolErr}
	}
	_, handler, ok := d.table.lookup(call.Name)
	if !ok || handler == nil {
		return plannedCall{}, &ToolResult{ToolID: call.ID, ToolName: call.Name, Status: toolResultStatusError, Summary: "tool.argument_error", Details: fmt.Sprintf("tool handler missing: %s", call.Name)}
	}
	if err := validateToolArgs(def, call.Args); err != nil {
		return plannedCall{}, &ToolResult{ToolID: call.ID, ToolName: call.Name, Status: toolResultStatusError, Summary: "tool.argument_error", Details: err.Error()}
	}
	if err := handler.Validate(ctx, call); err != nil {
		return plannedCall{}, &ToolResult{ToolID: call.ID, ToolName: call.Name, Status: toolResultStatusError, Summary: "tool.argument_error", Details: err.Error()}
	}
	return plannedCall{index: idx, call: call, def: def, handler: handler}, nil
}

func (d *ToolDispatcher) runConcurrent(ctx context.Context, items []plannedCall, results []ToolResult, run func(plannedCall)) {
	if len(items) == 0 {
		return
	}
	limit := d.workers
	if limit <= 0 {
		limit = 2
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, item := range items {
		item := item
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				run(item)
			case <-ctx.Done():
				results[item.index] = ToolResult{ToolID: item.call.ID, ToolName: item.call.Name, Status: toolResultStatusAborted, Summary: "tool.aborted", Details: "tool execution canceled"}
			}
		}()
	}
	wg.Wait()
}

func (d *ToolDispatcher) executeOne(ctx context.Context, call ToolCall, def ToolDef, handler ToolHandler) ToolResult {
	runID := runIDFromContext(ctx)
	d.events.Emit(aitools.NewToolEvent(aitools.ToolEventBegin, runID, call.ID, call.Name, nil))

	result := d.executeOneInner(ctx, call, def, handler)

	if result.Status == toolResultStatusError {
		d.events.Emit(aitools.NewToolEvent(aitools.ToolEventError, runID, call.ID, call.Name, map[string]any{"summary": result.Summary}))
	} else {
		d.events.Emit(aitools.NewToolEvent(aitools.ToolEventEnd, runID, call.ID, call.Name, map[string]any{"status": result.Status}))
	}
	return result
}

func (d *ToolDispatcher) executeOneInner(ctx context.Context, call ToolCall, def ToolDef, handler ToolHandler) ToolResult {
	if err := ctx.Err(); err != nil {
		return ToolResult{ToolID: call.ID, ToolName: call.Name, Status: toolResultStatusAborted, Summary: "tool.aborted", Details: err.Error()}
	}

	patched := call
	for _, interceptor := range d.interceptors {
		if interceptor == nil {
			continue
		}
		nextCall, err := interceptor.BeforeExec(ctx, patched)
		if err != nil {
			return ToolResult{ToolID: call.ID, ToolName: call.Name, Status: toolResultStatusError, Summary: "tool.before_exec_error", Details: err.Error()}
		}
		patched = nextCall
	}

	result, err := handler.Execute(ctx, patched)
	if err != nil {
		return d.classifyExecError(call, err)
	}

	result.ToolID = call.ID
	result.ToolName = call.Name
	if strings.TrimSpace(result.Status) == "" {
		result.Status = toolResultStatusSuccess
	}
	for _, interceptor := range d.interceptors {
		if interceptor == nil {
			continue
		}
		nextResult, err := interceptor.AfterExec(ctx, patched, result)
		if err != nil {
			return ToolResult{ToolID: call.ID, ToolName: call.Name, Status: toolResultStatusError, Summary: "tool.after_exec_error", Details: err.Error()}
		}
		result = nextResult
	}
	return result
}

func (d *ToolDispatcher) classifyExecError(call ToolCall, err error) ToolResult {
	if errors.Is(err, context.Canceled) {
		return ToolResult{ToolID: call.ID, ToolName: call.Name, Status: toolResultStatusAborted, Summary: "tool.aborted", Details: "tool execution canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ToolResult{ToolID: call.ID, ToolName: call.Name, Status: toolResultStatusTimeout, Summary: "tool.timeout", Details: "tool execution timed out"}
	}
	if toolErr := aitools.ClassifyError(aitools.ToolInvocation{ToolName: call.Name, Args: call.Args}, err); toolErr != nil {
		if d.log != nil {
			d.log.Warn("tool execution failed", "tool", call.Name, "error", toolErr.Message)
		}
		return ToolResult{ToolID: call.ID, ToolName: call.Name, Status: toolResultStatusError, Summary: "tool.error", Details: toolErr.Message, Error: toolErr}
	}
	if d.log != nil {
		d.log.Warn("tool execution failed", "tool", call.Name, "error", err)
	}
	return ToolResult{ToolID: call.ID, ToolName: call.Name, Status: toolResultStatusError, Summary: "tool.error", Details: err.Error()}
}

// validateToolArgs checks call args against a tool's JSON Schema, limited to
// "required" and top-level "type" -- enough to reject obviously malformed
// model output before it reaches a handler.
func validateToolArgs(def ToolDef, args map[string]any) error {
	if len(def.InputSchema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	var schema map[string]any
	if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
		return nil
	}
	if req, ok := schema["required"].([]any); ok {
		for _, item := range req {
			name, _ := item.(string)
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, exists := args[name]; !exists {
				return fmt.Errorf("missing required field: %s", name)
			}
		}
	}
	properties, _ := schema["properties"].(map[string]any)
	for key, val := range args {
		propRaw, ok := properties[key]
		if !ok {
			continue
		}
		prop, _ := propRaw.(map[string]any)
		typeName, _ := prop["type"].(string)
		typeName = strings.TrimSpace(typeName)
		if typeName == "" {
			continue
		}
		if !matchesSchemaType(typeName, val) {
			return fmt.Errorf("invalid type for %s: expected %s", key, typeName)
		}
	}
	return nil
}

func matchesSchemaType(typeName string, v any) bool {
	typeName = strings.ToLower(strings.TrimSpace(typeName))
	switch typeName {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer", "number":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float64, float32:
			return true
		default:
			return false
		}
	case "object":
		return reflect.TypeOf(v) != nil && reflect.TypeOf(v).Kind() == reflect.Map
	case "array":
		kind := reflect.TypeOf(v)
		return kind != nil && (kind.Kind() == reflect.Slice || kind.Kind() == reflect.Array)
	default:
		return true
	}
}
