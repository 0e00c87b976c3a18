package tools

import (
	"log/slog"
	"time"
)

// ToolEventKind is a normalized point in one tool call's lifecycle.
type ToolEventKind string

const (
	ToolEventBegin    ToolEventKind = "tool.begin"
	ToolEventEnd      ToolEventKind = "tool.end"
	ToolEventError    ToolEventKind = "tool.error"
	ToolEventRecovery ToolEventKind = "tool.recovery"
)

// ToolEvent is one lifecycle point for one dispatched tool call, emitted by
// a ToolEventSink consumer (logging, metrics, or a notification stream).
type ToolEvent struct {
	Kind     ToolEventKind  `json:"kind"`
	RunID    string         `json:"run_id"`
	ToolID   string         `json:"tool_id"`
	ToolName string         `json:"tool_name"`
	AtUnixMs int64          `json:"at_unix_ms"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func NewToolEvent(kind ToolEventKind, runID, toolID, toolName string, payload map[string]any) ToolEvent {
	return ToolEvent{
		Kind:     kind,
		RunID:    runID,
		ToolID:   toolID,
		ToolName: toolName,
		AtUnixMs: time.Now().UnixMilli(),
		Payload:  payload,
	}
}

// ToolEventSink receives every ToolEvent a dispatcher emits. Implementations
// must not block the dispatching goroutine for long; a slow sink should
// buffer or drop rather than stall tool execution.
type ToolEventSink interface {
	Emit(ToolEvent)
}

// LogEventSink forwards tool events to a structured logger, one line per
// lifecycle point, at a level appropriate to the event kind.
type LogEventSink struct {
	Log *slog.Logger
}

func NewLogEventSink(log *slog.Logger) *LogEventSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogEventSink{Log: log}
}

func (s *LogEventSink) Emit(ev ToolEvent) {
	if s == nil || s.Log == nil {
		return
	}
	attrs := []any{"tool", ev.ToolName, "tool_id", ev.ToolID, "run_id", ev.RunID}
	switch ev.Kind {
	case ToolEventError:
		s.Log.Warn("tool event", append(attrs, "kind", string(ev.Kind))...)
	default:
		s.Log.Debug("tool event", append(attrs, "kind", string(ev.Kind))...)
	}
}

// NullEventSink discards every event; the zero value of ToolEventSink usage
// when no sink is configured.
type NullEventSink struct{}

func (NullEventSink) Emit(ToolEvent) {}
