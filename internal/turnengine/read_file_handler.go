package turnengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadFileHandler implements "read_file": a 1-indexed, line-range slice of
// a workspace file (spec §4.5's read_file tool).
type ReadFileHandler struct {
	DefaultCwd string
	MaxBytes   int
}

func NewReadFileHandler(defaultCwd string) *ReadFileHandler {
	return &ReadFileHandler{DefaultCwd: defaultCwd, MaxBytes: 256 * 1024}
}

func (h *ReadFileHandler) Validate(ctx context.Context, call ToolCall) error {
	if asString(call.Args["path"]) == "" {
		return fmt.Errorf("read_file: path is required")
	}
	return nil
}

func (h *ReadFileHandler) HandlePartial(ctx context.Context, partial PartialToolCall) error {
	return nil
}

func (h *ReadFileHandler) Execute(ctx context.Context, call ToolCall) (ToolResult, error) {
	path := asString(call.Args["path"])
	if !filepath.IsAbs(path) {
		path = filepath.Join(h.DefaultCwd, path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return ToolResult{}, err
	}
	if len(raw) > h.MaxBytes {
		raw = raw[:h.MaxBytes]
	}

	lines := strings.Split(string(raw), "\n")
	offset := intArg(call.Args["offset"], 1)
	limit := intArg(call.Args["limit"], len(lines))
	if offset < 1 {
		offset = 1
	}
	start := offset - 1
	if start > len(lines) {
		start = len(lines)
	}
	end := start + limit
	if end > len(lines) {
		end = len(lines)
	}
	slice := lines[start:end]

	return ToolResult{
		Status:  toolResultStatusSuccess,
		Summary: fmt.Sprintf("%d line(s) read from %s", len(slice), path),
		Details: strings.Join(slice, "\n"),
		Output: map[string]any{
			"path":        path,
			"start_line":  start + 1,
			"total_lines": len(lines),
		},
	}, nil
}

func intArg(v any, def int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}
