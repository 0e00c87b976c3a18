package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ToolInvocation carries the minimum context ClassifyError needs to turn a
// raw handler error into a structured ToolError with retry/normalization
// hints: which tool ran, with what args, against which working directory.
type ToolInvocation struct {
	ToolName   string
	Args       map[string]any
	WorkingDir string
}

// classificationRule maps a substring of a lowercased error message onto a
// ToolError shape. Rules are checked in order; the first match wins.
type classificationRule struct {
	contains       []string
	code           ErrorCode
	retryable      bool
	suggestedFixes []string
}

var classificationRules = []classificationRule{
	{
		contains:       []string{"permission denied"},
		code:           ErrorCodePermissionDenied,
		retryable:      false,
		suggestedFixes: []string{"Request the required permission or switch to an authorized tool."},
	},
	{
		contains:  []string{"must be absolute", "invalid path", "invalid cwd"},
		code:      ErrorCodeInvalidPath,
		retryable: true,
		suggestedFixes: []string{
			"Use a valid filesystem path.",
			"Relative paths are resolved against the tool call's cwd; '~/' resolves to the current user home directory.",
		},
	},
	{
		contains:       []string{"not found"},
		code:           ErrorCodeNotFound,
		retryable:      false,
		suggestedFixes: []string{"Verify the absolute path exists.", "List the parent directory before retrying."},
	},
	{
		contains:       []string{"timed out"},
		code:           ErrorCodeTimeout,
		retryable:      true,
		suggestedFixes: []string{"Retry with a smaller scope.", "Increase the tool's timeout when safe."},
	},
}

// ClassifyError turns a handler's raw error into a ToolError: a stable code,
// a retry hint, and (for path errors) a normalized_args payload the runner
// can feed back into exactly one deterministic retry.
func ClassifyError(inv ToolInvocation, err error) *ToolError {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		out := &ToolError{Code: ErrorCodeCanceled, Message: "Canceled", Retryable: false}
		out.Normalize()
		return out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		out := &ToolError{
			Code:           ErrorCodeTimeout,
			Message:        "Timed out",
			Retryable:      true,
			SuggestedFixes: []string{"Retry with a smaller scope.", "Increase timeout when safe."},
		}
		out.Normalize()
		return out
	}

	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "Tool failed"
	}
	lower := strings.ToLower(msg)

	out := &ToolError{Code: ErrorCodeUnknown, Message: msg, Retryable: false}
	for _, rule := range classificationRules {
		if !matchesAny(lower, rule.contains) {
			continue
		}
		out.Code = rule.code
		out.Retryable = rule.retryable
		out.SuggestedFixes = append([]string(nil), rule.suggestedFixes...)
		break
	}

	if normalized := normalizeArgs(inv); len(normalized) > 0 && out.Code == ErrorCodeInvalidPath {
		out.NormalizedArgs = normalized
		out.Retryable = true
		out.SuggestedFixes = append(out.SuggestedFixes, "Retry once using normalized_args from the tool error payload.")
	}
	out.Normalize()
	return out
}

func matchesAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// normalizeArgs rewrites a failed call's path-bearing args against
// WorkingDir (tilde expansion, relative-to-cwd join, Clean) so a caller can
// retry once with corrected paths instead of guessing. Only tools known to
// accept a cwd/workdir argument are rewritten; everything else returns nil.
func normalizeArgs(inv ToolInvocation) map[string]any {
	args := inv.Args
	if args == nil {
		return nil
	}

	clone := cloneMap(args)
	changed := false

	tryNormalizePath := func(key string) {
		raw := strings.TrimSpace(anyToString(clone[key]))
		if raw == "" {
			return
		}
		next, ok := normalizePathValue(raw, inv.WorkingDir)
		if !ok || next == raw {
			return
		}
		clone[key] = next
		changed = true
	}

	switch strings.TrimSpace(inv.ToolName) {
	case "terminal.exec", "shell":
		tryNormalizePath("cwd")
		tryNormalizePath("workdir")
		// Never persist a stdin/command body in normalized args; it may
		// carry secrets the caller typed into the command itself.
		delete(clone, "stdin")
	case "read_file", "view_image":
		tryNormalizePath("path")
	default:
		return nil
	}

	if !changed {
		return nil
	}
	return clone
}

func normalizePathValue(raw string, workingDir string) (string, bool) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", false
	}
	original := candidate
	if candidate == "~" || strings.HasPrefix(candidate, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false
		}
		home = strings.TrimSpace(home)
		if home == "" {
			return "", false
		}
		if candidate == "~" {
			candidate = home
		} else {
			candidate = filepath.Join(home, strings.TrimPrefix(candidate, "~/"))
		}
	}
	if !filepath.IsAbs(candidate) {
		base := strings.TrimSpace(workingDir)
		if base == "" {
			return "", false
		}
		base = filepath.Clean(base)
		if !filepath.IsAbs(base) {
			return "", false
		}
		candidate = filepath.Join(base, candidate)
	}
	clean := filepath.Clean(candidate)
	if clean == "" || clean == original {
		return "", false
	}
	return clean, true
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func anyToString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return ""
	}
}

// ShouldRetryWithNormalizedArgs reports whether the caller should perform
// one deterministic retry using toolErr.NormalizedArgs.
func ShouldRetryWithNormalizedArgs(toolErr *ToolError) bool {
	if toolErr == nil || !toolErr.Retryable || len(toolErr.NormalizedArgs) == 0 {
		return false
	}
	return toolErr.Code == ErrorCodeInvalidPath
}

func MergeNormalizedArgs(args map[string]any, normalized map[string]any) map[string]any {
	if len(normalized) == 0 {
		return cloneMap(args)
	}
	out := cloneMap(args)
	for k, v := range normalized {
		out[k] = v
	}
	return out
}

func ErrFromToolError(toolErr *ToolError) error {
	if toolErr == nil {
		return nil
	}
	toolErr.Normalize()
	return errors.New(toolErr.Message)
}
