package tools

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestClassifyError_InvalidPathProducesNormalizedArgs(t *testing.T) {
	t.Parallel()

	inv := ToolInvocation{
		ToolName: "read_file",
		Args: map[string]any{
			"path": "/tmp/workspace/../workspace/docs/",
		},
	}
	toolErr := ClassifyError(inv, errors.New("invalid path"))
	if toolErr == nil {
		t.Fatalf("expected tool error")
	}
	if toolErr.Code != ErrorCodeInvalidPath {
		t.Fatalf("code=%q, want=%q", toolErr.Code, ErrorCodeInvalidPath)
	}
	if !toolErr.Retryable {
		t.Fatalf("retryable=false, want true")
	}
	want := filepath.Clean("/tmp/workspace/docs")
	if got := toolErr.NormalizedArgs["path"]; got != want {
		t.Fatalf("normalized path=%v, want=%v", got, want)
	}
}

func TestClassifyError_InvalidPathNormalizesRelativePath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	inv := ToolInvocation{
		ToolName:   "terminal.exec",
		WorkingDir: root,
		Args: map[string]any{
			"cwd": "docs",
		},
	}
	toolErr := ClassifyError(inv, errors.New("path must be absolute"))
	if toolErr == nil {
		t.Fatalf("expected tool error")
	}
	if toolErr.Code != ErrorCodeInvalidPath {
		t.Fatalf("code=%q, want=%q", toolErr.Code, ErrorCodeInvalidPath)
	}
	want := filepath.Clean(filepath.Join(root, "docs"))
	if got := toolErr.NormalizedArgs["cwd"]; got != want {
		t.Fatalf("normalized cwd=%v, want=%v", got, want)
	}
	if _, ok := toolErr.NormalizedArgs["stdin"]; ok {
		t.Fatalf("normalized args must never carry stdin")
	}
}

func TestClassifyError_NotFound(t *testing.T) {
	t.Parallel()

	toolErr := ClassifyError(ToolInvocation{ToolName: "read_file"}, errors.New("not found"))
	if toolErr == nil {
		t.Fatalf("expected tool error")
	}
	if toolErr.Code != ErrorCodeNotFound {
		t.Fatalf("code=%q, want=%q", toolErr.Code, ErrorCodeNotFound)
	}
	if toolErr.Retryable {
		t.Fatalf("retryable=true, want false")
	}
}

func TestClassifyError_PermissionDenied(t *testing.T) {
	t.Parallel()

	toolErr := ClassifyError(ToolInvocation{ToolName: "shell"}, errors.New("permission denied: sandbox policy"))
	if toolErr == nil {
		t.Fatalf("expected tool error")
	}
	if toolErr.Code != ErrorCodePermissionDenied {
		t.Fatalf("code=%q, want=%q", toolErr.Code, ErrorCodePermissionDenied)
	}
	if toolErr.Retryable {
		t.Fatalf("retryable=true, want false")
	}
	if len(toolErr.NormalizedArgs) != 0 {
		t.Fatalf("normalized args should be empty for permission_denied, got %v", toolErr.NormalizedArgs)
	}
}

func TestClassifyError_ViewImageNormalizesPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	inv := ToolInvocation{
		ToolName:   "view_image",
		WorkingDir: root,
		Args:       map[string]any{"path": "~/"},
	}
	toolErr := ClassifyError(inv, errors.New("invalid cwd"))
	if toolErr == nil || toolErr.Code != ErrorCodeInvalidPath {
		t.Fatalf("toolErr=%+v, want invalid_path", toolErr)
	}
	if _, ok := toolErr.NormalizedArgs["path"]; !ok {
		t.Fatalf("expected normalized path for view_image, got %v", toolErr.NormalizedArgs)
	}
}

func TestShouldRetryWithNormalizedArgs(t *testing.T) {
	t.Parallel()

	toolErr := &ToolError{
		Code:      ErrorCodeInvalidPath,
		Message:   "path must be absolute",
		Retryable: true,
		NormalizedArgs: map[string]any{
			"path": "/tmp/workspace",
		},
	}
	if !ShouldRetryWithNormalizedArgs(toolErr) {
		t.Fatalf("expected retry with normalized args")
	}
}

func TestShouldRetryWithNormalizedArgs_NotFound(t *testing.T) {
	t.Parallel()

	toolErr := &ToolError{
		Code:      ErrorCodeNotFound,
		Message:   "not found",
		Retryable: true,
		NormalizedArgs: map[string]any{
			"path": "/tmp/workspace",
		},
	}
	if ShouldRetryWithNormalizedArgs(toolErr) {
		t.Fatalf("did not expect normalized retry for not found")
	}
}
