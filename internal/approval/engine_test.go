package approval

import (
	"testing"

	"github.com/coderunner/agentd/internal/sandbox"
)

func TestEvaluateNeverRefusesDangerousCommand(t *testing.T) {
	t.Parallel()
	d := Evaluate([]string{"rm", "-rf", "/"}, PolicyNever, sandbox.ModeWorkspaceWrite, nil, RequestedPermissionsNone)
	if d.Kind != DecisionRefuse {
		t.Fatalf("want Refuse, got %v (%s)", d.Kind, d.Reason)
	}
}

func TestEvaluateNeverRunsSafeCommand(t *testing.T) {
	t.Parallel()
	d := Evaluate([]string{"ls", "-la"}, PolicyNever, sandbox.ModeReadOnly, nil, RequestedPermissionsNone)
	if d.Kind != DecisionRun {
		t.Fatalf("want Run, got %v", d.Kind)
	}
}

func TestEvaluateUnlessTrustedAllowsReadonlyPrefix(t *testing.T) {
	t.Parallel()
	d := Evaluate([]string{"git", "status"}, PolicyUnlessTrusted, sandbox.ModeWorkspaceWrite, nil, RequestedPermissionsNone)
	if d.Kind != DecisionRun {
		t.Fatalf("want Run for readonly git status, got %v", d.Kind)
	}
}

func TestEvaluateUnlessTrustedAsksForMutatingCommand(t *testing.T) {
	t.Parallel()
	d := Evaluate([]string{"git", "push", "--force"}, PolicyUnlessTrusted, sandbox.ModeWorkspaceWrite, nil, RequestedPermissionsNone)
	if d.Kind != DecisionAskUser {
		t.Fatalf("want AskUser, got %v", d.Kind)
	}
}

func TestSessionCacheSkipsPromptOnSecondCall(t *testing.T) {
	t.Parallel()
	cache := NewSessionCache()
	first := Evaluate([]string{"git", "push"}, PolicyUnlessTrusted, sandbox.ModeWorkspaceWrite, cache, RequestedPermissionsNone)
	if first.Kind != DecisionAskUser {
		t.Fatalf("want AskUser on first call, got %v", first.Kind)
	}
	cache.AcceptForSession(CommandPrefix([]string{"git", "push"}))

	second := Evaluate([]string{"git", "push"}, PolicyUnlessTrusted, sandbox.ModeWorkspaceWrite, cache, RequestedPermissionsNone)
	if second.Kind != DecisionRun {
		t.Fatalf("want Run after AcceptForSession, got %v", second.Kind)
	}
}

func TestEvaluateOnRequestPromptsOnlyWhenWidened(t *testing.T) {
	t.Parallel()
	base := Evaluate([]string{"npm", "install"}, PolicyOnRequest, sandbox.ModeWorkspaceWrite, nil, RequestedPermissionsNone)
	if base.Kind != DecisionRun {
		t.Fatalf("want Run under default sandbox, got %v", base.Kind)
	}
	widened := Evaluate([]string{"npm", "install"}, PolicyOnRequest, sandbox.ModeWorkspaceWrite, nil, RequestedPermissionsWithAdditional)
	if widened.Kind != DecisionAskUser {
		t.Fatalf("want AskUser when model requests widened scope, got %v", widened.Kind)
	}
}

func TestReconsiderAfterSandboxDeniedOnlyUnderOnFailure(t *testing.T) {
	t.Parallel()
	d := ReconsiderAfterSandboxDenied([]string{"make"}, PolicyOnFailure)
	if d.Kind != DecisionAskUser {
		t.Fatalf("want AskUser under OnFailure, got %v", d.Kind)
	}
	d2 := ReconsiderAfterSandboxDenied([]string{"make"}, PolicyNever)
	if d2.Kind != DecisionRefuse {
		t.Fatalf("want Refuse under Never, got %v", d2.Kind)
	}
}

func TestEvaluateFileChangeSessionCachePersists(t *testing.T) {
	t.Parallel()
	cache := NewSessionCache()
	d := EvaluateFileChange("/repo", PolicyOnRequest, cache)
	if d.Kind != DecisionAskUser {
		t.Fatalf("want AskUser, got %v", d.Kind)
	}
	cache.AcceptPathForSession("/repo")
	d2 := EvaluateFileChange("/repo/sub", PolicyOnRequest, cache)
	if d2.Kind != DecisionRun {
		t.Fatalf("want Run for nested path after session accept, got %v", d2.Kind)
	}
}
