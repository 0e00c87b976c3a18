// Package approval implements the approval and sandbox policy engine
// (spec §4.4): a pure, deterministic function of (argv, approval_policy,
// sandbox_policy, session_cache, exec_policy_rules, requested_sandbox_permissions)
// that decides whether a tool call runs, runs sandboxed, is escalated to
// the user, or is refused outright.
package approval

import (
	"strings"

	"github.com/coderunner/agentd/internal/sandbox"
	"github.com/coderunner/agentd/internal/tools"
)

// Policy is spec §4.4's approval_policy.
type Policy string

const (
	PolicyNever          Policy = "never"
	PolicyUnlessTrusted  Policy = "unless-trusted"
	PolicyOnFailure      Policy = "on-failure"
	PolicyOnRequest      Policy = "on-request"
)

// ParsePolicy normalizes a config/override string, defaulting to OnRequest
// (run under the declared sandbox, ask the user only when the model requests
// widened permissions) on an empty or unrecognized value.
func ParsePolicy(raw string) Policy {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "_", "-")) {
	case string(PolicyNever):
		return PolicyNever
	case string(PolicyUnlessTrusted), "untrusted":
		return PolicyUnlessTrusted
	case string(PolicyOnFailure):
		return PolicyOnFailure
	case string(PolicyOnRequest), "":
		return PolicyOnRequest
	default:
		return PolicyOnRequest
	}
}

// RequestedSandboxPermissions is the model's per-call escalation request
// under OnRequest (spec §4.4).
type RequestedSandboxPermissions string

const (
	RequestedPermissionsNone                RequestedSandboxPermissions = ""
	RequestedPermissionsWithAdditional      RequestedSandboxPermissions = "with-additional-permissions"
)

// DecisionKind discriminates the engine's four possible outcomes.
type DecisionKind string

const (
	DecisionRun                  DecisionKind = "run"
	DecisionAskUser              DecisionKind = "ask-user"
	DecisionRefuse               DecisionKind = "refuse"
	DecisionRunAndCacheForSession DecisionKind = "run-and-cache-for-session"
)

// Decision is the engine's output for one exec.
type Decision struct {
	Kind    DecisionKind
	Sandbox sandbox.Mode
	Reason  string

	// ItemFields, populated only for AskUser, are what the caller forwards
	// verbatim into CommandExecutionRequestApprovalParams.
	CommandActions     []string
	ProposedAmendment  string
}

// Evaluate is the pure decision function (spec §4.4's table). argv is the
// canonicalized command; cache is the thread-owned session allow-list;
// baseSandbox is the thread/turn's declared sandbox policy.
func Evaluate(argv []string, policy Policy, baseSandbox sandbox.Mode, cache *SessionCache, requested RequestedSandboxPermissions) Decision {
	risk := tools.ClassifyTerminalCommandRisk(strings.Join(argv, " "))
	prefix := CommandPrefix(argv)

	if cache != nil && cache.Allows(prefix) {
		return Decision{Kind: DecisionRun, Sandbox: baseSandbox, Reason: "session-allow-list"}
	}

	switch policy {
	case PolicyNever:
		// Never elicit. Run under the declared sandbox; a command that
		// would need escalation is refused outright (spec §4.4).
		if risk == tools.TerminalCommandRiskDangerous {
			return Decision{Kind: DecisionRefuse, Reason: "policy_never_blocks_dangerous_command"}
		}
		return Decision{Kind: DecisionRun, Sandbox: baseSandbox, Reason: "policy_never"}

	case PolicyUnlessTrusted:
		if risk == tools.TerminalCommandRiskReadonly {
			return Decision{Kind: DecisionRun, Sandbox: baseSandbox, Reason: "allow_listed_readonly_prefix"}
		}
		return Decision{Kind: DecisionAskUser, Reason: "not_allow_listed", CommandActions: argv}

	case PolicyOnFailure:
		// Run under the sandbox; a SandboxDenied failure re-asks the user
		// to approve unsandboxed (handled by the caller via
		// ReconsiderAfterSandboxDenied, not here, since that transition is
		// only knowable after the exec sandbox actually runs the command).
		return Decision{Kind: DecisionRun, Sandbox: baseSandbox, Reason: "policy_on_failure"}

	case PolicyOnRequest:
		if requested == RequestedPermissionsWithAdditional {
			return Decision{Kind: DecisionAskUser, Reason: "model_requested_widened_scope", CommandActions: argv}
		}
		return Decision{Kind: DecisionRun, Sandbox: baseSandbox, Reason: "policy_on_request_default_sandbox"}

	default:
		return Decision{Kind: DecisionAskUser, Reason: "unknown_policy", CommandActions: argv}
	}
}

// ReconsiderAfterSandboxDenied implements §4.4's OnFailure escalation path:
// the sandboxed run was denied by the profile, so the engine asks the user
// to approve an unsandboxed retry.
func ReconsiderAfterSandboxDenied(argv []string, policy Policy) Decision {
	if policy != PolicyOnFailure {
		return Decision{Kind: DecisionRefuse, Reason: "sandbox_denied"}
	}
	return Decision{Kind: DecisionAskUser, Reason: "sandbox_denied_retry_unsandboxed", CommandActions: argv}
}

// EvaluateFileChange is the file-change variant of Evaluate (spec §4.4
// "File changes use the same framework, keyed by repository-normalized
// paths"). root is the repo-normalized path root for the change set.
func EvaluateFileChange(root string, policy Policy, cache *SessionCache) Decision {
	if cache != nil && cache.AllowsPath(root) {
		return Decision{Kind: DecisionRun, Reason: "session-allow-list"}
	}
	if policy == PolicyNever {
		return Decision{Kind: DecisionRun, Reason: "policy_never"}
	}
	return Decision{Kind: DecisionAskUser, Reason: "file_change_requires_approval"}
}

// CommandPrefix canonicalizes argv into the cache key: the command verb
// plus its first non-flag argument, e.g. ["git","push","--force"] ->
// "git push". Unwraps the same shell wrappers command_policy.go already
// recognizes so `bash -lc "git push"` caches under the same prefix as a
// direct `git push` invocation.
func CommandPrefix(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	cmd := tools.NormalizeTerminalCommand(strings.Join(argv, " "))
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	for _, f := range fields[1:] {
		if !strings.HasPrefix(f, "-") {
			return fields[0] + " " + f
		}
	}
	return fields[0]
}
