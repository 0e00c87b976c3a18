package sandbox

import "strings"

// Mode is the OS-level isolation profile an exec runs under (spec §4.6).
type Mode string

const (
	ModeDangerFullAccess Mode = "danger-full-access"
	ModeReadOnly         Mode = "read-only"
	ModeWorkspaceWrite   Mode = "workspace-write"
	ModeExternalSandbox  Mode = "external-sandbox"
)

// ParseMode normalizes a policy string from config/overrides into a Mode,
// defaulting to the most restrictive profile on anything unrecognized.
func ParseMode(raw string) Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDangerFullAccess), "danger_full_access", "full-access":
		return ModeDangerFullAccess
	case string(ModeWorkspaceWrite), "workspace_write":
		return ModeWorkspaceWrite
	case string(ModeExternalSandbox), "external_sandbox":
		return ModeExternalSandbox
	case string(ModeReadOnly), "read_only", "":
		return ModeReadOnly
	default:
		return ModeReadOnly
	}
}

// Profile is the resolved, per-exec isolation configuration built by the
// approval engine's sandbox-widening logic (spec §4.4/§4.6) before the
// exec sandbox ever sees a command.
type Profile struct {
	Mode Mode

	// WritableRoots are absolute, canonicalized directories writes are
	// permitted under when Mode is WorkspaceWrite. Always includes cwd.
	WritableRoots []string

	// NetworkAccess allows outbound network under WorkspaceWrite.
	NetworkAccess bool

	// ExcludeTmpdir drops $TMPDIR/tmp from the writable set even though it
	// would otherwise be implicitly writable on most OSes.
	ExcludeTmpdir bool

	// ExternalSandboxBin wraps argv through an out-of-process sandbox
	// runner when Mode is ExternalSandbox (e.g. "bubblewrap", "sandbox-exec").
	ExternalSandboxBin string
}

// WithAdditionalRoots returns a copy of p with roots merged in and
// deduplicated, used when the approval engine grants a Widened scope
// (spec §4.4 OnRequest / §4.6 "composes the declared profile with the
// union of base writable roots, requested paths, canonicalized cwd").
func (p Profile) WithAdditionalRoots(roots ...string) Profile {
	out := p
	seen := make(map[string]struct{}, len(p.WritableRoots)+len(roots))
	merged := make([]string, 0, len(p.WritableRoots)+len(roots))
	for _, r := range append(append([]string{}, p.WritableRoots...), roots...) {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		merged = append(merged, r)
	}
	out.WritableRoots = merged
	return out
}
