package config

import (
	"errors"
	"fmt"
	"strings"
)

const permissionPolicySchemaVersionV1 = 1

// PermissionPolicy is the local ceiling on what any thread's approval and
// sandbox settings are allowed to grant, independent of what a thread
// config or a connected client requests. It exists so an operator can run
// agentd with, say, read-only tool access enforced no matter what policy a
// client asks the thread to run under.
type PermissionPolicy struct {
	SchemaVersion int `json:"schema_version"`

	// LocalMax is the global cap. It must be present for schema_version=1.
	LocalMax *PermissionSet `json:"local_max"`

	// ByUser and ByWorkspace are optional additional caps. They can only
	// further reduce LocalMax, never raise it.
	ByUser      map[string]*PermissionSet `json:"by_user,omitempty"`
	ByWorkspace map[string]*PermissionSet `json:"by_workspace,omitempty"`
}

// PermissionSet is the read/write/execute cap applied to one thread.
type PermissionSet struct {
	Read    bool `json:"read"`
	Write   bool `json:"write"`
	Execute bool `json:"execute"`
}

func (p PermissionSet) Intersect(other PermissionSet) PermissionSet {
	return PermissionSet{
		Read:    p.Read && other.Read,
		Write:   p.Write && other.Write,
		Execute: p.Execute && other.Execute,
	}
}

func defaultPermissionSet() PermissionSet {
	return PermissionSet{Read: true, Write: true, Execute: true}
}

func defaultPermissionPolicy() *PermissionPolicy {
	d := defaultPermissionSet()
	return &PermissionPolicy{
		SchemaVersion: permissionPolicySchemaVersionV1,
		LocalMax:      &d,
	}
}

func (p *PermissionPolicy) Validate() error {
	if p == nil {
		return nil
	}
	if p.SchemaVersion != permissionPolicySchemaVersionV1 {
		return fmt.Errorf("unsupported schema_version: %d", p.SchemaVersion)
	}
	if p.LocalMax == nil {
		return errors.New("missing local_max")
	}
	return nil
}

// ResolveCap returns the effective cap for a thread owned by userID and
// rooted at workspace: start from LocalMax, intersect with ByUser[userID]
// if present, then with ByWorkspace[workspace] if present.
func (p *PermissionPolicy) ResolveCap(userID string, workspace string) PermissionSet {
	if p == nil || p.LocalMax == nil {
		return defaultPermissionSet()
	}
	resolved := *p.LocalMax

	userID = strings.TrimSpace(userID)
	if userID != "" && p.ByUser != nil {
		if u := p.ByUser[userID]; u != nil {
			resolved = resolved.Intersect(*u)
		}
	}

	workspace = strings.TrimSpace(workspace)
	if workspace != "" && p.ByWorkspace != nil {
		if w := p.ByWorkspace[workspace]; w != nil {
			resolved = resolved.Intersect(*w)
		}
	}

	return resolved
}

func ParsePermissionPolicyPreset(preset string) (*PermissionPolicy, error) {
	p := strings.ToLower(strings.TrimSpace(preset))
	p = strings.ReplaceAll(p, "-", "_")

	switch p {
	case "":
		return defaultPermissionPolicy(), nil
	case "execute_read":
		s := PermissionSet{Read: true, Write: false, Execute: true}
		return &PermissionPolicy{SchemaVersion: permissionPolicySchemaVersionV1, LocalMax: &s}, nil
	case "read_only":
		s := PermissionSet{Read: true, Write: false, Execute: false}
		return &PermissionPolicy{SchemaVersion: permissionPolicySchemaVersionV1, LocalMax: &s}, nil
	case "execute_read_write":
		s := PermissionSet{Read: true, Write: true, Execute: true}
		return &PermissionPolicy{SchemaVersion: permissionPolicySchemaVersionV1, LocalMax: &s}, nil
	default:
		return nil, fmt.Errorf("unknown permission policy preset: %q", preset)
	}
}
