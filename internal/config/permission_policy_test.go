package config

import "testing"

func TestPermissionPolicy_ResolveCap_IntersectsUserAndWorkspace(t *testing.T) {
	t.Parallel()

	full := PermissionSet{Read: true, Write: true, Execute: true}
	policy := &PermissionPolicy{
		SchemaVersion: permissionPolicySchemaVersionV1,
		LocalMax:      &full,
		ByUser: map[string]*PermissionSet{
			"alice": {Read: true, Write: false, Execute: true},
		},
		ByWorkspace: map[string]*PermissionSet{
			"/srv/app": {Read: true, Write: true, Execute: false},
		},
	}

	got := policy.ResolveCap("alice", "/srv/app")
	want := PermissionSet{Read: true, Write: false, Execute: false}
	if got != want {
		t.Fatalf("ResolveCap=%+v, want %+v", got, want)
	}
}

func TestPermissionPolicy_ResolveCap_NilPolicyDefaultsToFull(t *testing.T) {
	t.Parallel()

	var policy *PermissionPolicy
	got := policy.ResolveCap("anyone", "/anywhere")
	want := defaultPermissionSet()
	if got != want {
		t.Fatalf("ResolveCap=%+v, want %+v", got, want)
	}
}

func TestParsePermissionPolicyPreset_ReadOnly(t *testing.T) {
	t.Parallel()

	policy, err := ParsePermissionPolicyPreset("read-only")
	if err != nil {
		t.Fatalf("ParsePermissionPolicyPreset: %v", err)
	}
	got := policy.ResolveCap("", "")
	want := PermissionSet{Read: true, Write: false, Execute: false}
	if got != want {
		t.Fatalf("cap=%+v, want %+v", got, want)
	}
}

func TestParsePermissionPolicyPreset_Unknown(t *testing.T) {
	t.Parallel()

	if _, err := ParsePermissionPolicyPreset("nonsense"); err == nil {
		t.Fatalf("expected error for unknown preset")
	}
}
