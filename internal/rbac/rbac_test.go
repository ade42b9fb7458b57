package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer edit", role: RoleViewer, action: ActionEdit, allow: false},
		{name: "member edit", role: RoleMember, action: ActionEdit, allow: true},
		{name: "member toggle", role: RoleMember, action: ActionToggle, allow: true},
		{name: "member approve", role: RoleMember, action: ActionApprove, allow: false},
		{name: "member read inherited", role: RoleMember, action: ActionRead, allow: true},
		{name: "pmo approve", role: RolePMO, action: ActionApprove, allow: true},
		{name: "pmo edit inherited", role: RolePMO, action: ActionEdit, allow: true},
		{name: "pmo admin", role: RolePMO, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "admin approve", role: RoleAdmin, action: ActionApprove, allow: true},
		{name: "unknown role falls back to viewer", role: Role("intruder"), action: ActionEdit, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNewEnforcerCustomPolicy(t *testing.T) {
	e, err := NewEnforcer(defaultModel, "p, role:viewer, approve\n")
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}
	if !e.Can(RoleViewer, ActionApprove) {
		t.Fatal("custom policy should let viewers approve")
	}
	if e.Can(RoleViewer, ActionRead) {
		t.Fatal("custom policy has no read grant")
	}
}

func TestNewEnforcerRejectsBrokenModel(t *testing.T) {
	if _, err := NewEnforcer("[request_definition]\n", defaultPolicy); err == nil {
		t.Fatal("expected error for incomplete model")
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize(" PMO "); got != RolePMO {
		t.Fatalf("Normalize(PMO) = %q", got)
	}
	if got := Normalize(""); got != RoleViewer {
		t.Fatalf("Normalize(\"\") = %q", got)
	}
}
