package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleAdmin, ActionAdmin, true},
		{RoleAdmin, ActionUpload, true},
		{RoleWriter, ActionUpload, true},
		{RoleWriter, ActionModerate, true},
		{RoleWriter, ActionAdmin, false},
		{RoleReviewer, ActionRead, true},
		{RoleReviewer, ActionAnnotate, true},
		{RoleReviewer, ActionUpload, false},
		{RoleReviewer, ActionModerate, false},
		{Role("guest"), ActionRead, false},
	}
	for _, c := range cases {
		if got := Can(c.role, c.action); got != c.want {
			t.Errorf("Can(%s, %s) = %v, want %v", c.role, c.action, got, c.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("writer") != RoleWriter {
		t.Error("writer not preserved")
	}
	if Normalize("") != RoleReviewer {
		t.Error("empty role should default to reviewer")
	}
	if Normalize("superuser") != RoleReviewer {
		t.Error("unknown role should default to reviewer")
	}
}
