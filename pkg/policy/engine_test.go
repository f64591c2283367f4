package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) != 2 {
		t.Fatalf("expected 2 built-in policies, got %d", len(policies))
	}
	if policies[0].Name != "admin-role" || policies[1].Name != "enabled-users" {
		t.Errorf("unexpected built-in policies: %s, %s", policies[0].Name, policies[1].Name)
	}
}

func TestAuthorizeBuiltins(t *testing.T) {
	eng := newTestEngine(t)

	admin := Subject{Email: "owner@example.com", Enabled: true, Roles: []string{"default", "admin"}}
	user := Subject{Email: "ops@example.com", Enabled: true, Roles: []string{"default"}}
	disabled := Subject{Email: "gone@example.com", Enabled: false, Roles: []string{"default", "admin"}}

	tests := []struct {
		name    string
		action  Action
		user    Subject
		allowed bool
		reason  string
	}{
		{name: "user writes workspace", action: ActionWorkspaceWrite, user: user, allowed: true},
		{name: "user deletes workspace", action: ActionWorkspaceDelete, user: user, allowed: true},
		{name: "user lists users", action: ActionAdminRead, user: user, reason: "admin.read requires the admin role"},
		{name: "admin changes roles", action: ActionAdminWrite, user: admin, allowed: true},
		{name: "disabled admin", action: ActionWorkspaceRead, user: disabled, reason: "user gone@example.com is disabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Authorize(context.Background(), &Input{
				Action: tt.action,
				User:   tt.user,
				Owner:  "owner@example.com",
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Fatalf("expected allowed=%v, got %v (%v)", tt.allowed, decision.Allowed, decision.Reasons)
			}
			if tt.reason != "" && (len(decision.Reasons) != 1 || decision.Reasons[0] != tt.reason) {
				t.Errorf("expected reason %q, got %v", tt.reason, decision.Reasons)
			}
			if len(decision.Evaluated) != 2 {
				t.Errorf("expected 2 evaluated policies, got %v", decision.Evaluated)
			}
		})
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.DisablePolicy("admin-role"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, err := eng.Authorize(context.Background(), &Input{
		Action: ActionAdminWrite,
		User:   Subject{Email: "ops@example.com", Enabled: true, Roles: []string{"default"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected allowed with admin-role disabled, got %v", decision.Reasons)
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}

const deleteRego = `# Only admins may delete workspaces
package boardwalk.custom

import rego.v1

deny contains msg if {
	input.action == "workspace.delete"
	not "admin" in input.user.roles
	msg := {"message": sprintf("%s may not delete %s", [input.user.email, input.workspace])}
}
`

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "delete.rego"), []byte(deleteRego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	var loaded *Policy
	for _, p := range eng.ListPolicies() {
		if p.Name == "delete" {
			loaded = &p
		}
	}
	if loaded == nil {
		t.Fatal("expected the delete policy to be loaded")
	}
	if loaded.Description != "Only admins may delete workspaces" {
		t.Errorf("unexpected description %q", loaded.Description)
	}

	decision, err := eng.Authorize(context.Background(), &Input{
		Action:    ActionWorkspaceDelete,
		User:      Subject{Email: "ops@example.com", Enabled: true, Roles: []string{"default"}},
		Workspace: "Upgrade",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected the custom policy to deny")
	}
	if decision.Reasons[0] != "ops@example.com may not delete Upgrade" {
		t.Errorf("unexpected reason %q", decision.Reasons[0])
	}
}

func TestLoadPoliciesCompileError(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package broken\n\ndeny contains msg if {"), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Fatal("expected a compile error")
	}
	if len(eng.ListPolicies()) != 2 {
		t.Errorf("expected only built-ins after a failed load, got %d", len(eng.ListPolicies()))
	}
}

func TestLoadJSONPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readonly.json")
	data, err := json.Marshal(Policy{
		Name:    "read-only",
		Rego:    "package boardwalk.ro\n\nimport rego.v1\n\ndeny contains \"read only\" if input.action != \"workspace.read\"\n",
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(policies) != 1 || policies[0].Name != "read-only" || policies[0].Source != path {
		t.Errorf("unexpected policies: %+v", policies)
	}
}

func TestWatchReloads(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "delete.rego"), []byte(deleteRego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range eng.ListPolicies() {
			if strings.HasSuffix(p.Source, "delete.rego") {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("expected the watcher to load delete.rego")
}
