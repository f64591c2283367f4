package runner

import (
	"context"
	"errors"
	"testing"
)

func TestParseTask(t *testing.T) {
	task, err := ParseTask(map[string]any{
		"name":                 "remote_mutex_check",
		"ansible.builtin.stat": map[string]any{"path": "/opt/boardwalk.mutex"},
		"register":             "lockfile",
	})
	if err != nil {
		t.Fatalf("ParseTask failed: %v", err)
	}
	if task.Module != "stat" {
		t.Errorf("expected module stat, got %s", task.Module)
	}
	if task.Register != "lockfile" {
		t.Errorf("expected register lockfile, got %s", task.Register)
	}
	if task.StringArg("path", "") != "/opt/boardwalk.mutex" {
		t.Errorf("unexpected path arg %v", task.Args)
	}

	raw, err := ParseTask(map[string]any{"shell": "uptime"})
	if err != nil {
		t.Fatalf("ParseTask failed: %v", err)
	}
	if raw.Name != "shell" || raw.StringArg("_raw_params", "") != "uptime" {
		t.Errorf("unexpected raw task %+v", raw)
	}

	if _, err := ParseTask(map[string]any{"stat": nil, "copy": nil}); err == nil {
		t.Error("expected error for two modules")
	}
	if _, err := ParseTask(map[string]any{"name": "nothing"}); err == nil {
		t.Error("expected error for no module")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		rc   int
		kind Kind
	}{
		{1, KindRunError},
		{2, KindFailedHost},
		{4, KindUnreachable},
		{3, KindGeneral},
		{250, KindGeneral},
	}

	for _, tt := range tests {
		err := Classify("Lock remote host", &Result{RC: tt.rc})
		kind, ok := KindOf(err)
		if !ok {
			t.Fatalf("rc %d: expected classified error, got %v", tt.rc, err)
		}
		if kind != tt.kind {
			t.Errorf("rc %d: expected %s, got %s", tt.rc, tt.kind, kind)
		}
	}

	if err := Classify("ok", &Result{RC: 0}); err != nil {
		t.Errorf("expected nil for rc 0, got %v", err)
	}
}

func TestErrorMessageIncludesEventOutput(t *testing.T) {
	res := &Result{RC: 4, Events: []Event{
		{Kind: EventUnreachable, Host: "web1", Stdout: "dial tcp: connection refused"},
	}}
	err := Classify("Gather facts", res)
	if !IsUnreachable(err) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	want := "[unreachable-host] Gather facts: Host unreachable: dial tcp: connection refused"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

type failingRunner struct{}

func (failingRunner) Run(context.Context, Request) (*Result, error) {
	return nil, errors.New("boom")
}

func TestExecuteWrapsRunnerError(t *testing.T) {
	_, err := Execute(context.Background(), failingRunner{}, Request{InvocationMsg: "uptime"})
	kind, ok := KindOf(err)
	if !ok || kind != KindGeneral {
		t.Fatalf("expected general error, got %v", err)
	}
	if errors.Unwrap(err) == nil {
		t.Error("expected wrapped cause")
	}
}

func TestResultOK(t *testing.T) {
	res := &Result{Events: []Event{
		{Kind: EventOK, Task: "a", Host: "h1"},
		{Kind: EventSkipped, Task: "a", Host: "h2"},
		{Kind: EventOK, Task: "b", Host: "h1"},
		{Kind: EventOK, Task: "a", Host: "h3"},
	}}
	got := res.OK("a")
	if len(got) != 2 || got[0].Host != "h1" || got[1].Host != "h3" {
		t.Errorf("unexpected ok events %+v", got)
	}
}

func TestWhen(t *testing.T) {
	vars := Vars{
		"ansible_system": "Linux",
		"lockfile":       map[string]any{"stat": map[string]any{"exists": true}},
		"count":          float64(3),
	}

	tests := []struct {
		cond string
		want bool
	}{
		{"", true},
		{`ansible_system == "Linux"`, true},
		{`ansible_system == "Darwin"`, false},
		{`lockfile["stat"]["exists"]`, true},
		{`lockfile.stat.exists`, true},
		{`ansible_system == 'Linux'`, true},
		{`count > 2`, true},
		{`"missing" in hostvars`, false},
	}

	for _, tt := range tests {
		got, err := vars.When(tt.cond)
		if err != nil {
			t.Fatalf("When(%q) failed: %v", tt.cond, err)
		}
		if got != tt.want {
			t.Errorf("When(%q): expected %v, got %v", tt.cond, tt.want, got)
		}
	}

	if _, err := vars.When("undefined_var"); err == nil {
		t.Error("expected error for undefined variable")
	}
}

func TestRender(t *testing.T) {
	vars := Vars{"admin_group": "wheel", "port": float64(22)}

	got, err := vars.Render("owner {{ admin_group }}")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got != "owner wheel" {
		t.Errorf("expected 'owner wheel', got %v", got)
	}

	typed, err := vars.Render("{{ port }}")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if typed != int64(22) {
		t.Errorf("expected int64 22, got %T %v", typed, typed)
	}

	args, err := vars.RenderArgs(map[string]any{"group": "{{ admin_group }}", "mode": "0644"})
	if err != nil {
		t.Fatalf("RenderArgs failed: %v", err)
	}
	if args["group"] != "wheel" || args["mode"] != "0644" {
		t.Errorf("unexpected args %v", args)
	}
}
