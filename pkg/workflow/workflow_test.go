package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/boardwalk/boardwalk/pkg/runner"
)

func TestCheckOptions(t *testing.T) {
	if err := CheckOptions([]string{"version"}, map[string]any{"version": "1.2"}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	err := CheckOptions([]string{"version", "channel"}, map[string]any{})
	if err == nil || err.Error() != "required options missing: version, channel" {
		t.Errorf("unexpected error %v", err)
	}
	if _, err := NewJob("Upgrade", nil, []string{"version"}, nil, nil); err == nil {
		t.Error("expected NewJob to reject missing options")
	}
}

func TestUnmetPreconditions(t *testing.T) {
	linuxOnly := &FuncJob{
		JobName: "LinuxOnly",
		Precondition: func(facts, _ map[string]any) (bool, error) {
			return facts["ansible_system"] == "Linux", nil
		},
	}
	always := StaticJob("Always", runner.Tasks{{Name: "ping", Module: "ping"}})
	broken := &FuncJob{
		JobName: "Broken",
		Precondition: func(map[string]any, map[string]any) (bool, error) {
			return false, errors.New("boom")
		},
	}

	w := New("Upgrade", []Job{linuxOnly}, []Job{always})
	unmet, err := w.UnmetPreconditions(map[string]any{"ansible_system": "Darwin"}, nil)
	if err != nil {
		t.Fatalf("UnmetPreconditions failed: %v", err)
	}
	if len(unmet) != 1 || unmet[0] != "LinuxOnly" {
		t.Errorf("expected [LinuxOnly], got %v", unmet)
	}

	unmet, _ = w.UnmetPreconditions(map[string]any{"ansible_system": "Linux"}, nil)
	if len(unmet) != 0 {
		t.Errorf("expected all met, got %v", unmet)
	}

	w.ExitJobs = append(w.ExitJobs, broken)
	if _, err := w.UnmetPreconditions(nil, nil); err == nil {
		t.Error("expected precondition error to propagate")
	}
}

func TestStaticJobTasks(t *testing.T) {
	j := StaticJob("Noop", nil)
	tasks, err := j.Tasks(context.Background())
	if err != nil || len(tasks) != 0 {
		t.Errorf("expected no tasks, got %v %v", tasks, err)
	}
	if !New("w", nil, nil).AlwaysRetryFailedHosts {
		t.Error("expected AlwaysRetryFailedHosts default true")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(New("B", nil, nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(New("A", nil, nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(New("A", nil, nil)); err == nil {
		t.Error("expected duplicate error")
	}
	if names := r.Names(); len(names) != 2 || names[0] != "A" {
		t.Errorf("unexpected names %v", names)
	}
	if _, ok := r.Lookup("C"); ok {
		t.Error("expected lookup miss")
	}
}
