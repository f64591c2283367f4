package runner

import (
	"fmt"
	"sort"
	"strings"
)

// Task is one declarative operation to perform on a host.
type Task struct {
	// Name identifies the task in events.
	Name string `json:"name"`

	// Module is the operation to run, e.g. "stat", "copy", "shell".
	Module string `json:"module"`

	// Args are the module arguments.
	Args map[string]any `json:"args,omitempty"`

	// When is an optional condition evaluated against host variables,
	// gathered facts and registered results. The task is skipped when it is
	// false.
	When string `json:"when,omitempty"`

	// Register stores the task result under this variable name.
	Register string `json:"register,omitempty"`

	// IgnoreErrors keeps a failed task from failing the host.
	IgnoreErrors bool `json:"ignore_errors,omitempty"`
}

// Tasks is an ordered task list.
type Tasks []Task

// reserved keys of a task mapping that are not the module name.
var reservedTaskKeys = map[string]bool{
	"name":          true,
	"when":          true,
	"register":      true,
	"ignore_errors": true,
	"become":        true,
	"tags":          true,
	"vars":          true,
}

// ParseTask converts an ansible-style mapping into a Task. Exactly one key
// besides the reserved ones names the module; a fully qualified module name
// such as "ansible.builtin.copy" is reduced to "copy". A string module value
// is stored as the "_raw_params" argument.
func ParseTask(m map[string]any) (Task, error) {
	var t Task
	if name, ok := m["name"].(string); ok {
		t.Name = name
	}
	if when, ok := m["when"].(string); ok {
		t.When = when
	}
	if reg, ok := m["register"].(string); ok {
		t.Register = reg
	}
	if ign, ok := m["ignore_errors"].(bool); ok {
		t.IgnoreErrors = ign
	}

	var modules []string
	for k := range m {
		if !reservedTaskKeys[k] {
			modules = append(modules, k)
		}
	}
	sort.Strings(modules)
	if len(modules) != 1 {
		return t, fmt.Errorf("task %q must name exactly one module, found %v", t.Name, modules)
	}

	t.Module = ShortModuleName(modules[0])
	switch args := m[modules[0]].(type) {
	case nil:
		t.Args = map[string]any{}
	case map[string]any:
		t.Args = args
	case string:
		t.Args = map[string]any{"_raw_params": args}
	default:
		return t, fmt.Errorf("task %q: module %s arguments must be a mapping or string, got %T", t.Name, modules[0], args)
	}
	if t.Name == "" {
		t.Name = t.Module
	}
	return t, nil
}

// ParseTasks converts a list of ansible-style mappings.
func ParseTasks(list []any) (Tasks, error) {
	tasks := make(Tasks, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("task %d must be a mapping, got %T", i, item)
		}
		t, err := ParseTask(m)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ShortModuleName strips a collection prefix from a module name.
func ShortModuleName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// StringArg returns a string argument or def.
func (t Task) StringArg(key, def string) string {
	if v, ok := t.Args[key]; ok && v != nil {
		switch s := v.(type) {
		case string:
			return s
		default:
			return fmt.Sprint(s)
		}
	}
	return def
}
