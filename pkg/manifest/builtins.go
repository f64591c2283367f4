package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.starlark.net/starlark"

	"github.com/boardwalk/boardwalk/pkg/runner"
	"github.com/boardwalk/boardwalk/pkg/workflow"
)

const collectorKey = "boardwalk.manifest"

// collector accumulates the declarations of one Boardwalkfile.
type collector struct {
	dir        string
	schema     *schema
	jobs       map[string]bool
	workflows  *workflow.Registry
	workspaces []workspaceDecl
	newThread  func(name string) *starlark.Thread
}

type workspaceDecl struct {
	fields map[string]any
	pos    string
}

func collectorOf(thread *starlark.Thread) *collector {
	return thread.Local(collectorKey).(*collector)
}

// jobValue is what job() returns to the script.
type jobValue struct {
	job *workflow.FuncJob
}

var _ starlark.Value = (*jobValue)(nil)

func (j *jobValue) String() string        { return fmt.Sprintf("<job %s>", j.job.Name()) }
func (j *jobValue) Type() string          { return "job" }
func (j *jobValue) Freeze()               {}
func (j *jobValue) Truth() starlark.Bool  { return starlark.True }
func (j *jobValue) Hash() (uint32, error) { return starlark.String(j.job.Name()).Hash() }

// job(name, tasks=None, preconditions=None, options={}, required_options=[])
//
// tasks is a list of task dicts or a function returning one. A function
// taking one parameter receives the job options. preconditions is called
// with (facts, inventory_vars) and must return a bool.
func builtinJob(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name     string
		tasks    starlark.Value = starlark.None
		pre      starlark.Value = starlark.None
		options  *starlark.Dict
		required starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name,
		"tasks?", &tasks,
		"preconditions?", &pre,
		"options?", &options,
		"required_options?", &required,
	); err != nil {
		return nil, err
	}

	c := collectorOf(thread)
	if c.jobs[name] {
		return nil, fmt.Errorf("%s: duplicate job %q", b.Name(), name)
	}

	opts := map[string]any{}
	if options != nil {
		v, err := runner.FromStarlark(options)
		if err != nil {
			return nil, fmt.Errorf("%s: options: %w", b.Name(), err)
		}
		opts = v.(map[string]any)
	}
	requiredNames, err := stringList(required)
	if err != nil {
		return nil, fmt.Errorf("%s: required_options: %w", b.Name(), err)
	}

	var preFn workflow.PreconditionFunc
	switch fn := pre.(type) {
	case starlark.NoneType:
	case starlark.Callable:
		preFn = c.precondition(name, fn)
	default:
		return nil, fmt.Errorf("%s: preconditions must be a function, got %s", b.Name(), pre.Type())
	}

	var tasksFn workflow.TasksFunc
	switch t := tasks.(type) {
	case starlark.NoneType:
	case *starlark.List:
		static, err := toTasks(t)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", b.Name(), name, err)
		}
		tasksFn = func(context.Context) (runner.Tasks, error) { return static, nil }
	case starlark.Callable:
		tasksFn = c.tasks(name, t, options)
	default:
		return nil, fmt.Errorf("%s: tasks must be a list or a function, got %s", b.Name(), tasks.Type())
	}

	j, err := workflow.NewJob(name, opts, requiredNames, preFn, tasksFn)
	if err != nil {
		return nil, err
	}
	c.jobs[name] = true
	return &jobValue{job: j}, nil
}

func (c *collector) precondition(name string, fn starlark.Callable) workflow.PreconditionFunc {
	return func(facts, inventoryVars map[string]any) (bool, error) {
		f, err := runner.ToStarlark(facts)
		if err != nil {
			return false, err
		}
		iv, err := runner.ToStarlark(inventoryVars)
		if err != nil {
			return false, err
		}
		thread := c.newThread("preconditions:" + name)
		res, err := starlark.Call(thread, fn, starlark.Tuple{f, iv}, nil)
		if err != nil {
			return false, err
		}
		ok, isBool := res.(starlark.Bool)
		if !isBool {
			return false, fmt.Errorf("preconditions of %s returned %s, want bool", name, res.Type())
		}
		return bool(ok), nil
	}
}

func (c *collector) tasks(name string, fn starlark.Callable, options *starlark.Dict) workflow.TasksFunc {
	var args starlark.Tuple
	if f, ok := fn.(*starlark.Function); ok && f.NumParams() > 0 {
		if options == nil {
			options = starlark.NewDict(0)
		}
		args = starlark.Tuple{options}
	}
	return func(ctx context.Context) (runner.Tasks, error) {
		thread := c.newThread("tasks:" + name)
		stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
		defer stop()

		res, err := starlark.Call(thread, fn, args, nil)
		if err != nil {
			return nil, err
		}
		list, ok := res.(*starlark.List)
		if !ok {
			if res == starlark.None {
				return nil, nil
			}
			return nil, fmt.Errorf("tasks of %s returned %s, want list", name, res.Type())
		}
		return toTasks(list)
	}
}

func toTasks(list *starlark.List) (runner.Tasks, error) {
	v, err := runner.FromStarlark(list)
	if err != nil {
		return nil, err
	}
	items, _ := v.([]any)
	return runner.ParseTasks(items)
}

// workflow(name, jobs, exit_jobs=[], always_retry_failed_hosts=True)
// returns the workflow name.
func builtinWorkflow(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name        string
		jobs        starlark.Value
		exitJobs    starlark.Value = starlark.None
		alwaysRetry                = true
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name,
		"jobs", &jobs,
		"exit_jobs?", &exitJobs,
		"always_retry_failed_hosts?", &alwaysRetry,
	); err != nil {
		return nil, err
	}

	main, err := jobList(jobs)
	if err != nil {
		return nil, fmt.Errorf("%s %s: jobs: %w", b.Name(), name, err)
	}
	exit, err := jobList(exitJobs)
	if err != nil {
		return nil, fmt.Errorf("%s %s: exit_jobs: %w", b.Name(), name, err)
	}

	wf := workflow.New(name, main, exit)
	wf.AlwaysRetryFailedHosts = alwaysRetry
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	if err := collectorOf(thread).workflows.Register(wf); err != nil {
		return nil, err
	}
	return starlark.String(name), nil
}

// jobList accepts a single job, a list or tuple of jobs, or None.
func jobList(v starlark.Value) ([]workflow.Job, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case *jobValue:
		return []workflow.Job{val.job}, nil
	case starlark.Indexable:
		out := make([]workflow.Job, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			j, ok := val.Index(i).(*jobValue)
			if !ok {
				return nil, fmt.Errorf("item %d is %s, want job", i, val.Index(i).Type())
			}
			out = append(out, j.job)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("got %s, want job or list of jobs", v.Type())
	}
}

// workspace(name, host_pattern, workflow, default_sort_order="shuffle",
// require_limit=False)
func builtinWorkspace(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("%s: unexpected positional arguments", b.Name())
	}
	fields := make(map[string]any, len(kwargs))
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		val, err := runner.FromStarlark(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", b.Name(), key, err)
		}
		if val != nil {
			fields[key] = val
		}
	}

	c := collectorOf(thread)
	pos := ""
	if frame := thread.CallFrame(1); frame.Pos.IsValid() {
		pos = frame.Pos.String()
	}
	c.workspaces = append(c.workspaces, workspaceDecl{fields: fields, pos: pos})
	return starlark.None, nil
}

// path(p) returns p resolved against the Boardwalkfile directory. The file
// must exist.
func builtinPath(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &p); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(collectorOf(thread).dir, p)
	}
	if _, err := os.Stat(p); err != nil {
		return nil, fmt.Errorf("%s: %s does not exist", b.Name(), p)
	}
	return starlark.String(p), nil
}

func stringList(v starlark.Value) ([]string, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.String:
		return []string{string(val)}, nil
	case starlark.Indexable:
		out := make([]string, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			s, ok := starlark.AsString(val.Index(i))
			if !ok {
				return nil, fmt.Errorf("item %d is %s, want string", i, val.Index(i).Type())
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("got %s, want string or list of strings", v.Type())
	}
}
