// Package workflow defines jobs and the workflows that order them.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/boardwalk/boardwalk/pkg/runner"
)

// Job is one step of a workflow.
type Job interface {
	// Name identifies the job in logs and events.
	Name() string

	// Preconditions reports whether the job may run on a host, given the
	// host's gathered facts and its inventory variables.
	Preconditions(facts, inventoryVars map[string]any) (bool, error)

	// Tasks returns the tasks to run on the host. It may run local side
	// effects; an empty list means the host is not contacted.
	Tasks(ctx context.Context) (runner.Tasks, error)
}

// PreconditionFunc evaluates a job precondition.
type PreconditionFunc func(facts, inventoryVars map[string]any) (bool, error)

// TasksFunc generates the tasks of a job.
type TasksFunc func(ctx context.Context) (runner.Tasks, error)

// FuncJob is a Job assembled from functions. Nil functions mean "always
// met" and "no tasks".
type FuncJob struct {
	JobName      string
	Options      map[string]any
	Precondition PreconditionFunc
	TaskFunc     TasksFunc
}

// NewJob validates options against the required option names and returns
// a FuncJob.
func NewJob(name string, options map[string]any, required []string, pre PreconditionFunc, tasks TasksFunc) (*FuncJob, error) {
	if err := CheckOptions(required, options); err != nil {
		return nil, fmt.Errorf("job %s: %w", name, err)
	}
	return &FuncJob{JobName: name, Options: options, Precondition: pre, TaskFunc: tasks}, nil
}

// StaticJob returns a job that always runs the given tasks.
func StaticJob(name string, tasks runner.Tasks) *FuncJob {
	return &FuncJob{
		JobName: name,
		TaskFunc: func(context.Context) (runner.Tasks, error) {
			return tasks, nil
		},
	}
}

func (j *FuncJob) Name() string { return j.JobName }

func (j *FuncJob) Preconditions(facts, inventoryVars map[string]any) (bool, error) {
	if j.Precondition == nil {
		return true, nil
	}
	return j.Precondition(facts, inventoryVars)
}

func (j *FuncJob) Tasks(ctx context.Context) (runner.Tasks, error) {
	if j.TaskFunc == nil {
		return nil, nil
	}
	return j.TaskFunc(ctx)
}

// CheckOptions returns an error naming every required option missing from
// options.
func CheckOptions(required []string, options map[string]any) error {
	var missing []string
	for _, opt := range required {
		if _, ok := options[opt]; !ok {
			missing = append(missing, opt)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required options missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Workflow is an ordered list of jobs plus exit jobs that always run after
// them.
type Workflow struct {
	Name     string
	Jobs     []Job
	ExitJobs []Job

	// AlwaysRetryFailedHosts lets hosts that started but never finished
	// this workflow bypass preconditions.
	AlwaysRetryFailedHosts bool
}

// New returns a workflow with AlwaysRetryFailedHosts enabled.
func New(name string, jobs []Job, exitJobs []Job) *Workflow {
	return &Workflow{Name: name, Jobs: jobs, ExitJobs: exitJobs, AlwaysRetryFailedHosts: true}
}

// AllJobs returns the main jobs followed by the exit jobs.
func (w *Workflow) AllJobs() []Job {
	all := make([]Job, 0, len(w.Jobs)+len(w.ExitJobs))
	all = append(all, w.Jobs...)
	return append(all, w.ExitJobs...)
}

// Validate rejects workflows without jobs.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(w.Jobs) == 0 {
		return fmt.Errorf("workflow %s defines no jobs", w.Name)
	}
	return nil
}

// UnmetPreconditions returns the names of the jobs whose preconditions are
// not met, in workflow order.
func (w *Workflow) UnmetPreconditions(facts, inventoryVars map[string]any) ([]string, error) {
	var unmet []string
	for _, job := range w.AllJobs() {
		ok, err := job.Preconditions(facts, inventoryVars)
		if err != nil {
			return nil, fmt.Errorf("job %s preconditions: %w", job.Name(), err)
		}
		if !ok {
			unmet = append(unmet, job.Name())
		}
	}
	return unmet, nil
}

// Registry holds workflows by name.
type Registry struct {
	workflows map[string]*Workflow
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: map[string]*Workflow{}}
}

// Register adds w. Duplicate names are rejected.
func (r *Registry) Register(w *Workflow) error {
	if _, ok := r.workflows[w.Name]; ok {
		return fmt.Errorf("duplicate workflow %q", w.Name)
	}
	r.workflows[w.Name] = w
	return nil
}

// Lookup returns the named workflow.
func (r *Registry) Lookup(name string) (*Workflow, bool) {
	w, ok := r.workflows[name]
	return w, ok
}

// Names returns the registered workflow names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.workflows))
	for n := range r.workflows {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
