package runner

import (
	"context"
	"time"
)

// Runner executes tasks against hosts.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Request describes one task-runner invocation.
type Request struct {
	// Hosts is a host name or inventory pattern.
	Hosts string

	// Limit further restricts Hosts. Empty means no restriction.
	Limit string

	// Tasks run in order on every selected host.
	Tasks Tasks

	// Become runs tasks with elevated privilege.
	Become bool

	// BecomePassword is passed to the privilege escalation method.
	BecomePassword string

	// Check runs in dry-run mode; mutating modules report without changing
	// anything.
	Check bool

	// InvocationMsg labels the invocation in logs and error messages.
	InvocationMsg string

	// Timeout bounds the whole invocation. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// Execute runs req and classifies the result. A nil error means rc 0.
func Execute(ctx context.Context, r Runner, req Request) (*Result, error) {
	res, err := r.Run(ctx, req)
	if err != nil {
		return res, &Error{Kind: KindGeneral, Msg: req.InvocationMsg + ": " + err.Error(), Result: res, Err: err}
	}
	return res, Classify(req.InvocationMsg, res)
}
