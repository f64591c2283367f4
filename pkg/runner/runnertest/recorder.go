package runnertest

import (
	"context"
	"strings"
	"sync"

	"github.com/boardwalk/boardwalk/pkg/runner"
)

// Recorder wraps a runner.Runner and records every request.
type Recorder struct {
	Inner runner.Runner

	mu        sync.Mutex
	requests  []runner.Request
	overrides []override
}

type override struct {
	substr string
	res    *runner.Result
	err    error
	times  int
}

// Record wraps inner.
func Record(inner runner.Runner) *Recorder {
	return &Recorder{Inner: inner}
}

// Override answers the next n requests whose invocation message contains
// substr with res and err instead of calling the inner runner.
func (r *Recorder) Override(substr string, n int, res *runner.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = append(r.overrides, override{substr: substr, res: res, err: err, times: n})
}

// Run implements runner.Runner.
func (r *Recorder) Run(ctx context.Context, req runner.Request) (*runner.Result, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	for i := range r.overrides {
		o := &r.overrides[i]
		if o.times > 0 && strings.Contains(req.InvocationMsg, o.substr) {
			o.times--
			r.mu.Unlock()
			return o.res, o.err
		}
	}
	r.mu.Unlock()
	return r.Inner.Run(ctx, req)
}

// Requests returns the recorded requests in order.
func (r *Recorder) Requests() []runner.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runner.Request(nil), r.requests...)
}

// Invocations returns the recorded invocation messages in order.
func (r *Recorder) Invocations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.requests))
	for i, req := range r.requests {
		out[i] = req.InvocationMsg
	}
	return out
}
