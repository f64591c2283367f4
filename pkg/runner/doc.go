// Package runner defines the task-runner contract used by boardwalk.
//
// A Runner executes an ordered list of declarative Tasks against the hosts
// selected by a pattern and reports a Result: a numeric return code and the
// stream of Events emitted while the tasks ran. Return codes keep fixed
// meanings:
//
//	0  success
//	1  the run could not be performed (bad task, bad condition)
//	2  a host failed a task
//	4  a host was unreachable
//	*  uncategorized failure
//
// Classify turns a non-zero code into an *Error carrying a Kind, so callers
// switch on the kind instead of matching error strings.
//
// The ssh subpackage provides the native implementation; runnertest provides
// a scriptable fake.
package runner
