package runner

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed runner invocation.
type Kind int

const (
	// KindRunError means the runner could not perform the run (rc 1).
	KindRunError Kind = iota + 1

	// KindFailedHost means a host failed a task (rc 2).
	KindFailedHost

	// KindUnreachable means a host could not be reached (rc 4).
	KindUnreachable

	// KindGeneral is any other failure.
	KindGeneral
)

func (k Kind) String() string {
	switch k {
	case KindRunError:
		return "run-error"
	case KindFailedHost:
		return "failed-host"
	case KindUnreachable:
		return "unreachable-host"
	case KindGeneral:
		return "general-error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified runner failure.
type Error struct {
	Kind   Kind
	Msg    string
	Result *Result
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if details := e.Result.Messages(); len(details) > 0 {
		msg += ": " + strings.Join(details, "; ")
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindForRC maps a return code to a Kind. rc 0 has no kind.
func KindForRC(rc int) (Kind, bool) {
	switch rc {
	case 0:
		return 0, false
	case 1:
		return KindRunError, true
	case 2:
		return KindFailedHost, true
	case 4:
		return KindUnreachable, true
	default:
		return KindGeneral, true
	}
}

// Classify returns nil for rc 0 and an *Error otherwise.
func Classify(invocation string, res *Result) error {
	if res == nil {
		return &Error{Kind: KindGeneral, Msg: invocation + ": no result"}
	}
	kind, failed := KindForRC(res.RC)
	if !failed {
		return nil
	}
	var what string
	switch kind {
	case KindRunError:
		what = "Runner failed"
	case KindFailedHost:
		what = "Host failed"
	case KindUnreachable:
		what = "Host unreachable"
	case KindGeneral:
		what = fmt.Sprintf("Runner exited with rc %d", res.RC)
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf("%s: %s", invocation, what), Result: res}
}

// KindOf extracts the Kind from an error chain.
func KindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return 0, false
}

// IsUnreachable reports whether err is an unreachable-host failure.
func IsUnreachable(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindUnreachable
}
