package runner

// EventKind is the kind of an event emitted while running tasks.
type EventKind string

const (
	EventOK          EventKind = "ok"
	EventFailed      EventKind = "failed"
	EventUnreachable EventKind = "unreachable"
	EventSkipped     EventKind = "skipped"
	EventWarning     EventKind = "warning"
	EventStats       EventKind = "stats"
)

// Event is one structured outcome reported by a Runner.
type Event struct {
	Kind   EventKind      `json:"event"`
	Task   string         `json:"task,omitempty"`
	Host   string         `json:"host,omitempty"`
	Result map[string]any `json:"res,omitempty"`
	Stdout string         `json:"stdout,omitempty"`
}

// HostStats summarises the outcome for one host.
type HostStats struct {
	OK          int `json:"ok"`
	Changed     int `json:"changed"`
	Failed      int `json:"failures"`
	Skipped     int `json:"skipped"`
	Unreachable int `json:"unreachable"`
}

// Result is the outcome of one Runner invocation.
type Result struct {
	RC     int                  `json:"rc"`
	Events []Event              `json:"events"`
	Stats  map[string]HostStats `json:"stats,omitempty"`
}

// OK returns the ok events of the named task, in order.
func (r *Result) OK(task string) []Event {
	if r == nil {
		return nil
	}
	var out []Event
	for _, ev := range r.Events {
		if ev.Kind == EventOK && ev.Task == task {
			out = append(out, ev)
		}
	}
	return out
}

// Hosts returns the hosts that produced an event of the given kind.
func (r *Result) Hosts(kind EventKind) []string {
	if r == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, ev := range r.Events {
		if ev.Kind == kind && ev.Host != "" && !seen[ev.Host] {
			seen[ev.Host] = true
			out = append(out, ev.Host)
		}
	}
	return out
}

// Messages returns the stdout of failed and unreachable events.
func (r *Result) Messages() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, ev := range r.Events {
		if (ev.Kind == EventFailed || ev.Kind == EventUnreachable) && ev.Stdout != "" {
			out = append(out, ev.Stdout)
		}
	}
	return out
}
