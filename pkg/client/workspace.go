package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/boardwalk/boardwalk/pkg/protocol"
)

// WorkspaceClient is a Client bound to one workspace. It owns that
// workspace's event queue.
type WorkspaceClient struct {
	client *Client
	name   string

	// flushMu serializes flushes; queueMu guards queue only and is never
	// held across a request.
	flushMu sync.Mutex
	queueMu sync.Mutex
	queue   []queuedEvent
}

type queuedEvent struct {
	event     protocol.WorkspaceEvent
	broadcast bool
}

// Name returns the workspace name.
func (w *WorkspaceClient) Name() string { return w.name }

// Client returns the underlying API client.
func (w *WorkspaceClient) Client() *Client { return w.client }

func (w *WorkspaceClient) path(suffix string) string {
	return "/workspace/" + url.PathEscape(w.name) + suffix
}

// GetDetails returns the details last posted for the workspace.
func (w *WorkspaceClient) GetDetails(ctx context.Context) (protocol.WorkspaceDetails, error) {
	var details protocol.WorkspaceDetails
	err := w.client.do(ctx, call{method: http.MethodGet, path: w.path("/details"), out: &details})
	return details, err
}

// PostDetails creates the workspace on the server if needed and records
// details.
func (w *WorkspaceClient) PostDetails(ctx context.Context, details protocol.WorkspaceDetails) error {
	return w.client.do(ctx, call{method: http.MethodPost, path: w.path("/details"), body: details})
}

// PostHeartbeat stamps the workspace as alive.
func (w *WorkspaceClient) PostHeartbeat(ctx context.Context) error {
	return w.client.do(ctx, call{method: http.MethodPost, path: w.path("/heartbeat"), body: "ping", noLogin: true})
}

// GetSemaphores returns the workspace's mutex and catch flags.
func (w *WorkspaceClient) GetSemaphores(ctx context.Context) (protocol.WorkspaceSemaphores, error) {
	var sem protocol.WorkspaceSemaphores
	err := w.client.do(ctx, call{method: http.MethodGet, path: w.path("/semaphores"), out: &sem})
	return sem, err
}

// HasMutex reports whether the workspace mutex is held. A workspace the
// server does not know is not held.
func (w *WorkspaceClient) HasMutex(ctx context.Context) (bool, error) {
	sem, err := w.GetSemaphores(ctx)
	if errors.Is(err, ErrWorkspaceNotFound) {
		return false, nil
	}
	return sem.HasMutex, err
}

// Caught reports whether the workspace is caught on the server.
func (w *WorkspaceClient) Caught(ctx context.Context) (bool, error) {
	sem, err := w.GetSemaphores(ctx)
	return sem.Caught, err
}

// Mutex acquires the workspace mutex. A held mutex yields an error matching
// ErrWorkspaceHasMutex.
func (w *WorkspaceClient) Mutex(ctx context.Context) error {
	return w.client.do(ctx, call{method: http.MethodPost, path: w.path("/semaphores/has_mutex"), body: "mutex"})
}

// Unmutex clears the workspace mutex.
func (w *WorkspaceClient) Unmutex(ctx context.Context) error {
	return w.client.do(ctx, call{method: http.MethodDelete, path: w.path("/semaphores/has_mutex")})
}

// PostCatch catches the workspace on the server.
func (w *WorkspaceClient) PostCatch(ctx context.Context) error {
	return w.client.do(ctx, call{method: http.MethodPost, path: w.path("/semaphores/caught"), body: "catch"})
}

// Release clears the server-side catch.
func (w *WorkspaceClient) Release(ctx context.Context) error {
	return w.client.do(ctx, call{method: http.MethodDelete, path: w.path("/semaphores/caught")})
}

// PostEvent sends one event. With broadcast the server forwards it to its
// notifiers.
func (w *WorkspaceClient) PostEvent(ctx context.Context, ev protocol.WorkspaceEvent, broadcast bool) error {
	c := call{method: http.MethodPost, path: w.path("/event"), body: ev}
	if broadcast {
		c.query = url.Values{"broadcast": {"1"}}
	}
	return w.client.do(ctx, c)
}

// QueueEvent appends ev to the event queue and flushes it. On error the
// event stays queued and is sent, in order, by a later flush.
func (w *WorkspaceClient) QueueEvent(ctx context.Context, ev protocol.WorkspaceEvent, broadcast bool) error {
	w.queueMu.Lock()
	w.queue = append(w.queue, queuedEvent{event: ev, broadcast: broadcast})
	w.queueMu.Unlock()
	return w.FlushEventQueue(ctx)
}

// FlushEventQueue posts queued events oldest first. It stops at the first
// failure, leaving that event and everything after it queued.
func (w *WorkspaceClient) FlushEventQueue(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	for {
		head, ok := w.peekEvent()
		if !ok {
			return nil
		}
		if err := w.PostEvent(ctx, head.event, head.broadcast); err != nil {
			return err
		}
		w.popEvent()
	}
}

func (w *WorkspaceClient) peekEvent() (queuedEvent, bool) {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	if len(w.queue) == 0 {
		return queuedEvent{}, false
	}
	return w.queue[0], true
}

// popEvent drops the head. Only the flush holding flushMu removes events,
// so the head is the one just posted.
func (w *WorkspaceClient) popEvent() {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	w.queue[0] = queuedEvent{}
	w.queue = w.queue[1:]
}

// QueueLen returns the number of undelivered events.
func (w *WorkspaceClient) QueueLen() int {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	return len(w.queue)
}
