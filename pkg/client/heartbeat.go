package client

import "context"

// Heartbeat is a running background keepalive.
type Heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// HeartbeatKeepaliveConnect posts a heartbeat now and then every heartbeat
// interval until the returned handle is stopped or ctx ends. Failures are
// logged at debug level and otherwise ignored.
func (w *WorkspaceClient) HeartbeatKeepaliveConnect(ctx context.Context) *Heartbeat {
	ctx, cancel := context.WithCancel(ctx)
	hb := &Heartbeat{cancel: cancel, done: make(chan struct{})}
	logger := w.client.logger.With().Str("workspace", w.name).Logger()

	go func() {
		defer close(hb.done)
		for {
			// An in-flight heartbeat completes even if Stop is called.
			if err := w.PostHeartbeat(context.WithoutCancel(ctx)); err != nil {
				logger.Debug().Err(err).Msg("Heartbeat failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-w.client.clock.After(w.client.beat):
			}
		}
	}()
	return hb
}

// Stop cancels the keepalive and waits for it to exit. It may be called
// more than once.
func (h *Heartbeat) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the keepalive has exited.
func (h *Heartbeat) Done() <-chan struct{} { return h.done }
