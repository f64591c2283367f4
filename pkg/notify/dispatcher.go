// Package notify delivers broadcast workspace events to external chat
// systems without blocking the request that produced them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/boardwalk/boardwalk/pkg/protocol"
	"github.com/rs/zerolog"
)

// Broadcast is one event a worker asked the server to announce.
type Broadcast struct {
	Workspace string
	Event     protocol.WorkspaceEvent

	// ServerURL links back to the server UI.
	ServerURL string
}

// Notifier delivers a broadcast somewhere.
type Notifier interface {
	Notify(ctx context.Context, b Broadcast) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, b Broadcast) error

func (f NotifierFunc) Notify(ctx context.Context, b Broadcast) error { return f(ctx, b) }

// ErrQueueFull is returned by Publish when the buffer is exhausted.
var ErrQueueFull = errors.New("notification queue full")

// ErrClosed is returned by Publish after Shutdown.
var ErrClosed = errors.New("dispatcher closed")

// Dispatcher queues broadcasts and delivers them in order on a single
// goroutine.
type Dispatcher struct {
	notifiers []Notifier
	buffer    chan Broadcast
	logger    zerolog.Logger

	// OnResult, when set, is called after every delivery attempt.
	OnResult func(err error)

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher starts a dispatcher with room for bufferSize pending
// broadcasts.
func NewDispatcher(bufferSize int, logger zerolog.Logger, notifiers ...Notifier) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		notifiers: notifiers,
		buffer:    make(chan Broadcast, bufferSize),
		logger:    logger.With().Str("component", "notify").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}

	d.wg.Add(1)
	go d.process()
	return d
}

// Publish queues a broadcast.
func (d *Dispatcher) Publish(b Broadcast) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	select {
	case d.buffer <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) process() {
	defer d.wg.Done()

	for b := range d.buffer {
		d.deliver(b)
	}
}

func (d *Dispatcher) deliver(b Broadcast) {
	for _, n := range d.notifiers {
		err := n.Notify(d.ctx, b)
		if err != nil {
			d.logger.Error().Err(err).
				Str("workspace", b.Workspace).
				Str("severity", string(b.Event.Severity)).
				Msg("Broadcast delivery failed")
		}
		if d.OnResult != nil {
			d.OnResult(err)
		}
	}
}

// Shutdown stops accepting broadcasts and waits for the queue to drain.
// When ctx expires first, in-flight deliveries are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.buffer)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("notification dispatcher shutdown: %w", ctx.Err())
	}
}
