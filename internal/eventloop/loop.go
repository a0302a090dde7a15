// Package eventloop provides a single-consumer event queue.
//
// Background goroutines (timers, websocket readers) never touch session state
// directly. They Post closures onto the loop, and the goroutine that owns the
// loop runs them one at a time. Blocking operations started from the owner are
// wrapped in Await, which keeps draining the queue until the operation
// finishes, so timers and realtime callbacks continue to fire while a network
// round trip is in flight.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultQueueSize is the buffer size of the event queue.
const DefaultQueueSize = 256

// ErrClosed is returned by Await once the loop has been closed.
var ErrClosed = errors.New("event loop closed")

// Loop is a single-consumer event queue. Post may be called from any
// goroutine; Drain, Run and Await must only be called from the owner.
type Loop struct {
	events chan func()
	closed chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// New creates a loop with the given queue size (DefaultQueueSize if <= 0).
func New(size int, logger *slog.Logger) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		events: make(chan func(), size),
		closed: make(chan struct{}),
		logger: logger,
	}
}

// Post enqueues fn. It blocks while the queue is full and returns false if
// the loop was closed before fn could be enqueued.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	case <-l.closed:
		return false
	}
}

// Events exposes the queue so the owner can select on it alongside other
// sources. Each received event must be passed to Dispatch.
func (l *Loop) Events() <-chan func() {
	return l.events
}

// Dispatch runs one event, recovering from a panic inside it so that a
// single faulty callback cannot take the session down.
func (l *Loop) Dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil && l.logger != nil {
			l.logger.Error("Event panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// Drain runs every event that is already queued and returns how many ran.
func (l *Loop) Drain() int {
	n := 0
	for {
		select {
		case fn := <-l.events:
			l.Dispatch(fn)
			n++
		default:
			return n
		}
	}
}

// Run dispatches events until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closed:
			return nil
		case fn := <-l.events:
			l.Dispatch(fn)
		}
	}
}

// Await runs op on a helper goroutine and keeps dispatching events on the
// calling goroutine until op returns. Events dispatched meanwhile may run
// other commands' callbacks: callers must not assume that state they read
// before Await is unchanged after it.
func (l *Loop) Await(ctx context.Context, op func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- op(ctx)
	}()

	for {
		select {
		case err := <-done:
			return err
		case fn := <-l.events:
			l.Dispatch(fn)
		case <-l.closed:
			return ErrClosed
		}
	}
}

// Close stops the loop. Pending events are discarded and later Posts fail.
// Close is idempotent.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.closed) })
}

// Closed returns a channel that is closed when the loop is closed.
func (l *Loop) Closed() <-chan struct{} {
	return l.closed
}
