package stagetask

import (
	"context"
	"sync"
	"sync/atomic"
)

// Stream is an open subscription to one task's progress stream. It delivers
// events to its handler on a dedicated goroutine, one at a time.
//
// At most one terminal event is delivered. Once Close returns, no handler
// invocation is in progress and none will start. The handler must not call
// Close on its own stream; a terminal event ends the stream without it.
type Stream struct {
	taskID  string
	handler Handler
	cancel  context.CancelFunc

	// mu is held while the handler runs so Close can wait out an
	// in-flight delivery.
	mu        sync.Mutex
	closed    atomic.Bool
	terminal  atomic.Bool
	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// NewStream starts delivering events from src to handler. cancel releases
// whatever produces src and is called when the stream closes. If src is
// closed before a terminal event arrives, the handler receives an
// EventError wrapping ErrStreamFailure.
func NewStream(taskID string, src <-chan Event, cancel context.CancelFunc, handler Handler) *Stream {
	if cancel == nil {
		cancel = func() {}
	}
	s := &Stream{
		taskID:  taskID,
		handler: handler,
		cancel:  cancel,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.pump(src)
	return s
}

// TaskID returns the id of the task this stream follows.
func (s *Stream) TaskID() string {
	return s.taskID
}

// Close stops the stream. It is idempotent and safe to call from any
// goroutine other than the handler's. When it returns, no handler
// invocation is in progress, terminal or not, and none will start.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.quit)
		s.cancel()
	})

	// Wait out a delivery that started before closed was set.
	s.mu.Lock()
	defer s.mu.Unlock()
}

// Closed reports whether the stream has been closed, either explicitly or by
// delivering its terminal event.
func (s *Stream) Closed() bool {
	return s.closed.Load() || s.terminal.Load()
}

// Done is closed when the delivery goroutine has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) pump(src <-chan Event) {
	defer close(s.done)
	defer s.cancel()

	for {
		select {
		case <-s.quit:
			return
		case ev, ok := <-src:
			if !ok {
				s.deliver(streamError(s.taskID, "stream ended before a terminal event", nil))
				return
			}
			if !s.deliver(ev) || ev.Terminal() {
				return
			}
		}
	}
}

// deliver invokes the handler unless the stream is closed or has already
// delivered its terminal event.
func (s *Stream) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() || s.terminal.Load() {
		return false
	}
	if ev.Terminal() {
		s.terminal.Store(true)
	}
	s.handler(ev)
	return true
}
