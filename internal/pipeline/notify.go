package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/dusk-indust/nlpipe/internal/stagetask"
)

// Notification reports a state change or stage progress to the host.
type Notification struct {
	State   State
	Stage   stagetask.Stage
	TaskID  string
	Message string
	Logs    []string
	Time    time.Time
}

// Notifier emits notifications through a buffered channel. Emit never
// blocks; when the buffer is full the notification is dropped.
type Notifier struct {
	mu     sync.Mutex
	ch     chan Notification
	closed bool
}

// NewNotifier creates a Notifier with a buffer of size entries.
func NewNotifier(size int) *Notifier {
	return &Notifier{ch: make(chan Notification, size)}
}

// Emit sends n without blocking. It is a no-op after Close.
func (n *Notifier) Emit(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.ch <- note:
	default:
	}
}

// Subscribe returns the channel notifications are delivered on.
func (n *Notifier) Subscribe() <-chan Notification {
	return n.ch
}

// Close closes the channel. Calling it more than once is safe.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.ch)
}

// FormatNotification renders a notification as a single status line.
func FormatNotification(note Notification) string {
	switch note.State.Phase {
	case PhaseParseRunning, PhasePlanRunning, PhaseExecuteRunning:
		if note.Message == "" {
			return fmt.Sprintf("  ● %s...", note.Stage)
		}
		return fmt.Sprintf("  ● %s: %s", note.Stage, note.Message)
	case PhaseParseReview, PhasePlanReview:
		return fmt.Sprintf("  ○ %s (%s)", note.State, note.Message)
	case PhaseDone:
		return fmt.Sprintf("  ✓ %s", note.Message)
	case PhaseFailed:
		return fmt.Sprintf("  ✗ %s stage failed: %s", note.State.Stage, note.Message)
	case PhaseCancelled:
		return "  ✗ cancelled"
	default:
		return fmt.Sprintf("  %s", note.State)
	}
}
