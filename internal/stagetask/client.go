// Package stagetask starts remote stage tasks and follows their progress
// streams. It also carries the server side of the same contract, used by the
// reference backend.
package stagetask

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStartFailure is returned when a stage start call does not succeed.
	ErrStartFailure = errors.New("stagetask: start failure")

	// ErrStreamFailure marks a transport failure or an explicit error event.
	ErrStreamFailure = errors.New("stagetask: stream failure")
)

// Handler receives the events of one stream, serially and in server order.
// A handler must not call Close on its own stream while handling a progress
// event; after a terminal event Close is a no-op and may be called freely.
type Handler func(Event)

// Client starts stage tasks and subscribes to their progress streams.
type Client interface {
	// StartTask posts payload to the stage's start endpoint and returns the
	// task id. Failures wrap ErrStartFailure.
	StartTask(ctx context.Context, stage Stage, payload any) (string, error)

	// OpenStream subscribes to the task's progress stream. Events are passed
	// to handler until a terminal event is delivered or the stream is closed.
	// ctx bounds the lifetime of the subscription.
	OpenStream(ctx context.Context, taskID string, handler Handler) (*Stream, error)
}

// HTTPError is a non-success HTTP response from a stage endpoint.
type HTTPError struct {
	URL        string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("stagetask: %s: HTTP %d: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("stagetask: %s: HTTP %d", e.URL, e.StatusCode)
}
