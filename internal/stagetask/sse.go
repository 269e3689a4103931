package stagetask

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SSEWriter writes named Server-Sent Events to an http.ResponseWriter.
// Call Init once before writing any events to set the required headers.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSEWriter wrapping the given ResponseWriter.
// If w does not implement http.Flusher, writes still succeed but may be
// buffered.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	f, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: f}
}

// Init sets the SSE response headers and flushes them to the client.
func (sw *SSEWriter) Init() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	sw.w.WriteHeader(http.StatusOK)
	sw.flush()
}

// WriteEvent serializes v as JSON and writes it as one named event:
//
//	event: <name>
//	data: {json}
func (sw *SSEWriter) WriteEvent(name EventKind, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	return sw.WriteRaw(name, data)
}

// WriteRaw writes pre-encoded JSON as one named event.
func (sw *SSEWriter) WriteRaw(name EventKind, data []byte) error {
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("sse: write event: %w", err)
	}
	sw.flush()
	return nil
}

// WriteComment writes a comment line, used as a keep-alive.
func (sw *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("sse: write comment: %w", err)
	}
	sw.flush()
	return nil
}

func (sw *SSEWriter) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

// Frame is one raw SSE event before decoding.
type Frame struct {
	Event string
	Data  string
	// Err is set when reading the body failed. It is the last frame sent.
	Err error
}

// ReadFrames reads SSE frames from body and delivers them on the returned
// channel. The channel is closed when the body is exhausted, a read error
// occurs, or ctx is cancelled. The body is closed when reading finishes.
//
// Format rules applied:
//   - "event:" sets the event name; it defaults to "message".
//   - "data:" lines are concatenated with newlines.
//   - Lines starting with ":" are comments and are ignored.
//   - An empty line dispatches the event.
func ReadFrames(ctx context.Context, body io.ReadCloser) <-chan Frame {
	ch := make(chan Frame)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		var (
			name    string
			dataBuf strings.Builder
			hasData bool
		)
		dispatch := func() bool {
			if !hasData {
				name = ""
				return true
			}
			fr := Frame{Event: name, Data: dataBuf.String()}
			if fr.Event == "" {
				fr.Event = "message"
			}
			name, hasData = "", false
			dataBuf.Reset()
			return sendFrame(ctx, ch, fr)
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if !scanner.Scan() {
				if err := scanner.Err(); err != nil && ctx.Err() == nil {
					sendFrame(ctx, ch, Frame{Err: err})
					return
				}
				dispatch()
				return
			}

			line := scanner.Text()
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")

			switch {
			case line == "":
				if !dispatch() {
					return
				}
			case field == "":
				// Comment line.
			case field == "event":
				name = value
			case field == "data":
				if hasData {
					dataBuf.WriteByte('\n')
				}
				dataBuf.WriteString(value)
				hasData = true
			default:
				// id, retry and unknown fields are ignored.
			}
		}
	}()
	return ch
}

func sendFrame(ctx context.Context, ch chan<- Frame, fr Frame) bool {
	select {
	case ch <- fr:
		return true
	case <-ctx.Done():
		return false
	}
}

// DecodeFrame converts a raw frame into an Event. Frames that carry no
// stream semantics (unknown event names) return ok=false.
//
// "result" is accepted as an alias of "complete", and a result wrapped in a
// {"type":"result","data":...} envelope is unwrapped. Error events may carry
// either a reason or a message.
func DecodeFrame(taskID string, fr Frame) (ev Event, ok bool) {
	if fr.Err != nil {
		return streamError(taskID, fr.Err.Error(), fr.Err), true
	}

	switch fr.Event {
	case "progress", "message":
		p := Progress{}
		if err := json.Unmarshal([]byte(fr.Data), &p); err != nil {
			p = Progress{Description: fr.Data}
		}
		if p.TaskID == "" {
			p.TaskID = taskID
		}
		return Event{Kind: EventProgress, TaskID: taskID, Progress: p}, true

	case "complete", "result":
		raw := json.RawMessage(bytes.TrimSpace([]byte(fr.Data)))
		if !json.Valid(raw) {
			return streamError(taskID, "malformed result payload", nil), true
		}
		return Event{Kind: EventComplete, TaskID: taskID, Result: unwrapResult(raw)}, true

	case "error":
		var p ErrorPayload
		reason := fr.Data
		if err := json.Unmarshal([]byte(fr.Data), &p); err == nil {
			switch {
			case p.Reason != "":
				reason = p.Reason
			case p.Message != "":
				reason = p.Message
			}
		}
		return streamError(taskID, reason, nil), true
	}
	return Event{}, false
}

// unwrapResult strips the {"type":"result","data":...} envelope some
// backends put around the stage result.
func unwrapResult(raw json.RawMessage) json.RawMessage {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != "result" || len(env.Data) == 0 {
		return raw
	}
	return env.Data
}

func streamError(taskID, reason string, cause error) Event {
	err := fmt.Errorf("%w: task %s: %s", ErrStreamFailure, taskID, reason)
	if cause != nil {
		err = fmt.Errorf("%w: task %s: %w", ErrStreamFailure, taskID, cause)
	}
	return Event{Kind: EventError, TaskID: taskID, Reason: reason, Err: err}
}
