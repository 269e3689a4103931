package stagetask

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Compile-time interface check.
var _ Client = (*HTTPClient)(nil)

// HTTPClient implements Client over JSON start endpoints and SSE event
// streams.
type HTTPClient struct {
	http         *http.Client
	endpoints    Endpoints
	startTimeout time.Duration
	logger       *slog.Logger
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithStartTimeout bounds each start call. Streams are not bounded.
func WithStartTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.startTimeout = d
	}
}

// WithHTTPClient replaces the underlying *http.Client entirely. Its Timeout
// should be zero, since it would also cut off open streams.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.http = hc
	}
}

// WithLogger sets the logger used for stream diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *HTTPClient) {
		c.logger = l
	}
}

// NewHTTPClient creates a client for the backend described by endpoints.
func NewHTTPClient(endpoints Endpoints, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		http:         &http.Client{},
		endpoints:    endpoints,
		startTimeout: 30 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartTask posts payload to the stage's start endpoint.
func (c *HTTPClient) StartTask(ctx context.Context, stage Stage, payload any) (string, error) {
	taskID, err := c.start(ctx, stage, payload)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrStartFailure, stage, err)
	}
	return taskID, nil
}

func (c *HTTPClient) start(ctx context.Context, stage Stage, payload any) (string, error) {
	url, err := c.endpoints.StartURL(stage)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	if c.startTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.startTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPError{URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var sr StartResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if sr.Error != "" {
		return "", fmt.Errorf("backend: %s", sr.Error)
	}
	if sr.TaskID == "" {
		return "", fmt.Errorf("response carries no task_id")
	}
	return sr.TaskID, nil
}

// OpenStream subscribes to the task's SSE event stream. It returns once the
// response headers arrive; events are then delivered to handler in order.
func (c *HTTPClient) OpenStream(ctx context.Context, taskID string, handler Handler) (*Stream, error) {
	url := c.endpoints.EventsURL(taskID)

	sctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(sctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: create request: %w", ErrStreamFailure, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: task %s: %w", ErrStreamFailure, taskID, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrStreamFailure,
			&HTTPError{URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	events := c.decode(sctx, taskID, ReadFrames(sctx, resp.Body))
	return NewStream(taskID, events, cancel, handler), nil
}

// decode turns raw frames into events, dropping frames with no stream
// meaning. The output closes after a terminal event or when frames closes.
func (c *HTTPClient) decode(ctx context.Context, taskID string, frames <-chan Frame) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for fr := range frames {
			ev, ok := DecodeFrame(taskID, fr)
			if !ok {
				c.logger.Debug("stagetask: ignoring event", "task_id", taskID, "event", fr.Event)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}()
	return out
}
