// Package backend is a reference stage backend. It serves the parse, plan
// and execute start endpoints and their event streams, running each task
// in the background with a pluggable Runner per stage.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dusk-indust/nlpipe/internal/stagetask"
)

// Compile-time interface check.
var _ stagetask.Backend = (*Backend)(nil)

// Runner computes the result of one stage. report publishes a progress
// line; it may be called any number of times before Runner returns.
type Runner func(ctx context.Context, payload json.RawMessage, report func(msg string)) (json.RawMessage, error)

// Backend runs stage tasks and keeps their state in a task store that the
// event stream samples.
type Backend struct {
	store   *stagetask.TaskStore
	server  *stagetask.Server
	runners map[stagetask.Stage]Runner
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type config struct {
	endpoints  stagetask.Endpoints
	logger     *slog.Logger
	serverOpts []stagetask.ServerOption
}

// Option configures a Backend.
type Option func(*config)

// WithEndpoints sets the paths the backend serves. Only paths are used.
func WithEndpoints(e stagetask.Endpoints) Option {
	return func(c *config) {
		c.endpoints = e
	}
}

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithServerOptions passes options through to the event server.
func WithServerOptions(opts ...stagetask.ServerOption) Option {
	return func(c *config) {
		c.serverOpts = append(c.serverOpts, opts...)
	}
}

// New creates a backend that runs each stage with the matching runner.
func New(runners map[stagetask.Stage]Runner, opts ...Option) *Backend {
	cfg := config{
		endpoints: stagetask.DefaultEndpoints(""),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		store:   stagetask.NewTaskStore(),
		runners: runners,
		logger:  cfg.logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	serverOpts := append([]stagetask.ServerOption{stagetask.WithServerLogger(cfg.logger)}, cfg.serverOpts...)
	b.server = stagetask.NewServer(cfg.endpoints, b, serverOpts...)
	return b
}

// HandleStart creates a task for stage and runs it in the background. The
// task outlives ctx, which only covers the start request.
func (b *Backend) HandleStart(_ context.Context, stage stagetask.Stage, payload json.RawMessage) (string, error) {
	run, ok := b.runners[stage]
	if !ok {
		return "", fmt.Errorf("backend: no runner for %s stage", stage)
	}
	if b.ctx.Err() != nil {
		return "", errors.New("backend: shutting down")
	}

	now := time.Now()
	task := stagetask.Task{
		ID:          uuid.NewString(),
		Stage:       stage,
		Status:      stagetask.TaskStarting,
		LastMessage: "Task queued",
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.store.Create(task); err != nil {
		return "", fmt.Errorf("backend: create task: %w", err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(task.ID, stage, run, payload)
	}()

	b.logger.Info("backend: task started", "stage", stage.String(), "task_id", task.ID)
	return task.ID, nil
}

// Snapshot returns a copy of the task.
func (b *Backend) Snapshot(taskID string) (*stagetask.Task, error) {
	return b.store.Get(taskID)
}

// markCancelled marks a task cancelled if it has not finished. Its runner
// keeps going, but its result is discarded.
func (b *Backend) markCancelled(taskID string) error {
	return b.store.Update(taskID, func(t *stagetask.Task) {
		if !t.Status.IsTerminal() {
			t.Status = stagetask.TaskCancelled
			t.UpdatedAt = time.Now()
		}
	})
}

// Handler returns the HTTP handler for the stage endpoints.
func (b *Backend) Handler() http.Handler {
	return b.server.Handler()
}

// Start serves the stage endpoints on addr.
func (b *Backend) Start(ctx context.Context, addr string) error {
	return b.server.Start(ctx, addr)
}

// Stop shuts down the HTTP server, then stops running tasks and waits for
// them to exit.
func (b *Backend) Stop(ctx context.Context) error {
	err := b.server.Stop(ctx)
	b.cancel()
	b.wg.Wait()
	return err
}

func (b *Backend) run(id string, stage stagetask.Stage, run Runner, payload json.RawMessage) {
	b.update(id, func(t *stagetask.Task) {
		t.Status = stagetask.TaskStreaming
	})

	report := func(msg string) {
		b.update(id, func(t *stagetask.Task) {
			t.LastMessage = msg
			t.Logs = append(t.Logs, msg)
		})
	}

	result, err := run(b.ctx, payload, report)

	b.update(id, func(t *stagetask.Task) {
		switch {
		case errors.Is(err, context.Canceled):
			t.Status = stagetask.TaskCancelled
		case err != nil:
			t.Status = stagetask.TaskFailed
			t.Reason = err.Error()
		default:
			t.Status = stagetask.TaskCompleted
			t.Result = result
			t.LastMessage = "Completed"
		}
	})

	if err != nil {
		b.logger.Warn("backend: task failed", "stage", stage.String(), "task_id", id, "err", err)
		return
	}
	b.logger.Info("backend: task completed", "stage", stage.String(), "task_id", id)
}

// update applies fn unless the task has already finished.
func (b *Backend) update(id string, fn func(*stagetask.Task)) {
	err := b.store.Update(id, func(t *stagetask.Task) {
		if t.Status.IsTerminal() {
			return
		}
		fn(t)
		t.UpdatedAt = time.Now()
	})
	if err != nil {
		b.logger.Debug("backend: update dropped", "task_id", id, "err", err)
	}
}
