package stagetask

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Handler returns the HTTP handler serving the start and event endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, stage := range Stages {
		path, _ := s.endpoints.StartPath(stage)
		mux.HandleFunc("POST "+path, s.handleStart(stage))
	}
	mux.HandleFunc("GET "+s.endpoints.eventsPrefix()+"{task_id}", s.handleEvents)
	return mux
}

// Start listens on addr and begins serving in a background goroutine. It
// returns once the listener is bound.
func (s *Server) Start(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("stagetask: listen %s: %w", addr, err)
	}

	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("stagetask: server stopped", "err", err)
		}
	}()

	s.logger.Info("stagetask: serving", "addr", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// handleStart decodes the stage payload and hands it to the backend.
func (s *Server) handleStart(stage Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
		if err != nil {
			writeStartError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		body = bytes.TrimSpace(body)
		if !json.Valid(body) {
			writeStartError(w, http.StatusBadRequest, "request body is not valid JSON")
			return
		}

		taskID, err := s.backend.HandleStart(r.Context(), stage, body)
		if err != nil {
			s.logger.Warn("stagetask: start failed", "stage", stage.String(), "err", err)
			writeStartError(w, http.StatusInternalServerError, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(StartResponse{TaskID: taskID})
	}
}

// handleEvents streams task snapshots as progress events until the task
// reaches a terminal status, then sends exactly one complete or error event.
// Unchanged snapshots are not re-sent; keep-alive comments are written
// periodically so proxies keep the connection open.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	sw := NewSSEWriter(w)
	sw.Init()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var last []byte
	heartbeatAt := time.Now()

	for {
		task, err := s.backend.Snapshot(taskID)
		if err != nil {
			sw.WriteEvent(EventError, ErrorPayload{Reason: "task not found"})
			return
		}

		switch task.Status {
		case TaskCompleted:
			sw.WriteRaw(EventComplete, task.Result)
			return
		case TaskFailed:
			sw.WriteEvent(EventError, ErrorPayload{Reason: task.Reason})
			return
		case TaskCancelled:
			sw.WriteEvent(EventError, ErrorPayload{Reason: "task cancelled"})
			return
		}

		payload, err := json.Marshal(Progress{
			TaskID:      task.ID,
			Description: task.LastMessage,
			Logs:        task.Logs,
			StartedAt:   task.StartedAt,
			UpdatedAt:   task.UpdatedAt,
		})
		if err == nil && !bytes.Equal(payload, last) {
			last = payload
			if err := sw.WriteRaw(EventProgress, payload); err != nil {
				return
			}
		}

		if time.Since(heartbeatAt) > s.keepAlive {
			if err := sw.WriteComment("keep-alive"); err != nil {
				return
			}
			heartbeatAt = time.Now()
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writeStartError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(StartResponse{Error: msg})
}
