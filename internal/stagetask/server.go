package stagetask

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Backend processes stage start requests and exposes task snapshots for the
// event stream.
type Backend interface {
	// HandleStart creates and launches a task for stage and returns its id.
	HandleStart(ctx context.Context, stage Stage, payload json.RawMessage) (string, error)

	// Snapshot returns the current state of a task.
	Snapshot(taskID string) (*Task, error)
}

// Server is the HTTP server that exposes a Backend over the start and event
// endpoints.
type Server struct {
	endpoints    Endpoints
	backend      Backend
	logger       *slog.Logger
	pollInterval time.Duration
	keepAlive    time.Duration
	http         *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPollInterval sets how often the event stream samples task state.
func WithPollInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pollInterval = d
	}
}

// WithKeepAlive sets the interval between keep-alive comments.
func WithKeepAlive(d time.Duration) ServerOption {
	return func(s *Server) {
		s.keepAlive = d
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates a server for backend. Only the paths of endpoints are
// used; BaseURL is ignored.
func NewServer(endpoints Endpoints, backend Backend, opts ...ServerOption) *Server {
	s := &Server{
		endpoints:    endpoints,
		backend:      backend,
		logger:       slog.Default(),
		pollInterval: 300 * time.Millisecond,
		keepAlive:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
