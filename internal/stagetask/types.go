package stagetask

import (
	"encoding/json"
	"time"
)

// Stage identifies one remote computation phase of the pipeline.
type Stage int

const (
	StageParse Stage = iota
	StagePlan
	StageExecute
)

func (s Stage) String() string {
	switch s {
	case StageParse:
		return "Parse"
	case StagePlan:
		return "Plan"
	case StageExecute:
		return "Execute"
	default:
		return "Unknown"
	}
}

// Stages lists every stage in pipeline order.
var Stages = []Stage{StageParse, StagePlan, StageExecute}

// TaskStatus is the lifecycle state of a stage task.
type TaskStatus string

const (
	TaskStarting  TaskStatus = "starting"
	TaskStreaming TaskStatus = "streaming"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if no further events can follow this status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task is one run of a stage. Clients keep a Task for as long as its stream
// is open; backends keep it in a TaskStore.
type Task struct {
	ID          string          `json:"task_id"`
	Stage       Stage           `json:"stage"`
	Status      TaskStatus      `json:"status"`
	LastMessage string          `json:"description,omitempty"`
	Logs        []string        `json:"logs,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StartResponse is returned by every stage start endpoint.
type StartResponse struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

// --- Stream events ---

// EventKind names an event on a task progress stream.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// Progress is the payload of a progress event. Backends send a snapshot of
// the task; only Description is required.
type Progress struct {
	TaskID      string    `json:"task_id,omitempty"`
	Description string    `json:"description"`
	Logs        []string  `json:"logs,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event is a decoded event delivered to a stream handler.
type Event struct {
	Kind   EventKind
	TaskID string

	// Progress is set for EventProgress.
	Progress Progress

	// Result holds the raw stage result for EventComplete.
	Result json.RawMessage

	// Reason describes the failure for EventError.
	Reason string

	// Err is set for EventError. It wraps ErrStreamFailure.
	Err error
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}
