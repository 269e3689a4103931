package stagetask

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoints locates the start and event endpoints of a stage backend.
type Endpoints struct {
	BaseURL string
	Parse   string
	Plan    string
	Execute string
	// Events is the path prefix of the event stream; the task id is appended.
	Events string
}

// DefaultEndpoints returns the standard endpoint layout under baseURL.
func DefaultEndpoints(baseURL string) Endpoints {
	return Endpoints{
		BaseURL: baseURL,
		Parse:   "/api/nl/parse",
		Plan:    "/api/nl/plan",
		Execute: "/api/nl/execute",
		Events:  "/api/nl/events/",
	}
}

// StartPath returns the start path for stage.
func (e Endpoints) StartPath(stage Stage) (string, error) {
	switch stage {
	case StageParse:
		return e.Parse, nil
	case StagePlan:
		return e.Plan, nil
	case StageExecute:
		return e.Execute, nil
	default:
		return "", fmt.Errorf("stagetask: unknown stage %d", int(stage))
	}
}

// StartURL returns the absolute start URL for stage.
func (e Endpoints) StartURL(stage Stage) (string, error) {
	path, err := e.StartPath(stage)
	if err != nil {
		return "", err
	}
	return e.join(path), nil
}

// EventsURL returns the absolute event stream URL for taskID.
func (e Endpoints) EventsURL(taskID string) string {
	return e.join(e.eventsPrefix() + url.PathEscape(taskID))
}

func (e Endpoints) eventsPrefix() string {
	if strings.HasSuffix(e.Events, "/") {
		return e.Events
	}
	return e.Events + "/"
}

func (e Endpoints) join(path string) string {
	return strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
