package pipeline

import (
	"errors"
	"fmt"

	"github.com/dusk-indust/nlpipe/internal/checkpoint"
	"github.com/dusk-indust/nlpipe/internal/stagetask"
)

var (
	// ErrSessionBusy is returned when a query is submitted while a session
	// is in flight.
	ErrSessionBusy = errors.New("pipeline: session busy")

	// ErrEmptyPlanList is the failure of a plan stage that produced no
	// candidate plans.
	ErrEmptyPlanList = errors.New("pipeline: plan stage returned no plans")

	// ErrNotReviewing is returned by checkpoint operations called outside
	// the checkpoint they belong to.
	ErrNotReviewing = errors.New("pipeline: not at the matching checkpoint")

	// ErrCancelled is returned by a stage-starting call whose session was
	// cancelled before the stage got going.
	ErrCancelled = errors.New("pipeline: session cancelled")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("pipeline: controller closed")

	ErrStartFailure     = stagetask.ErrStartFailure
	ErrStreamFailure    = stagetask.ErrStreamFailure
	ErrInvalidSelection = checkpoint.ErrInvalidSelection
	ErrNoSelection      = checkpoint.ErrNoSelection
	ErrFieldNotFound    = checkpoint.ErrFieldNotFound
	ErrDuplicateKey     = checkpoint.ErrDuplicateKey
	ErrEmptyKey         = checkpoint.ErrEmptyKey
)

// StageError is a failure attributed to one stage. It unwraps to the
// underlying cause, so errors.Is matches ErrStartFailure, ErrStreamFailure
// or ErrEmptyPlanList.
type StageError struct {
	Stage stagetask.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
