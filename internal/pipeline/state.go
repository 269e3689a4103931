package pipeline

import (
	"fmt"

	"github.com/dusk-indust/nlpipe/internal/stagetask"
)

// Phase is the position of the controller in the stage state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseParseRunning
	PhaseParseReview
	PhasePlanRunning
	PhasePlanReview
	PhaseExecuteRunning
	PhaseDone
	PhaseFailed
	PhaseCancelled
)

func (p Phase) String() string {
	names := [...]string{
		"Idle",
		"ParseRunning",
		"ParseReview",
		"PlanRunning",
		"PlanReview",
		"ExecuteRunning",
		"Done",
		"Failed",
		"Cancelled",
	}
	if int(p) >= 0 && int(p) < len(names) {
		return names[p]
	}
	return "Unknown"
}

// Running reports whether a stage task is in flight in this phase.
func (p Phase) Running() bool {
	switch p {
	case PhaseParseRunning, PhasePlanRunning, PhaseExecuteRunning:
		return true
	}
	return false
}

// runningPhase returns the phase in which stage's task is in flight.
func runningPhase(stage stagetask.Stage) Phase {
	switch stage {
	case stagetask.StagePlan:
		return PhasePlanRunning
	case stagetask.StageExecute:
		return PhaseExecuteRunning
	default:
		return PhaseParseRunning
	}
}

// State is the observable controller state. Stage and Err are set only when
// Phase is PhaseFailed.
type State struct {
	Phase Phase
	Stage stagetask.Stage
	Err   error
}

// String renders the state, e.g. "PlanReview" or "Failed(Plan)".
func (s State) String() string {
	if s.Phase == PhaseFailed {
		return fmt.Sprintf("Failed(%s)", s.Stage)
	}
	return s.Phase.String()
}

// Failed reports whether the state is Failed(stage).
func (s State) Failed(stage stagetask.Stage) bool {
	return s.Phase == PhaseFailed && s.Stage == stage
}
