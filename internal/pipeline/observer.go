package pipeline

import (
	"time"

	"github.com/dusk-indust/nlpipe/internal/stagetask"
)

// Outcome is how a stage task ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Observer is told when stage tasks start and finish. Every StageStarted is
// followed by exactly one StageFinished for the same stage. Calls are made
// with the controller lock held and must not call back into the controller.
type Observer interface {
	StageStarted(stage stagetask.Stage)
	StageFinished(stage stagetask.Stage, outcome Outcome, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) StageStarted(stagetask.Stage)                          {}
func (noopObserver) StageFinished(stagetask.Stage, Outcome, time.Duration) {}
