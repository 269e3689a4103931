package checkpoint

import (
	"errors"
	"fmt"

	"github.com/dusk-indust/nlpipe/internal/schema"
)

var (
	// ErrInvalidSelection is returned for a plan index outside the list.
	ErrInvalidSelection = errors.New("checkpoint: invalid plan selection")

	// ErrNoSelection is returned when confirming before a plan was chosen.
	ErrNoSelection = errors.New("checkpoint: no plan selected")
)

const noSelection = -1

// Selector tracks a single choice among candidate plans.
type Selector struct {
	plans    schema.PlanList
	selected int
}

// NewSelector returns a Selector over a copy of plans with nothing chosen.
func NewSelector(plans schema.PlanList) *Selector {
	return &Selector{plans: plans.Clone(), selected: noSelection}
}

// Select chooses the plan at index i, replacing any previous choice.
func (s *Selector) Select(i int) error {
	if i < 0 || i >= len(s.plans) {
		return fmt.Errorf("%w: index %d, %d plans", ErrInvalidSelection, i, len(s.plans))
	}
	s.selected = i
	return nil
}

// Clear drops the current choice.
func (s *Selector) Clear() {
	s.selected = noSelection
}

// Selected returns the chosen index and whether a choice was made.
func (s *Selector) Selected() (int, bool) {
	return s.selected, s.selected != noSelection
}

// Confirm returns a copy of the chosen plan. It fails until exactly one plan
// has been selected.
func (s *Selector) Confirm() (schema.Plan, error) {
	if s.selected == noSelection {
		return nil, ErrNoSelection
	}
	return s.plans[s.selected].Clone(), nil
}

// Plans returns a copy of the candidate plans.
func (s *Selector) Plans() schema.PlanList {
	return s.plans.Clone()
}

// Len returns the number of candidate plans.
func (s *Selector) Len() int {
	return len(s.plans)
}
