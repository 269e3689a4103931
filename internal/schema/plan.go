package schema

// Step is one operation in an execution plan.
type Step struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Plan is an ordered sequence of steps.
type Plan []Step

// Clone returns an independent copy of the plan.
func (p Plan) Clone() Plan {
	if p == nil {
		return nil
	}
	out := make(Plan, len(p))
	copy(out, p)
	return out
}

// StepNames returns the name of every step in order.
func (p Plan) StepNames() []string {
	names := make([]string, len(p))
	for i, s := range p {
		names[i] = s.Name
	}
	return names
}

// PlanList is the ordered set of candidate plans returned by the plan stage.
type PlanList []Plan

// Clone returns a deep copy of the list.
func (l PlanList) Clone() PlanList {
	if l == nil {
		return nil
	}
	out := make(PlanList, len(l))
	for i, p := range l {
		out[i] = p.Clone()
	}
	return out
}
