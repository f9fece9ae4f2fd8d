package schemas

// PlanStep is one step of a predefined execution plan.
type PlanStep struct {
	ID              string `json:"id"`
	Intent          string `json:"intent"`
	Description     string `json:"description"`
	SuccessCriteria string `json:"success_criteria,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
}

// Plan constrains a session to an ordered list of steps instead of
// open-ended goal pursuit.
type Plan struct {
	Steps       []PlanStep `json:"steps"`
	CurrentStep int        `json:"current_step"`
	Attempts    int        `json:"attempts"`
}

// Step returns the step under the cursor, or false when the plan is done.
func (p *Plan) Step() (PlanStep, bool) {
	if p == nil || p.CurrentStep < 0 || p.CurrentStep >= len(p.Steps) {
		return PlanStep{}, false
	}
	return p.Steps[p.CurrentStep], true
}

// Advance moves the cursor to the next step and resets the attempt counter.
func (p *Plan) Advance() {
	if p == nil {
		return
	}
	p.CurrentStep++
	p.Attempts = 0
}

// Done reports whether every step has been completed. A nil plan has nothing
// left to do.
func (p *Plan) Done() bool {
	return p == nil || p.CurrentStep >= len(p.Steps)
}
