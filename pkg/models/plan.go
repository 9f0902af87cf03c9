package models

import (
	"errors"
	"fmt"
)

// ErrCycleDetected marks a dependency set that cannot be ordered.
// Steps may only depend on earlier steps, so a self or forward
// reference is always cycle-shaped.
var ErrCycleDetected = errors.New("dependency cycle detected")

// Step is one unit of a plan, assigned to a worker and optionally
// dependent on earlier steps.
type Step struct {
	// Description is what the step should accomplish.
	Description string `json:"description" yaml:"description"`
	// Worker is the name of the worker assigned to this step.
	Worker string `json:"worker" yaml:"worker"`
	// DependsOn lists indices of steps that must complete first.
	DependsOn []int `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Plan is an ordered decomposition of a goal into dependency-linked steps.
// A plan is never mutated after creation; a rejected or revised plan is
// replaced wholesale.
type Plan struct {
	// Steps is the ordered step list.
	Steps []Step `json:"steps" yaml:"steps"`
}

// RequirementsNote captures the analyst's read of a goal before planning.
type RequirementsNote struct {
	// Requirements enumerates hidden requirements discovered in the goal.
	Requirements []string `json:"requirements,omitempty"`
	// Risks enumerates likely failure points.
	Risks []string `json:"risks,omitempty"`
	// Summary is a short restatement of the goal.
	Summary string `json:"summary,omitempty"`
}

// Validate checks that every dependency index points at an earlier,
// existing step. Forward or self references make the plan unusable.
func (p *Plan) Validate() error {
	for i, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if dep < 0 || dep >= len(p.Steps) {
				return &PlanError{Step: i, Reason: "dependency index out of range"}
			}
			if dep >= i {
				return &PlanError{Step: i, Reason: "dependency must reference an earlier step", cause: ErrCycleDetected}
			}
		}
	}
	return nil
}

// PlanError describes why a plan was rejected.
type PlanError struct {
	// Step is the index of the offending step.
	Step int
	// Reason is a human-readable explanation.
	Reason string

	cause error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("invalid plan step %d: %s", e.Step, e.Reason)
}

// Unwrap exposes the sentinel behind the rejection, if any.
func (e *PlanError) Unwrap() error {
	return e.cause
}
