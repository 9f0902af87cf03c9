// Package planner runs the two-role planning stage: an analyst surfaces
// hidden requirements and risks, then a strategist decomposes the goal
// into an ordered, dependency-linked step list.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/kestrelhq/baton/internal/worker"
	"github.com/kestrelhq/baton/pkg/models"
)

// Default role names resolved through the registry.
const (
	DefaultAnalyst    = "analyst"
	DefaultStrategist = "strategist"
)

// Stage produces a requirements note and a plan for a complex goal.
// A failure anywhere in the stage is recoverable: the caller falls back
// to direct single-step delegation.
type Stage struct {
	registry   *worker.Registry
	analyst    string
	strategist string
}

// New creates a planning stage backed by the registry's analyst and
// strategist roles.
func New(registry *worker.Registry) *Stage {
	return &Stage{
		registry:   registry,
		analyst:    DefaultAnalyst,
		strategist: DefaultStrategist,
	}
}

// Prepare analyzes the goal and decomposes it into a validated plan.
// The returned plan always has at least one step and no dependency on a
// later or missing step; anything else comes back as an error so the
// caller can fall back.
func (s *Stage) Prepare(ctx context.Context, sessionID, goal string, priorContext []string) (*models.RequirementsNote, *models.Plan, error) {
	note := s.analyze(ctx, sessionID, goal, priorContext)

	plan, err := s.decompose(ctx, sessionID, goal, note)
	if err != nil {
		return note, nil, err
	}
	return note, plan, nil
}

// analyze runs the analyst role. Its failure never aborts planning; a
// goal with no requirements note still gets decomposed.
func (s *Stage) analyze(ctx context.Context, sessionID, goal string, priorContext []string) *models.RequirementsNote {
	w := s.registry.Get(s.analyst)
	if w == nil {
		log.Printf("[planner] no analyst registered, skipping requirements pass")
		return &models.RequirementsNote{}
	}

	out, err := w.Run(ctx, worker.Input{
		SessionID: sessionID,
		Goal:      goal,
		Context:   priorContext,
	})
	if err != nil {
		log.Printf("[planner] analyst failed, continuing without note: %v", err)
		return &models.RequirementsNote{}
	}

	var note models.RequirementsNote
	if err := unmarshalObject(out.Text, &note); err != nil {
		log.Printf("[planner] unparseable requirements note, continuing without: %v", err)
		return &models.RequirementsNote{}
	}
	return &note
}

// decompose runs the strategist role and validates its output.
func (s *Stage) decompose(ctx context.Context, sessionID, goal string, note *models.RequirementsNote) (*models.Plan, error) {
	w := s.registry.Get(s.strategist)
	if w == nil {
		return nil, fmt.Errorf("no strategist registered under %q", s.strategist)
	}

	out, err := w.Run(ctx, worker.Input{
		SessionID: sessionID,
		Goal:      goal,
		Context:   s.decompositionContext(note),
	})
	if err != nil {
		return nil, fmt.Errorf("strategist run: %w", err)
	}

	var plan models.Plan
	if err := unmarshalObject(out.Text, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("strategist produced no steps")
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("validate plan: %w", err)
	}
	if err := s.checkAssignments(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// decompositionContext renders the requirements note and the available
// execution roles into context lines for the strategist.
func (s *Stage) decompositionContext(note *models.RequirementsNote) []string {
	var lines []string
	if note.Summary != "" {
		lines = append(lines, "Goal summary: "+note.Summary)
	}
	for _, req := range note.Requirements {
		lines = append(lines, "Requirement: "+req)
	}
	for _, risk := range note.Risks {
		lines = append(lines, "Risk: "+risk)
	}

	var roles []string
	for _, desc := range s.registry.Descriptors() {
		if desc.Category == "planning" {
			continue
		}
		roles = append(roles, fmt.Sprintf("%s (%s)", desc.Name, desc.Description))
	}
	if len(roles) > 0 {
		lines = append(lines, "Available workers: "+strings.Join(roles, "; "))
	}
	return lines
}

// checkAssignments rejects plans that assign steps to unregistered
// workers or to planning roles, which must not execute steps.
func (s *Stage) checkAssignments(plan *models.Plan) error {
	for i, step := range plan.Steps {
		w := s.registry.Get(step.Worker)
		if w == nil {
			return &models.PlanError{Step: i, Reason: fmt.Sprintf("unknown worker %q", step.Worker)}
		}
		if w.Descriptor().Category == "planning" {
			return &models.PlanError{Step: i, Reason: fmt.Sprintf("worker %q is a planning role", step.Worker)}
		}
	}
	return nil
}

// unmarshalObject extracts the first JSON object from text that may be
// wrapped in prose or markdown fences and unmarshals it into v.
func unmarshalObject(text string, v any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		preview := text
		if len(preview) > 200 {
			preview = preview[:200] + "... (truncated)"
		}
		return fmt.Errorf("no JSON object found in response (%d chars): %q", len(text), preview)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("unmarshal JSON: %w", err)
	}
	return nil
}
