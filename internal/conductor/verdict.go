package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/kestrelhq/baton/internal/worker"
	"github.com/kestrelhq/baton/pkg/models"
)

// reviewerName is the registry role consulted during verification.
const reviewerName = "reviewer"

// verdict is the reviewer's JSON response.
type verdict struct {
	Approved      bool   `json:"approved"`
	RejectedSteps []int  `json:"rejected_steps"`
	Feedback      string `json:"feedback"`
}

// verify inspects the aggregated results and returns the step indices
// that need re-delegation. An empty return approves the round.
//
// Steps whose own delegation failed are always rejected; the reviewer
// can reject further steps on top. A missing or failing reviewer falls
// back to outcome-only verification rather than blocking the session.
func (c *Conductor) verify(ctx context.Context, sessionID, goal string, plan *models.Plan, results map[int]models.DelegationResult) []int {
	rejected := make(map[int]bool)
	for idx, res := range results {
		if !res.Success {
			rejected[idx] = true
		}
	}

	if v := c.review(ctx, sessionID, goal, plan, results); v != nil && !v.Approved {
		for _, idx := range v.RejectedSteps {
			if idx >= 0 && idx < len(plan.Steps) {
				rejected[idx] = true
			}
		}
		if v.Feedback != "" {
			if err := c.sessions.AppendMessage(sessionID, models.RoleSystem, "review feedback: "+v.Feedback); err != nil {
				log.Printf("[conductor] append review feedback: %v", err)
			}
		}
	}

	out := make([]int, 0, len(rejected))
	for idx := range rejected {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// review runs the reviewer worker and parses its verdict. Returns nil
// when no usable verdict could be obtained.
func (c *Conductor) review(ctx context.Context, sessionID, goal string, plan *models.Plan, results map[int]models.DelegationResult) *verdict {
	w := c.registry.Get(reviewerName)
	if w == nil {
		return nil
	}

	out, err := w.Run(ctx, worker.Input{
		SessionID: sessionID,
		Goal:      goal,
		Context:   reviewContext(plan, results),
	})
	if err != nil {
		log.Printf("[conductor] reviewer failed, falling back to outcome-only verification: %v", err)
		return nil
	}

	var v verdict
	if err := unmarshalLoose(out.Text, &v); err != nil {
		log.Printf("[conductor] unparseable review verdict, falling back to outcome-only verification: %v", err)
		return nil
	}
	return &v
}

// reviewContext renders each step's outcome for the reviewer.
func reviewContext(plan *models.Plan, results map[int]models.DelegationResult) []string {
	lines := make([]string, 0, len(plan.Steps))
	for i, step := range plan.Steps {
		res, ok := results[i]
		switch {
		case !ok:
			lines = append(lines, fmt.Sprintf("step %d (%s): no result", i, step.Worker))
		case res.Success:
			lines = append(lines, fmt.Sprintf("step %d (%s) succeeded: %s", i, step.Worker, res.Output))
		default:
			lines = append(lines, fmt.Sprintf("step %d (%s) failed: %s", i, step.Worker, res.Error))
		}
	}
	return lines
}

// unmarshalLoose extracts the first JSON object from text that may be
// wrapped in prose and unmarshals it into v.
func unmarshalLoose(text string, v any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return fmt.Errorf("no JSON object found in response (%d chars)", len(text))
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("unmarshal JSON: %w", err)
	}
	return nil
}
