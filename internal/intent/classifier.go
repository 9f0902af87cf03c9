// Package intent maps the latest user message plus session context to one
// of a fixed set of intent categories.
package intent

import (
	"context"
	"log"
	"strings"

	"github.com/kestrelhq/baton/pkg/models"
)

// trivialKeywords indicate work answerable by one quick worker call.
var trivialKeywords = []string{
	"typo",
	"rename",
	"comment",
	"readme",
	"formatting",
	"version",
	"whitespace",
}

// exploratoryKeywords indicate research or investigation requests.
var exploratoryKeywords = []string{
	"how does",
	"why does",
	"what is",
	"where is",
	"explain",
	"investigate",
	"research",
	"find out",
	"look into",
}

// openEndedKeywords indicate broad goals that need decomposition.
var openEndedKeywords = []string{
	"build",
	"implement",
	"redesign",
	"refactor",
	"migrate",
	"rewrite",
	"add support",
	"from scratch",
	"end to end",
}

// explicitVerbs start concrete, well-scoped instructions.
var explicitVerbs = []string{
	"fix",
	"change",
	"update",
	"remove",
	"delete",
	"add",
	"replace",
	"move",
	"set",
}

// Labeler is the seam for model-backed classification. Tests and the
// default configuration substitute nothing and rely on the deterministic
// keyword path.
type Labeler interface {
	// Label returns an intent category name for the message.
	Label(ctx context.Context, message string, history []string) (string, error)
}

// Classifier maps messages to intent categories. It is pure with respect
// to session state and deterministic given identical inputs.
type Classifier struct {
	labeler Labeler
}

// NewClassifier creates a keyword-driven classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// NewClassifierWithLabeler creates a classifier that asks the labeler
// first and degrades to ambiguous when its output is unparseable.
func NewClassifierWithLabeler(l Labeler) *Classifier {
	return &Classifier{labeler: l}
}

// Classify maps the latest message plus prior log to an intent category.
// It never fails for well-formed input: every degradation path lands on
// a valid category.
func (c *Classifier) Classify(ctx context.Context, message string, history []models.Message) models.IntentCategory {
	if c.labeler != nil {
		return c.classifyWithLabeler(ctx, message, history)
	}
	return classifyKeywords(message)
}

// classifyWithLabeler consults the model seam. Unknown labels and call
// failures degrade to ambiguous; they are logged, never propagated.
func (c *Classifier) classifyWithLabeler(ctx context.Context, message string, history []models.Message) models.IntentCategory {
	hist := make([]string, 0, len(history))
	for _, msg := range history {
		hist = append(hist, string(msg.Role)+": "+msg.Content)
	}

	label, err := c.labeler.Label(ctx, message, hist)
	if err != nil {
		log.Printf("[intent] labeler failed, degrading to ambiguous: %v", err)
		return models.IntentAmbiguous
	}

	category := models.IntentCategory(strings.ToLower(strings.TrimSpace(label)))
	if !category.Valid() {
		log.Printf("[intent] unparseable label %q, degrading to ambiguous", label)
		return models.IntentAmbiguous
	}
	return category
}

// classifyKeywords is the deterministic keyword path.
// Priority: open-ended beats exploratory beats trivial beats explicit,
// mirroring how much orchestration each category triggers.
func classifyKeywords(message string) models.IntentCategory {
	lower := strings.ToLower(message)

	for _, kw := range openEndedKeywords {
		if strings.Contains(lower, kw) {
			return models.IntentOpenEnded
		}
	}
	for _, kw := range exploratoryKeywords {
		if strings.Contains(lower, kw) {
			return models.IntentExploratory
		}
	}
	for _, kw := range trivialKeywords {
		if strings.Contains(lower, kw) {
			return models.IntentTrivial
		}
	}

	// A concrete instruction names an action up front and usually a
	// target (a path-looking token).
	fields := strings.Fields(lower)
	if len(fields) > 0 {
		for _, verb := range explicitVerbs {
			if fields[0] == verb {
				return models.IntentExplicit
			}
		}
	}

	return models.IntentAmbiguous
}
