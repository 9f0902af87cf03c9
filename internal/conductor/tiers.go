package conductor

import (
	"strings"

	"github.com/kestrelhq/baton/pkg/models"
)

// fastKeywords mark lightweight goals served by the fast tier.
var fastKeywords = []string{
	"typo",
	"rename",
	"formatting",
	"comment",
	"docs",
	"readme",
	"documentation",
	"find",
	"search",
	"list",
	"where",
	"show",
}

// deepKeywords mark goals that warrant the deep tier.
var deepKeywords = []string{
	"refactor",
	"redesign",
	"rewrite",
	"restructure",
	"migrate",
	"migration",
	"auth",
	"authentication",
	"security",
	"schema",
	"database",
	"infrastructure",
}

// tierForGoal classifies a goal into a model tier by keyword. Deep
// keywords take priority over fast ones; anything unmatched is standard.
func tierForGoal(goal string) models.ModelTier {
	lower := strings.ToLower(goal)
	for _, kw := range deepKeywords {
		if strings.Contains(lower, kw) {
			return models.TierDeep
		}
	}
	for _, kw := range fastKeywords {
		if strings.Contains(lower, kw) {
			return models.TierFast
		}
	}
	return models.TierStandard
}
