package models

// IntentCategory classifies what kind of work a user message asks for.
type IntentCategory string

const (
	// IntentTrivial is a request answerable by a single quick worker call.
	IntentTrivial IntentCategory = "trivial"
	// IntentExplicit is a concrete, well-scoped instruction.
	IntentExplicit IntentCategory = "explicit"
	// IntentExploratory is a research or investigation request.
	IntentExploratory IntentCategory = "exploratory"
	// IntentOpenEnded is a broad goal that needs decomposition.
	IntentOpenEnded IntentCategory = "open_ended"
	// IntentAmbiguous is a request whose scope could not be determined.
	// Unparseable classification output degrades to this value.
	IntentAmbiguous IntentCategory = "ambiguous"
)

// Valid returns true if the category is a known value.
func (c IntentCategory) Valid() bool {
	switch c {
	case IntentTrivial, IntentExplicit, IntentExploratory, IntentOpenEnded, IntentAmbiguous:
		return true
	default:
		return false
	}
}

// NeedsPlanning returns true for categories that trigger the planner stage.
func (c IntentCategory) NeedsPlanning() bool {
	switch c {
	case IntentOpenEnded, IntentExploratory, IntentAmbiguous:
		return true
	default:
		return false
	}
}
