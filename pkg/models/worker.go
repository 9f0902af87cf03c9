package models

// ModelTier represents the preferred model class for a worker.
type ModelTier string

const (
	// TierFast is for cheap, low-latency calls (classification, research).
	TierFast ModelTier = "fast"
	// TierStandard is for routine implementation work.
	TierStandard ModelTier = "standard"
	// TierDeep is for complex reasoning (planning, review).
	TierDeep ModelTier = "deep"
)

// Valid returns true if the tier is a known value.
func (t ModelTier) Valid() bool {
	switch t {
	case TierFast, TierStandard, TierDeep:
		return true
	default:
		return false
	}
}

// WorkerDescriptor is the static metadata for a registered worker.
// Descriptors are loaded at startup and never change.
type WorkerDescriptor struct {
	// Name uniquely identifies the worker within the registry.
	Name string `json:"name" yaml:"name"`
	// Description is a short account of what the worker does.
	Description string `json:"description" yaml:"description"`
	// Tags are the capability tags used for direct delegation matching.
	Tags []string `json:"tags" yaml:"tags"`
	// Tools lists tool names the worker is permitted to invoke.
	Tools []string `json:"tools" yaml:"tools"`
	// Tier is the preferred model tier for this worker.
	Tier ModelTier `json:"tier" yaml:"tier"`
	// Temperature is the sampling temperature for the worker's model calls.
	Temperature float64 `json:"temperature" yaml:"temperature"`
	// Category groups workers for display and bookkeeping.
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
}

// HasTag returns true if the descriptor carries the given capability tag.
func (d WorkerDescriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AllowsTool returns true if the worker's declared tool list includes name.
func (d WorkerDescriptor) AllowsTool(name string) bool {
	for _, t := range d.Tools {
		if t == name {
			return true
		}
	}
	return false
}
