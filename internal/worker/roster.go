package worker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kestrelhq/baton/pkg/models"
)

// rosterEntry pairs a descriptor with its system prompt in the roster file.
type rosterEntry struct {
	models.WorkerDescriptor `yaml:",inline"`
	// System is the system prompt for the role.
	System string `yaml:"system"`
}

// rosterFile is the on-disk roster format.
type rosterFile struct {
	Workers []rosterEntry `yaml:"workers"`
}

// readOnlyTools is the tool set for analysis-only roles. Planner-stage
// workers must not modify code, enforced here by omitting Write/Edit/Bash.
var readOnlyTools = []string{"Read", "Glob", "Grep"}

// defaultRoster returns the built-in worker roster.
func defaultRoster() []rosterEntry {
	return []rosterEntry{
		{
			WorkerDescriptor: models.WorkerDescriptor{
				Name:        "analyst",
				Description: "Surfaces hidden requirements and likely failure points before planning",
				Tags:        []string{"analyze", "requirements"},
				Tools:       readOnlyTools,
				Tier:        models.TierDeep,
				Temperature: 0.2,
				Category:    "planning",
			},
			System: "You are a requirements analyst. Given a goal, enumerate hidden requirements and likely failure points. Respond with JSON: {\"summary\": ..., \"requirements\": [...], \"risks\": [...]}. Do not modify anything.",
		},
		{
			WorkerDescriptor: models.WorkerDescriptor{
				Name:        "strategist",
				Description: "Decomposes a goal into an ordered, dependency-linked step list",
				Tags:        []string{"plan", "decompose"},
				Tools:       readOnlyTools,
				Tier:        models.TierDeep,
				Temperature: 0.2,
				Category:    "planning",
			},
			System: "You are a planning strategist. Decompose the goal into ordered steps. Respond with JSON: {\"steps\": [{\"description\": ..., \"worker\": ..., \"depends_on\": [indices]}]}. Assign each step to one of the named workers. Do not modify anything.",
		},
		{
			WorkerDescriptor: models.WorkerDescriptor{
				Name:        "coder",
				Description: "Implements code changes",
				Tags:        []string{"code", "implement", "fix"},
				Tools:       []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep"},
				Tier:        models.TierStandard,
				Temperature: 0.0,
				Category:    "execution",
			},
			System: "You are a software engineer. Implement the requested change. Keep edits minimal and verify with the available tools where possible.",
		},
		{
			WorkerDescriptor: models.WorkerDescriptor{
				Name:        "reviewer",
				Description: "Reviews aggregated results and approves or rejects with actionable feedback",
				Tags:        []string{"review", "verify"},
				Tools:       readOnlyTools,
				Tier:        models.TierDeep,
				Temperature: 0.0,
				Category:    "verification",
			},
			System: "You are a reviewer. Inspect the completed work against the original goal. Respond with JSON: {\"approved\": bool, \"rejected_steps\": [indices], \"feedback\": ...}.",
		},
		{
			WorkerDescriptor: models.WorkerDescriptor{
				Name:        "vcs",
				Description: "Performs version-control operations",
				Tags:        []string{"git", "commit", "branch"},
				Tools:       []string{"Bash", "Read"},
				Tier:        models.TierFast,
				Temperature: 0.0,
				Category:    "execution",
			},
			System: "You are a version-control operator. Perform the requested git operation and report what you did.",
		},
		{
			WorkerDescriptor: models.WorkerDescriptor{
				Name:        "researcher",
				Description: "Investigates the codebase and answers questions without modifying it",
				Tags:        []string{"research", "explore", "explain"},
				Tools:       readOnlyTools,
				Tier:        models.TierFast,
				Temperature: 0.3,
				Category:    "execution",
			},
			System: "You are a code researcher. Investigate and answer the question using read-only tools. Never modify files.",
		},
	}
}

// LoadRoster reads worker descriptors from a YAML roster file.
// An empty path returns the built-in default roster.
func LoadRoster(path string) ([]rosterEntry, error) {
	if path == "" {
		return defaultRoster(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}

	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if len(file.Workers) == 0 {
		return nil, fmt.Errorf("roster %s defines no workers", path)
	}

	for i, entry := range file.Workers {
		if entry.Name == "" {
			return nil, fmt.Errorf("roster entry %d has no name", i)
		}
		if !entry.Tier.Valid() {
			return nil, fmt.Errorf("roster entry %q has unknown tier %q", entry.Name, entry.Tier)
		}
		for _, tool := range entry.Tools {
			if !KnownTool(tool) {
				return nil, fmt.Errorf("roster entry %q declares unknown tool %q", entry.Name, tool)
			}
		}
	}

	return file.Workers, nil
}

// BuildRegistry constructs the read-only registry from a roster, wiring
// every entry to the given invoker and tool executor.
func BuildRegistry(entries []rosterEntry, invoker Invoker, tools *ToolExecutor) (*Registry, error) {
	workers := make([]Worker, 0, len(entries))
	for _, entry := range entries {
		workers = append(workers, NewLLMWorker(entry.WorkerDescriptor, entry.System, invoker, tools))
	}
	return NewRegistry(workers...)
}
