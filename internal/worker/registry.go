package worker

import (
	"fmt"
	"sort"

	"github.com/kestrelhq/baton/pkg/models"
)

// Registry is a static mapping from worker name to worker instance.
// It is constructed once at startup and read-only afterwards, so lookups
// need no locking.
type Registry struct {
	workers map[string]Worker
	names   []string
}

// NewRegistry builds a registry from the given workers.
// Worker names must be unique.
func NewRegistry(workers ...Worker) (*Registry, error) {
	r := &Registry{workers: make(map[string]Worker, len(workers))}
	for _, w := range workers {
		name := w.Name()
		if name == "" {
			return nil, fmt.Errorf("worker with empty name")
		}
		if _, exists := r.workers[name]; exists {
			return nil, fmt.Errorf("duplicate worker name %q", name)
		}
		r.workers[name] = w
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the worker registered under name, or nil.
func (r *Registry) Get(name string) Worker {
	return r.workers[name]
}

// Names returns all registered worker names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	return len(r.workers)
}

// BestMatch returns the worker whose capability tags best match the given
// tags. Ties break by name order so the result is deterministic. Returns
// nil when no worker matches any tag.
func (r *Registry) BestMatch(tags ...string) Worker {
	var best Worker
	bestScore := 0
	for _, name := range r.names {
		w := r.workers[name]
		d := w.Descriptor()
		score := 0
		for _, tag := range tags {
			if d.HasTag(tag) {
				score++
			}
		}
		if score > bestScore {
			best = w
			bestScore = score
		}
	}
	return best
}

// Descriptors returns descriptors for all registered workers, sorted by name.
func (r *Registry) Descriptors() []models.WorkerDescriptor {
	out := make([]models.WorkerDescriptor, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.workers[name].Descriptor())
	}
	return out
}
