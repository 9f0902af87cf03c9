// Package worker defines the polymorphic capability interface that all
// specialized roles share, plus the read-only registry they are resolved
// through.
package worker

import (
	"context"

	"github.com/kestrelhq/baton/pkg/models"
)

// Input is the payload handed to a worker run.
type Input struct {
	// SessionID identifies the originating session.
	SessionID string
	// Goal is the instruction the worker should carry out.
	Goal string
	// Context carries prior results or notes relevant to the goal.
	Context []string
}

// Output is what a worker run produces.
type Output struct {
	// Text is the worker's answer or report.
	Text string
	// SideEffects lists files changed and commands run, for the audit log.
	SideEffects []string
}

// Worker is a named unit of capability. Variants correspond to roles
// (analyst, strategist, coder, reviewer, vcs, researcher); all share
// this one contract.
type Worker interface {
	// Name returns the worker's unique registry name.
	Name() string
	// Descriptor returns the worker's static metadata.
	Descriptor() models.WorkerDescriptor
	// Run executes the worker against the input.
	Run(ctx context.Context, in Input) (*Output, error)
}
