package store

import (
	"context"
	"time"

	"github.com/artpar/stagehand/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for run history.
type Store interface {
	RecordRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]Run, error)
	ListRunsByProject(ctx context.Context, project string, opts ListOptions) ([]Run, error)

	Close() error
}

// Run is one recorded pipeline run.
type Run struct {
	ID         string
	Action     domain.Action
	Project    string
	Host       string
	Branch     string
	Revision   string
	Strategy   domain.Strategy
	Stage      domain.Stage
	Kind       string
	Succeeded  bool
	Error      string
	Warnings   []string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall time of the run.
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunFromOutcome converts a pipeline outcome into a history record.
func RunFromOutcome(o domain.PipelineOutcome) *Run {
	run := &Run{
		ID:         o.RunID,
		Action:     o.Action,
		Project:    o.Project,
		Host:       o.Host,
		Branch:     o.Branch,
		Revision:   o.Revision,
		Strategy:   o.Strategy,
		Stage:      o.Stage,
		Succeeded:  o.Succeeded(),
		Error:      o.Cause(),
		Warnings:   o.Warnings,
		StartedAt:  o.StartedAt,
		FinishedAt: o.FinishedAt,
	}
	if !run.Succeeded {
		run.Kind = o.Kind.String()
	}
	return run
}

// ListOptions contains pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  20,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
