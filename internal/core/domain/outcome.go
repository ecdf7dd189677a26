package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Action distinguishes deploy runs from cleanup runs.
type Action string

const (
	ActionDeploy  Action = "deploy"
	ActionCleanup Action = "cleanup"
)

// GenerateRunID generates a new run ID with "run_" prefix.
func GenerateRunID() string {
	return "run_" + uuid.New().String()[:8]
}

// PipelineOutcome is the terminal record of one run.
type PipelineOutcome struct {
	RunID      string
	Action     Action
	Project    string
	Host       string
	Branch     string
	Revision   string
	Strategy   Strategy
	Stage      Stage
	Kind       Kind
	Err        error
	Warnings   []string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded reports whether the run reached the done stage without a fatal error.
func (o PipelineOutcome) Succeeded() bool {
	return o.Err == nil && o.Stage == StageDone
}

// Cause returns the human-readable cause of a failed run, or "" on success.
func (o PipelineOutcome) Cause() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Duration returns the wall time of the run.
func (o PipelineOutcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Is reports whether the outcome's error matches target.
func (o PipelineOutcome) Is(target error) bool {
	return errors.Is(o.Err, target)
}
