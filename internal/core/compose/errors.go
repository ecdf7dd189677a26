// Package compose contains pure functions for recognising and parsing
// Docker Compose files found in a working copy. No I/O happens here.
package compose

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyInput     = errors.New("compose file is empty")
	ErrInvalidYAML    = errors.New("compose file is not valid YAML")
	ErrNoServices     = errors.New("compose file defines no services")
	ErrServiceNoImage = errors.New("service needs an image or a build section")
)

// ParseError locates a compose problem. Path is empty for document-level
// failures and "services.<name>" otherwise.
type ParseError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return e.Reason
	}
	return e.Path + ": " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

func newParseError(path, reason string, err error) *ParseError {
	return &ParseError{Path: path, Reason: reason, Err: err}
}

// describe renders a loader failure for the operator.
func describe(err error) string {
	return fmt.Sprintf("compose loader: %v", err)
}
