// Package transfer contains the pure rules of working-copy synchronization:
// which paths are never shipped and which files differ between two manifests.
package transfer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
)

// DefaultExcludes lists version-control metadata, dependency caches and log
// artifacts. Patterns use .dockerignore syntax.
var DefaultExcludes = []string{
	".git",
	".hg",
	".svn",
	"**/node_modules",
	"**/__pycache__",
	"**/*.pyc",
	".venv",
	"venv",
	"vendor/bundle",
	"**/*.log",
	"logs",
}

// Excluder decides whether a working-copy path is shipped.
type Excluder struct {
	patterns []string
	pm       *patternmatcher.PatternMatcher
}

// NewExcluder compiles exclusion patterns. Nil patterns means DefaultExcludes.
func NewExcluder(patterns []string) (*Excluder, error) {
	if patterns == nil {
		patterns = DefaultExcludes
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("compile exclude patterns: %w", err)
	}
	return &Excluder{patterns: patterns, pm: pm}, nil
}

// Patterns returns the compiled patterns.
func (e *Excluder) Patterns() []string {
	return append([]string(nil), e.patterns...)
}

// Excluded reports whether a slash- or OS-separated relative path, or any of
// its parents, matches an exclusion pattern.
func (e *Excluder) Excluded(relPath string) bool {
	rel := filepath.ToSlash(filepath.Clean(relPath))
	rel = strings.TrimPrefix(rel, "./")
	if rel == "." || rel == "" {
		return false
	}
	matched, err := e.pm.MatchesOrParentMatches(filepath.FromSlash(rel))
	return err == nil && matched
}
