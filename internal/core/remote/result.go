package remote

import (
	"strconv"
	"strings"
)

// CommandResult is the exit status and captured output of one batch invocation.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string

	// FailedStatement is the index of the statement that aborted the batch,
	// or -1 when the batch completed or failed outside a statement.
	FailedStatement int
}

// Succeeded reports whether the batch ran to completion.
func (r CommandResult) Succeeded() bool {
	return r.ExitCode == 0
}

// Output returns stdout and stderr joined, trimmed.
func (r CommandResult) Output() string {
	out := strings.TrimSpace(r.Stdout)
	errOut := strings.TrimSpace(r.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}

// NewCommandResult builds a result from raw session output, extracting and
// stripping the failure marker written by a rendered batch.
func NewCommandResult(exitCode int, stdout, stderr string) CommandResult {
	res := CommandResult{
		ExitCode:        exitCode,
		Stdout:          stdout,
		FailedStatement: -1,
	}

	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		if idx, ok := strings.CutPrefix(strings.TrimSpace(line), FailureMarker); ok {
			if n, err := strconv.Atoi(idx); err == nil {
				res.FailedStatement = n
			}
			continue
		}
		kept = append(kept, line)
	}
	res.Stderr = strings.Join(kept, "\n")
	return res
}

// FailedScript returns the script of the statement that aborted the batch, if any.
func (r CommandResult) FailedScript(b Batch) string {
	if r.FailedStatement < 0 || r.FailedStatement >= len(b.Statements) {
		return ""
	}
	return b.Statements[r.FailedStatement].Script
}
