package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// =============================================================================
// Executor Contract
// =============================================================================

// Executor runs command batches on one remote host.
//
// Run returns the captured result for every batch that reached the remote
// shell. A batch that exits non-zero yields a *CommandError wrapping
// ErrCommandFailed. Transport failures wrap ErrConnection.
type Executor interface {
	Run(ctx context.Context, batch Batch) (CommandResult, error)
}

// Uploader streams a tar archive into a remote directory.
type Uploader interface {
	Upload(ctx context.Context, dir string, archive io.Reader) error
}

// Transport is an Executor that can also receive archives.
type Transport interface {
	Executor
	Uploader
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrConnection is returned when the remote host cannot be reached or the
	// channel drops. Fatal to the whole pipeline.
	ErrConnection = errors.New("remote connection failed")

	// ErrAuthentication is returned when the host rejects the credentials.
	ErrAuthentication = errors.New("remote authentication failed")

	// ErrCommandFailed is returned when a batch statement exits non-zero.
	// Fatal only to the issuing stage.
	ErrCommandFailed = errors.New("remote command failed")
)

// CommandError carries the batch, the failing statement and captured output.
type CommandError struct {
	Batch     string
	Statement string
	Result    CommandResult
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Result.Output())
	if len(out) > 2000 {
		out = "..." + out[len(out)-2000:]
	}
	if e.Statement != "" {
		return fmt.Sprintf("%s: %q exited %d: %s", e.Batch, e.Statement, e.Result.ExitCode, out)
	}
	return fmt.Sprintf("%s: exited %d: %s", e.Batch, e.Result.ExitCode, out)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}

// NewCommandError builds the error for a failed batch result.
func NewCommandError(b Batch, res CommandResult) *CommandError {
	return &CommandError{
		Batch:     b.Name,
		Statement: res.FailedScript(b),
		Result:    res,
	}
}

// IsConnectionError reports whether err means the remote channel is unusable.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrAuthentication)
}
