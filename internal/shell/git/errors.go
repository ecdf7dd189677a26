package git

import (
	"errors"
	"fmt"
)

var (
	ErrClone    = errors.New("git clone failed")
	ErrFetch    = errors.New("git fetch failed")
	ErrCheckout = errors.New("git checkout failed")
	ErrPull     = errors.New("git fast-forward failed")
)

// GitError wraps a failed git invocation. Output has credentials redacted.
type GitError struct {
	Op     string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("git %s: %v: %s", e.Op, e.Err, e.Output)
	}
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

func (e *GitError) Unwrap() error {
	return e.Err
}
