// Package remotetest provides an in-memory remote host for testing
// components that build command batches.
package remotetest

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"sync"

	"github.com/artpar/stagehand/internal/core/remote"
)

// Response is what the fake host answers for one statement.
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Rule answers every statement whose script contains Match.
type Rule struct {
	Match string
	Response
}

// Upload records one archive received by the fake host.
type Upload struct {
	Dir   string
	Files map[string][]byte
	Modes map[string]fs.FileMode // permission bits of each entry in Files
	Links map[string]string      // symbolic link path to target
}

// Fake is a scripted remote.Transport. Statements are answered by the
// first matching rule, or by OnStatement when set, or succeed silently.
// Batch semantics mirror remote.Batch.Render: a failing statement that is not
// AllowFailure aborts the rest of the batch.
type Fake struct {
	mu sync.Mutex

	Rules       []Rule
	OnStatement func(script string) (Response, bool)

	// ConnErr, when set, is returned by every call.
	ConnErr error

	batches  []remote.Batch
	executed []string
	uploads  []Upload
}

// New creates a fake host with the given rules.
func New(rules ...Rule) *Fake {
	return &Fake{Rules: rules}
}

// Fail returns a rule that makes matching statements exit with code 1.
func Fail(match string) Rule {
	return Rule{Match: match, Response: Response{ExitCode: 1, Stderr: "simulated failure: " + match}}
}

// Answer returns a rule that makes matching statements print stdout.
func Answer(match, stdout string) Rule {
	return Rule{Match: match, Response: Response{Stdout: stdout}}
}

// Run implements remote.Executor.
func (f *Fake) Run(ctx context.Context, b remote.Batch) (remote.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return remote.CommandResult{FailedStatement: -1}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ConnErr != nil {
		return remote.CommandResult{FailedStatement: -1}, f.ConnErr
	}
	f.batches = append(f.batches, b)

	var stdout, stderr strings.Builder
	for i, st := range b.Statements {
		f.executed = append(f.executed, st.Script)
		resp := f.respond(st.Script)
		stdout.WriteString(resp.Stdout)
		stderr.WriteString(resp.Stderr)
		if resp.ExitCode != 0 && !st.AllowFailure {
			res := remote.CommandResult{
				ExitCode:        resp.ExitCode,
				Stdout:          stdout.String(),
				Stderr:          stderr.String(),
				FailedStatement: i,
			}
			return res, remote.NewCommandError(b, res)
		}
	}
	return remote.CommandResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		FailedStatement: -1,
	}, nil
}

func (f *Fake) respond(script string) Response {
	if f.OnStatement != nil {
		if resp, ok := f.OnStatement(script); ok {
			return resp
		}
	}
	for _, r := range f.Rules {
		if strings.Contains(script, r.Match) {
			return r.Response
		}
	}
	return Response{}
}

// Upload implements remote.Uploader by unpacking the tar stream in memory.
func (f *Fake) Upload(ctx context.Context, dir string, archive io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	connErr := f.ConnErr
	f.mu.Unlock()
	if connErr != nil {
		return connErr
	}

	up := Upload{
		Dir:   dir,
		Files: map[string][]byte{},
		Modes: map[string]fs.FileMode{},
		Links: map[string]string{},
	}
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		switch hdr.Typeflag {
		case tar.TypeSymlink:
			up.Links[name] = hdr.Linkname
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return err
			}
			up.Files[name] = data
			up.Modes[name] = fs.FileMode(hdr.Mode).Perm()
		}
	}

	f.mu.Lock()
	f.uploads = append(f.uploads, up)
	f.mu.Unlock()
	return nil
}

// Batches returns the batches received, in order.
func (f *Fake) Batches() []remote.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Batch(nil), f.batches...)
}

// Executed returns every statement script that ran, in order.
func (f *Fake) Executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

// Count returns how many executed statements contain substr.
func (f *Fake) Count(substr string) int {
	n := 0
	for _, s := range f.Executed() {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

// Ran reports whether any executed statement contains substr.
func (f *Fake) Ran(substr string) bool {
	return f.Count(substr) > 0
}

// Uploads returns the archives received, in order.
func (f *Fake) Uploads() []Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Upload(nil), f.uploads...)
}

// Reset forgets recorded batches and uploads but keeps rules.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = nil
	f.executed = nil
	f.uploads = nil
}
