// Package remote contains pure values describing remote shell work.
// Components build Batches; the SSH executor renders and runs them.
// Nothing in this package performs I/O.
package remote

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// FailureMarker prefixes the line a rendered batch writes to stderr when a
// statement aborts it. The executor strips it from captured output.
const FailureMarker = "__stagehand_failed__:"

// =============================================================================
// Statement
// =============================================================================

// Statement is one shell statement of a batch.
type Statement struct {
	Script       string
	AllowFailure bool
}

// Cmd builds a statement from an argument vector, quoting every argument.
//
// Example:
//
//	Cmd("docker", "build", "-t", "app:latest", "deployments/app").Script
//	// returns "docker build -t app:latest deployments/app"
func Cmd(args ...string) Statement {
	return Statement{Script: shellquote.Join(args...)}
}

// Sudo is Cmd prefixed with non-interactive sudo.
func Sudo(args ...string) Statement {
	return Cmd(append([]string{"sudo", "-n"}, args...)...)
}

// Sh builds a statement from a raw shell fragment. The caller owns quoting.
func Sh(format string, args ...any) Statement {
	if len(args) == 0 {
		return Statement{Script: format}
	}
	return Statement{Script: fmt.Sprintf(format, args...)}
}

// Quote quotes a single word for safe interpolation into Sh fragments.
func Quote(word string) string {
	return shellquote.Join(word)
}

// WriteFile builds a statement that writes content to path through sudo tee.
func WriteFile(path, content string) Statement {
	return Sh("printf '%%s' %s | sudo -n tee %s >/dev/null", Quote(content), Quote(path))
}

// Tolerate marks the statement as allowed to fail.
// Used for "tear down if present" steps.
func (s Statement) Tolerate() Statement {
	s.AllowFailure = true
	return s
}

// =============================================================================
// Batch
// =============================================================================

// Batch is an ordered sequence of statements executed by a single remote
// shell, so all statements share one environment and working directory.
type Batch struct {
	Name       string
	Statements []Statement
}

// NewBatch creates a batch with the given statements.
func NewBatch(name string, statements ...Statement) Batch {
	return Batch{Name: name, Statements: statements}
}

// Add appends statements and returns the batch.
func (b Batch) Add(statements ...Statement) Batch {
	b.Statements = append(append([]Statement(nil), b.Statements...), statements...)
	return b
}

// Len returns the number of statements.
func (b Batch) Len() int {
	return len(b.Statements)
}

// Scripts returns the statement scripts in order.
func (b Batch) Scripts() []string {
	out := make([]string, 0, len(b.Statements))
	for _, s := range b.Statements {
		out = append(out, s.Script)
	}
	return out
}

// Render produces the bash script for the batch.
//
// Every statement runs in the current shell inside a brace group. A
// non-zero exit of a statement that is not AllowFailure writes
// FailureMarker followed by the statement index to stderr and exits with the
// statement's status, skipping the rest of the batch.
//
// The body is wrapped in a function that is parsed in full before it runs
// with stdin from /dev/null, so statements cannot consume the script.
func (b Batch) Render() string {
	var sb strings.Builder
	sb.WriteString("__stagehand_batch() {\n")
	sb.WriteString("set +e\n")
	sb.WriteString("cd \"$HOME\" || exit 1\n")
	for i, st := range b.Statements {
		fmt.Fprintf(&sb, "# %d\n", i)
		if st.AllowFailure {
			fmt.Fprintf(&sb, "{ %s\n} || true\n", st.Script)
			continue
		}
		fmt.Fprintf(&sb, "{ %s\n}\n", st.Script)
		sb.WriteString("__rc=$?\n")
		fmt.Fprintf(&sb, "if [ \"$__rc\" -ne 0 ]; then printf '%s%d\\n' >&2; exit \"$__rc\"; fi\n", FailureMarker, i)
	}
	sb.WriteString("exit 0\n")
	sb.WriteString("}\n")
	sb.WriteString("__stagehand_batch </dev/null\n")
	return sb.String()
}
