// Package provision installs the container runtime, the compose plugin and
// nginx on a Debian-family host. Every run probes first and installs only
// what is missing, so repeated runs leave a provisioned host unchanged.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/artpar/stagehand/internal/core/remote"
)

// DockerInstallScript is the official convenience installer.
const DockerInstallScript = "https://get.docker.com"

// Prerequisites are installed together with any missing tool.
var Prerequisites = []string{"ca-certificates", "curl", "gnupg"}

// Tool is a piece of host software the deployment relies on.
type Tool string

const (
	ToolDocker  Tool = "docker"
	ToolCompose Tool = "compose"
	ToolNginx   Tool = "nginx"
)

// Tools lists every required tool in probe order.
var Tools = []Tool{ToolDocker, ToolCompose, ToolNginx}

var (
	// ErrToolVerification is returned when a tool reports no version after
	// the install pass.
	ErrToolVerification = errors.New("tool verification failed")

	// ErrInstall is returned when the install batch fails.
	ErrInstall = errors.New("package installation failed")
)

// ToolError names the tool that failed verification.
type ToolError struct {
	Tool Tool
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Report describes what one provisioning run found and did.
type Report struct {
	Missing  []Tool
	Versions map[Tool]string
}

// Changed reports whether the run installed anything.
func (r Report) Changed() bool {
	return len(r.Missing) > 0
}

// Provisioner prepares a host for the given login user.
type Provisioner struct {
	user   string
	logger *slog.Logger
}

// New creates a provisioner. user is added to the docker group.
func New(user string, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{user: user, logger: logger.With("component", "provision")}
}

// Provision probes, installs what is missing, and verifies every tool.
func (p *Provisioner) Provision(ctx context.Context, exec remote.Executor) (Report, error) {
	present, err := p.probe(ctx, exec)
	if err != nil {
		return Report{}, err
	}

	report := Report{}
	for _, tool := range Tools {
		if !present[tool] {
			report.Missing = append(report.Missing, tool)
		}
	}

	if report.Changed() {
		p.logger.Info("installing missing tools", "tools", report.Missing)
	} else {
		p.logger.Info("all tools present, skipping installation")
	}
	if _, err := exec.Run(ctx, InstallBatch(p.user, report.Missing)); err != nil {
		if remote.IsConnectionError(err) {
			return report, err
		}
		return report, fmt.Errorf("%w: %w", ErrInstall, err)
	}

	versions, err := p.verify(ctx, exec)
	report.Versions = versions
	if err != nil {
		return report, err
	}
	for _, tool := range Tools {
		p.logger.Info("tool verified", "tool", tool, "version", versions[tool])
	}
	return report, nil
}

func (p *Provisioner) probe(ctx context.Context, exec remote.Executor) (map[Tool]bool, error) {
	res, err := exec.Run(ctx, ProbeBatch())
	if err != nil {
		return nil, err
	}
	present := make(map[Tool]bool, len(Tools))
	for tool, state := range parseKeyValues(res.Stdout) {
		present[Tool(tool)] = state == "present"
	}
	return present, nil
}

func (p *Provisioner) verify(ctx context.Context, exec remote.Executor) (map[Tool]string, error) {
	res, err := exec.Run(ctx, VerifyBatch())
	if err != nil {
		return nil, err
	}
	kv := parseKeyValues(res.Stdout)
	versions := make(map[Tool]string, len(Tools))
	for _, tool := range Tools {
		v := kv[string(tool)]
		if v == "" {
			return versions, &ToolError{Tool: tool, Err: ErrToolVerification}
		}
		versions[tool] = v
	}
	return versions, nil
}

// =============================================================================
// Batches
// =============================================================================

var probeCommands = map[Tool]string{
	ToolDocker:  "command -v docker",
	ToolCompose: "docker compose version",
	ToolNginx:   "sudo -n sh -c 'command -v nginx'",
}

var verifyCommands = map[Tool]string{
	ToolDocker:  "docker --version",
	ToolCompose: "docker compose version --short",
	ToolNginx:   "sudo -n sh -c 'command -v nginx >/dev/null && nginx -v 2>&1'",
}

// ProbeBatch reports "<tool>=present" or "<tool>=absent" for every tool.
func ProbeBatch() remote.Batch {
	b := remote.NewBatch("probe")
	for _, tool := range Tools {
		b = b.Add(remote.Sh(`if %s >/dev/null 2>&1; then echo "%s=present"; else echo "%s=absent"; fi`,
			probeCommands[tool], tool, tool))
	}
	return b
}

// InstallBatch installs exactly the missing tools. With nothing missing it
// only re-asserts group membership and service enablement.
func InstallBatch(user string, missing []Tool) remote.Batch {
	b := remote.NewBatch("install")
	if len(missing) > 0 {
		b = b.Add(
			apt("update", "-qq"),
			apt(append([]string{"install", "-y", "-qq"}, Prerequisites...)...),
		)
	}
	for _, tool := range missing {
		switch tool {
		case ToolDocker:
			b = b.Add(remote.Sh("curl -fsSL %s | sudo -n sh", remote.Quote(DockerInstallScript)))
		case ToolCompose:
			b = b.Add(apt("install", "-y", "-qq", "docker-compose-plugin"))
		case ToolNginx:
			b = b.Add(apt("install", "-y", "-qq", "nginx"))
		}
	}
	return b.Add(
		remote.Sudo("usermod", "-aG", "docker", user),
		remote.Sudo("systemctl", "enable", "--now", "docker", "nginx"),
	)
}

// VerifyBatch prints "<tool>=<version>" for every tool, empty when absent.
func VerifyBatch() remote.Batch {
	b := remote.NewBatch("verify")
	for _, tool := range Tools {
		b = b.Add(remote.Sh(`echo "%s=$(%s | head -n 1)"`, tool, verifyCommands[tool]))
	}
	return b
}

func apt(args ...string) remote.Statement {
	return remote.Sudo(append([]string{"env", "DEBIAN_FRONTEND=noninteractive", "apt-get"}, args...)...)
}

func parseKeyValues(out string) map[string]string {
	kv := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		kv[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return kv
}
