// Package deploy builds and (re)starts the application on the remote
// Docker engine, either as one container or as a compose stack.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-connections/nat"

	"github.com/artpar/stagehand/internal/core/compose"
	"github.com/artpar/stagehand/internal/core/domain"
	"github.com/artpar/stagehand/internal/core/remote"
)

var (
	// ErrBuild is returned when the image build fails. No run is attempted.
	ErrBuild = errors.New("image build failed")

	// ErrRun is returned when the container or stack fails to start.
	ErrRun = errors.New("container start failed")

	// ErrInvalidRequest is returned for requests that cannot be deployed.
	ErrInvalidRequest = errors.New("invalid deploy request")
)

// Request describes one deployment.
type Request struct {
	RemoteDir string
	Strategy  domain.Strategy
	Name      string // Container, image and compose project name
	Port      int

	// Services are the compose service names, used to judge readiness.
	Services []string
}

// ImageRef returns the image tag of a single-container deployment.
func (r Request) ImageRef() string {
	return r.Name + ":latest"
}

// Status is the observed state after a deployment.
type Status struct {
	Ready      bool
	Containers []string
	Warning    string
}

// Options tune readiness polling.
type Options struct {
	ReadyTimeout  time.Duration
	ReadyInterval time.Duration
}

// Deployer runs deployments through a remote executor.
type Deployer struct {
	opts   Options
	logger *slog.Logger
}

// New creates a deployer.
func New(opts Options, logger *slog.Logger) *Deployer {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{opts: opts, logger: logger.With("component", "deploy")}
}

// Deploy replaces whatever runs under the request's name with a fresh
// build of the remote directory.
func (d *Deployer) Deploy(ctx context.Context, exec remote.Executor, req Request) (Status, error) {
	if req.Name == "" || req.RemoteDir == "" {
		return Status{}, fmt.Errorf("%w: name and remote directory are required", ErrInvalidRequest)
	}
	switch req.Strategy {
	case domain.StrategySingleContainer:
		return d.deploySingle(ctx, exec, req)
	case domain.StrategyCompose:
		return d.deployCompose(ctx, exec, req)
	default:
		return Status{}, fmt.Errorf("%w: unsupported strategy %q", ErrInvalidRequest, req.Strategy)
	}
}

func (d *Deployer) deploySingle(ctx context.Context, exec remote.Executor, req Request) (Status, error) {
	publish, err := PublishSpec(req.Port)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	d.logger.Info("removing previous container", "name", req.Name)
	if _, err := exec.Run(ctx, TeardownBatch(req.Name)); err != nil {
		return Status{}, err
	}

	d.logger.Info("building image", "image", req.ImageRef(), "dir", req.RemoteDir)
	if _, err := exec.Run(ctx, BuildBatch(req)); err != nil {
		return Status{}, classify(ErrBuild, err)
	}

	d.logger.Info("starting container", "name", req.Name, "publish", publish)
	if _, err := exec.Run(ctx, RunBatch(req, publish)); err != nil {
		return Status{}, classify(ErrRun, err)
	}

	return d.awaitReady(ctx, exec, req, InspectBatch(req.Name), func(out string) ([]string, bool) {
		if strings.TrimSpace(out) == "true" {
			return []string{req.Name}, true
		}
		return nil, false
	})
}

func (d *Deployer) deployCompose(ctx context.Context, exec remote.Executor, req Request) (Status, error) {
	d.logger.Info("restarting compose stack", "project", req.Name, "dir", req.RemoteDir)
	if _, err := exec.Run(ctx, ComposeUpBatch(req)); err != nil {
		return Status{}, classify(ErrRun, err)
	}

	want := len(req.Services)
	if want == 0 {
		want = 1
	}
	return d.awaitReady(ctx, exec, req, ComposePsBatch(req), func(out string) ([]string, bool) {
		ids := nonEmptyLines(out)
		return ids, len(ids) >= want
	})
}

// awaitReady polls probe with exponential backoff until ready reports true
// or the deadline passes. A timeout is not an error; the validator judges.
func (d *Deployer) awaitReady(ctx context.Context, exec remote.Executor, req Request, probe remote.Batch, ready func(string) ([]string, bool)) (Status, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.ReadyInterval
	b.MaxInterval = 4 * d.opts.ReadyInterval
	b.MaxElapsedTime = d.opts.ReadyTimeout

	var status Status
	op := func() error {
		res, err := exec.Run(ctx, probe)
		if err != nil {
			if remote.IsConnectionError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		containers, ok := ready(res.Stdout)
		if !ok {
			return fmt.Errorf("%s not running yet", req.Name)
		}
		status.Containers = containers
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		status.Ready = true
		d.logger.Info("deployment running", "name", req.Name, "containers", len(status.Containers))
		return status, nil
	case remote.IsConnectionError(err):
		return status, err
	case ctx.Err() != nil:
		return status, ctx.Err()
	default:
		status.Warning = fmt.Sprintf("%s not ready after %s: %v", req.Name, d.opts.ReadyTimeout, err)
		d.logger.Warn("readiness deadline passed", "name", req.Name, "timeout", d.opts.ReadyTimeout, "error", err)
		return status, nil
	}
}

// =============================================================================
// Batches
// =============================================================================

// docker prefixes docker invocations with sudo so a freshly added group
// membership is not required within the same login session.
func docker(args ...string) remote.Statement {
	return remote.Sudo(append([]string{"docker"}, args...)...)
}

// TeardownBatch stops and removes a container, tolerating its absence.
func TeardownBatch(name string) remote.Batch {
	return remote.NewBatch("teardown",
		docker("stop", name).Tolerate(),
		docker("rm", name).Tolerate(),
	)
}

// BuildBatch builds the image from the remote directory.
func BuildBatch(req Request) remote.Batch {
	return remote.NewBatch("build", docker("build", "-t", req.ImageRef(), req.RemoteDir))
}

// RunBatch starts the container detached with a restart policy.
func RunBatch(req Request, publish string) remote.Batch {
	return remote.NewBatch("run",
		docker("run", "-d", "--name", req.Name, "--restart", "unless-stopped", "-p", publish, req.ImageRef()),
	)
}

// InspectBatch prints whether the container is running.
func InspectBatch(name string) remote.Batch {
	return remote.NewBatch("inspect", docker("inspect", "-f", "{{.State.Running}}", name))
}

// ComposeUpBatch tears the stack down, tolerating failure, and starts it
// again with a fresh build.
func ComposeUpBatch(req Request) remote.Batch {
	return remote.NewBatch("compose-up",
		remote.Cmd("cd", req.RemoteDir),
		Compose(req.Name, "down").Tolerate(),
		Compose(req.Name, "up", "-d", "--build"),
	)
}

// ComposePsBatch prints the IDs of running stack containers.
func ComposePsBatch(req Request) remote.Batch {
	return remote.NewBatch("compose-ps",
		remote.Cmd("cd", req.RemoteDir),
		Compose(req.Name, "ps", "--status", "running", "-q"),
	)
}

// Compose is a docker compose statement bound to a project name. The name
// is normalized to the form compose accepts.
func Compose(project string, args ...string) remote.Statement {
	return docker(append([]string{"compose", "-p", compose.ProjectName(project)}, args...)...)
}

// PublishSpec returns the "<host>:<container>/tcp" publication for port,
// published on the same host port.
func PublishSpec(port int) (string, error) {
	if err := domain.ValidatePort(port); err != nil {
		return "", err
	}
	p := strconv.Itoa(port)
	mappings, err := nat.ParsePortSpec(p + ":" + p)
	if err != nil {
		return "", err
	}
	if len(mappings) != 1 {
		return "", fmt.Errorf("port %d maps to %d bindings", port, len(mappings))
	}
	m := mappings[0]
	return m.Binding.HostPort + ":" + string(m.Port), nil
}

func classify(kind, err error) error {
	if remote.IsConnectionError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
