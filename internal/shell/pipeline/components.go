package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/artpar/stagehand/internal/core/domain"
	"github.com/artpar/stagehand/internal/core/remote"
	"github.com/artpar/stagehand/internal/shell/deploy"
	"github.com/artpar/stagehand/internal/shell/detect"
	"github.com/artpar/stagehand/internal/shell/git"
	"github.com/artpar/stagehand/internal/shell/provision"
	"github.com/artpar/stagehand/internal/shell/ssh"
	"github.com/artpar/stagehand/internal/shell/store"
	"github.com/artpar/stagehand/internal/shell/transfer"
	"github.com/artpar/stagehand/internal/shell/validate"
)

// =============================================================================
// Component Contracts
// =============================================================================

// Session is an open remote session owned by one run.
type Session interface {
	remote.Transport
	Close() error
}

// Connector opens the remote session of a run.
type Connector interface {
	Connect(ctx context.Context, cfg domain.DeploymentConfig) (Session, error)
}

// SourceFetcher produces the working copy.
type SourceFetcher interface {
	Fetch(ctx context.Context, src git.Source) (domain.WorkingCopy, error)
}

// StrategyDetector decides the deployment strategy of a working copy.
type StrategyDetector interface {
	Detect(wc domain.WorkingCopy) (detect.Result, error)
}

// DetectorFunc adapts a function to StrategyDetector.
type DetectorFunc func(wc domain.WorkingCopy) (detect.Result, error)

func (f DetectorFunc) Detect(wc domain.WorkingCopy) (detect.Result, error) {
	return f(wc)
}

type EnvironmentProvisioner interface {
	Provision(ctx context.Context, exec remote.Executor) (provision.Report, error)
}

type ArtifactTransfer interface {
	Transfer(ctx context.Context, tr remote.Transport, wc domain.WorkingCopy, remoteDir string) (transfer.Stats, error)
}

type Deployer interface {
	Deploy(ctx context.Context, exec remote.Executor, req deploy.Request) (deploy.Status, error)
}

type ProxyConfigurator interface {
	Configure(ctx context.Context, exec remote.Executor, name string, port int) error
}

type DeploymentValidator interface {
	Validate(ctx context.Context, exec remote.Executor, req validate.Request) (validate.Report, error)
}

type CleanupCoordinator interface {
	Cleanup(ctx context.Context, exec remote.Executor, name, remoteDir string) error
}

// History records finished runs. store.Store satisfies it.
type History interface {
	RecordRun(ctx context.Context, run *store.Run) error
}

// Metrics observes stages and runs. *metrics.Recorder satisfies it.
type Metrics interface {
	ObserveStage(action domain.Action, stage domain.Stage, d time.Duration, err error)
	ObserveRun(o domain.PipelineOutcome)
}

// =============================================================================
// SSH Connector
// =============================================================================

// SSHConnector dials the configured target with golang.org/x/crypto/ssh.
type SSHConnector struct {
	Settings domain.Settings
	Logger   *slog.Logger
}

// Connect implements Connector.
func (c SSHConnector) Connect(ctx context.Context, cfg domain.DeploymentConfig) (Session, error) {
	s := c.Settings.WithDefaults()
	target := ssh.Target{
		Host:    cfg.Host(),
		Port:    s.SSHPort,
		User:    cfg.User(),
		KeyPath: cfg.KeyPath(),
	}
	sess, err := ssh.Dial(ctx, target, ssh.Options{
		ConnectTimeout: s.ConnectTimeout,
		KnownHostsPath: s.KnownHostsPath,
		Logger:         c.Logger,
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}
