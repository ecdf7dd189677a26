// Package pipeline sequences the deployment stages over one remote session
// and folds every result into a single PipelineOutcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/stagehand/internal/core/domain"
	"github.com/artpar/stagehand/internal/core/remote"
	"github.com/artpar/stagehand/internal/shell/deploy"
	"github.com/artpar/stagehand/internal/shell/detect"
	"github.com/artpar/stagehand/internal/shell/git"
	"github.com/artpar/stagehand/internal/shell/store"
	"github.com/artpar/stagehand/internal/shell/validate"
)

// Deps are the components a pipeline drives. History and Metrics are optional.
type Deps struct {
	Connector   Connector
	Fetcher     SourceFetcher
	Detector    StrategyDetector
	Provisioner EnvironmentProvisioner
	Transfer    ArtifactTransfer
	Deployer    Deployer
	Proxy       ProxyConfigurator
	Validator   DeploymentValidator
	Cleaner     CleanupCoordinator

	History History
	Metrics Metrics
}

// Pipeline runs deployments and cleanups.
type Pipeline struct {
	deps     Deps
	settings domain.Settings
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a pipeline.
func New(deps Deps, settings domain.Settings, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Detector == nil {
		deps.Detector = DetectorFunc(detect.Detect)
	}
	return &Pipeline{
		deps:     deps,
		settings: settings.WithDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// =============================================================================
// Run State
// =============================================================================

// run tracks one execution of a stage sequence.
type run struct {
	p       *Pipeline
	seq     []domain.Stage
	out     domain.PipelineOutcome
	session Session
	logger  *slog.Logger
}

func (p *Pipeline) newRun(action domain.Action, seq []domain.Stage, cfg domain.DeploymentConfig) *run {
	out := domain.PipelineOutcome{
		RunID:     domain.GenerateRunID(),
		Action:    action,
		Project:   cfg.ProjectName(),
		Host:      cfg.Host(),
		Branch:    cfg.Branch(),
		Stage:     domain.StageInit,
		StartedAt: p.now(),
	}
	return &run{
		p:   p,
		seq: seq,
		out: out,
		logger: p.logger.With(
			"run_id", out.RunID,
			"action", string(action),
			"project", out.Project,
		),
	}
}

// stage advances to the given stage and runs fn. The returned error is
// already wrapped as a *domain.StageError.
func (r *run) stage(ctx context.Context, stage domain.Stage, kind domain.Kind, fn func(ctx context.Context) error) error {
	if !domain.CanTransition(r.seq, r.out.Stage, stage) {
		return domain.NewStageError(r.out.Stage, domain.KindUnexpected,
			fmt.Errorf("%w: %s -> %s", domain.ErrStageTransition, r.out.Stage, stage))
	}
	r.out.Stage = stage
	log := r.logger.With("stage", string(stage))
	log.Info("stage started")

	start := r.p.now()
	err := fn(ctx)
	elapsed := r.p.now().Sub(start)
	if r.p.deps.Metrics != nil {
		r.p.deps.Metrics.ObserveStage(r.out.Action, stage, elapsed, err)
	}

	if err != nil {
		if remote.IsConnectionError(err) {
			kind = domain.KindConnectivity
		}
		log.Error("stage failed", "kind", kind.String(), "duration", elapsed, "error", err)
		return domain.NewStageError(stage, kind, err)
	}
	log.Info("stage completed", "duration", elapsed)
	return nil
}

func (r *run) warn(msg string) {
	r.out.Warnings = append(r.out.Warnings, msg)
	r.logger.Warn("warning recorded", "stage", string(r.out.Stage), "warning", msg)
}

// finish closes the session, fills the terminal fields, and records the
// outcome. It runs exactly once per run.
func (r *run) finish(ctx context.Context, err error) domain.PipelineOutcome {
	if r.session != nil {
		if cerr := r.session.Close(); cerr != nil {
			r.logger.Warn("failed to close remote session", "error", cerr)
		}
		r.session = nil
	}

	if err != nil {
		var stageErr *domain.StageError
		if !errors.As(err, &stageErr) {
			stageErr = domain.NewStageError(r.out.Stage, domain.KindUnexpected, err)
		}
		r.out.Err = stageErr
		r.out.Stage = stageErr.Stage
		r.out.Kind = stageErr.Kind
	} else {
		r.out.Stage = domain.StageDone
	}
	r.out.FinishedAt = r.p.now()

	if r.out.Succeeded() {
		r.logger.Info("run succeeded", "duration", r.out.Duration(), "warnings", len(r.out.Warnings))
	} else {
		r.logger.Error("run failed", "stage", string(r.out.Stage), "kind", r.out.Kind.String(), "error", r.out.Err)
	}

	if r.p.deps.Metrics != nil {
		r.p.deps.Metrics.ObserveRun(r.out)
	}
	if r.p.deps.History != nil {
		// The run's context may already be cancelled; history is still written.
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if herr := r.p.deps.History.RecordRun(hctx, store.RunFromOutcome(r.out)); herr != nil {
			r.logger.Warn("failed to record run history", "error", herr)
		}
	}
	return r.out
}

// =============================================================================
// Deploy
// =============================================================================

// Run executes the full deployment for cfg. A panic inside a stage is
// reported as an unexpected failure of that stage.
func (p *Pipeline) Run(ctx context.Context, cfg domain.DeploymentConfig) (outcome domain.PipelineOutcome) {
	r := p.newRun(domain.ActionDeploy, domain.DeployStages, cfg)
	r.logger.Info("deployment started", "config", cfg.String())

	defer func() {
		if rec := recover(); rec != nil {
			outcome = r.finish(ctx, domain.NewStageError(r.out.Stage, domain.KindUnexpected, fmt.Errorf("panic: %v", rec)))
		}
	}()

	return r.finish(ctx, p.runDeploy(ctx, r, cfg))
}

func (p *Pipeline) runDeploy(ctx context.Context, r *run, cfg domain.DeploymentConfig) error {
	if cfg.IsZero() {
		return domain.NewStageError(domain.StageInit, domain.KindInput, errors.New("deployment config was not validated"))
	}

	var (
		wc        domain.WorkingCopy
		detected  detect.Result
		remoteDir = p.settings.RemoteDir(cfg.ProjectName())
	)

	if err := r.stage(ctx, domain.StageFetch, domain.KindRepository, func(ctx context.Context) error {
		var err error
		wc, err = p.deps.Fetcher.Fetch(ctx, git.SourceFromConfig(cfg))
		r.out.Revision = wc.Revision
		return err
	}); err != nil {
		return err
	}

	if err := r.stage(ctx, domain.StageDetect, domain.KindPrecondition, func(context.Context) error {
		var err error
		detected, err = p.deps.Detector.Detect(wc)
		if err != nil {
			return err
		}
		if !detected.Strategy.IsValid() {
			return fmt.Errorf("%w: no strategy derived", detect.ErrNoDeploymentMarker)
		}
		r.out.Strategy = detected.Strategy
		r.logger.Info("strategy detected", "strategy", detected.Strategy.String(), "marker", detected.Marker, "services", detected.Services())
		if detected.ParseErr != nil {
			r.warn(fmt.Sprintf("%v; deploying with compose anyway", detected.ParseErr))
		}
		if detected.Project != nil && !detected.Project.PublishesPort(uint32(cfg.AppPort())) {
			r.warn(fmt.Sprintf("%s publishes no service on port %d; the proxy will not reach the stack", detected.Marker, cfg.AppPort()))
		}
		return nil
	}); err != nil {
		return err
	}

	if err := r.connect(ctx, cfg); err != nil {
		return err
	}

	if err := r.stage(ctx, domain.StageProvision, domain.KindProvisioning, func(ctx context.Context) error {
		_, err := p.deps.Provisioner.Provision(ctx, r.session)
		return err
	}); err != nil {
		return err
	}

	if err := r.stage(ctx, domain.StageTransfer, domain.KindTransfer, func(ctx context.Context) error {
		stats, err := p.deps.Transfer.Transfer(ctx, r.session, wc, remoteDir)
		if err == nil {
			r.logger.Info("transfer finished", "changed", len(stats.Changed), "files", stats.Files)
		}
		return err
	}); err != nil {
		return err
	}

	if err := r.stage(ctx, domain.StageDeploy, domain.KindDeployment, func(ctx context.Context) error {
		status, err := p.deps.Deployer.Deploy(ctx, r.session, deploy.Request{
			RemoteDir: remoteDir,
			Strategy:  detected.Strategy,
			Name:      cfg.ProjectName(),
			Port:      cfg.AppPort(),
			Services:  detected.Services(),
		})
		if err == nil && status.Warning != "" {
			r.warn(status.Warning)
		}
		return err
	}); err != nil {
		return err
	}

	if err := r.stage(ctx, domain.StageProxy, domain.KindProxyConfig, func(ctx context.Context) error {
		return p.deps.Proxy.Configure(ctx, r.session, cfg.ProjectName(), cfg.AppPort())
	}); err != nil {
		return err
	}

	return r.stage(ctx, domain.StageValidate, domain.KindValidationHard, func(ctx context.Context) error {
		report, err := p.deps.Validator.Validate(ctx, r.session, validate.Request{
			Strategy:  detected.Strategy,
			Name:      cfg.ProjectName(),
			RemoteDir: remoteDir,
			Host:      cfg.Host(),
			ProbePath: p.settings.ProbePath,
		})
		if err != nil {
			return err
		}
		for _, w := range report.Warnings() {
			r.warn(w)
		}
		return nil
	})
}

func (r *run) connect(ctx context.Context, cfg domain.DeploymentConfig) error {
	return r.stage(ctx, domain.StageConnect, domain.KindConnectivity, func(ctx context.Context) error {
		sess, err := r.p.deps.Connector.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		r.session = sess
		return nil
	})
}

// =============================================================================
// Cleanup
// =============================================================================

// Cleanup removes the remote artifacts of cfg's project.
func (p *Pipeline) Cleanup(ctx context.Context, cfg domain.DeploymentConfig) (outcome domain.PipelineOutcome) {
	r := p.newRun(domain.ActionCleanup, domain.CleanupStages, cfg)
	r.logger.Info("cleanup started", "target", cfg.User()+"@"+cfg.Host())

	defer func() {
		if rec := recover(); rec != nil {
			outcome = r.finish(ctx, domain.NewStageError(r.out.Stage, domain.KindUnexpected, fmt.Errorf("panic: %v", rec)))
		}
	}()

	err := r.connect(ctx, cfg)
	if err == nil {
		err = r.stage(ctx, domain.StageCleanup, domain.KindUnexpected, func(ctx context.Context) error {
			return p.deps.Cleaner.Cleanup(ctx, r.session, cfg.ProjectName(), p.settings.RemoteDir(cfg.ProjectName()))
		})
	}
	return r.finish(ctx, err)
}
