package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/artpar/stagehand/internal/core/domain"
	coretransfer "github.com/artpar/stagehand/internal/core/transfer"
	"github.com/artpar/stagehand/internal/shell/cleanup"
	"github.com/artpar/stagehand/internal/shell/deploy"
	"github.com/artpar/stagehand/internal/shell/git"
	"github.com/artpar/stagehand/internal/shell/metrics"
	"github.com/artpar/stagehand/internal/shell/pipeline"
	"github.com/artpar/stagehand/internal/shell/provision"
	"github.com/artpar/stagehand/internal/shell/proxy"
	"github.com/artpar/stagehand/internal/shell/store"
	"github.com/artpar/stagehand/internal/shell/transfer"
	"github.com/artpar/stagehand/internal/shell/validate"
	"github.com/spf13/pflag"
)

// =============================================================================
// App
// =============================================================================

// app wires the pipeline components for one run.
type app struct {
	config      *Config
	provisioner *provision.Provisioner
	pipeline    *pipeline.Pipeline
	history     store.Store
	metrics     *metrics.Recorder
	logger      *slog.Logger
}

// newApp builds every component from cfg and the validated target. A history
// database that cannot be opened disables history for the run instead of
// failing it.
func newApp(cfg *Config, target domain.DeploymentConfig, logger *slog.Logger) (*app, error) {
	settings := cfg.Settings()

	var patterns []string
	if len(cfg.Transfer.Exclude) > 0 {
		patterns = cfg.Transfer.Exclude
	}
	excluder, err := coretransfer.NewExcluder(patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid transfer.exclude: %w", err)
	}
	tr, err := transfer.New(excluder, logger)
	if err != nil {
		return nil, err
	}

	recorder := metrics.NewRecorder()
	provisioner := provision.New(target.User(), logger)
	deps := pipeline.Deps{
		Connector:   pipeline.SSHConnector{Settings: settings, Logger: logger},
		Fetcher:     git.NewFetcher(settings.WorkDir, logger),
		Provisioner: provisioner,
		Transfer:    tr,
		Deployer: deploy.New(deploy.Options{
			ReadyTimeout:  settings.ReadyTimeout,
			ReadyInterval: settings.ReadyInterval,
		}, logger),
		Proxy: proxy.New(settings.PublicPort, logger),
		Validator: validate.New(validate.Options{
			PublicPort:   settings.PublicPort,
			ProbeTimeout: settings.ProbeTimeout,
			ProbeRetries: cfg.Validate.ProbeRetries,
		}, logger),
		Cleaner: cleanup.New(logger),
		Metrics: recorder,
	}

	a := &app{config: cfg, provisioner: provisioner, metrics: recorder, logger: logger}

	history, err := store.NewSQLiteStore(cfg.History.DSN)
	if err != nil {
		logger.Warn("run history disabled", "dsn", cfg.History.DSN, "error", err)
	} else {
		a.history = history
		deps.History = history
	}

	a.pipeline = pipeline.New(deps, settings, logger)
	return a, nil
}

// Close releases the history database.
func (a *app) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("failed to close history", "error", err)
		}
	}
}

// exportMetrics writes the metrics textfile when configured.
func (a *app) exportMetrics() {
	path := a.config.Metrics.Textfile
	if path == "" {
		return
	}
	if err := a.metrics.WriteTextfile(path); err != nil {
		a.logger.Warn("failed to write metrics textfile", "path", path, "error", err)
		return
	}
	a.logger.Debug("metrics textfile written", "path", path)
}

// printOutcome writes the human summary of a run.
func printOutcome(w io.Writer, o domain.PipelineOutcome, cfg *Config) {
	if !o.Succeeded() {
		fmt.Fprintf(w, "%s failed at stage %s (%s): %s\n", o.Action, o.Stage, o.Kind, o.Cause())
		fmt.Fprintf(w, "run %s, exit code %d\n", o.RunID, ExitCode(o))
		return
	}

	switch o.Action {
	case domain.ActionCleanup:
		fmt.Fprintf(w, "cleanup of %s on %s finished in %s\n", o.Project, o.Host, o.Duration().Round(time.Millisecond))
	default:
		settings := cfg.Settings()
		fmt.Fprintf(w, "deployed %s (%s, %s@%s) in %s\n", o.Project, o.Strategy, o.Branch, shortRevision(o.Revision), o.Duration().Round(time.Millisecond))
		fmt.Fprintf(w, "available at %s\n", validate.ProbeURL(o.Host, settings.PublicPort, settings.ProbePath))
	}
	for _, warning := range o.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// =============================================================================
// History Command
// =============================================================================

// historyCmd lists recorded runs, newest first.
func historyCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := commonFlags(fs)
	project := fs.String("project", "", "Only list runs of this project")
	limit := fs.Int("limit", store.DefaultListOptions().Limit, "Maximum number of runs")
	offset := fs.Int("offset", 0, "Number of runs to skip")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ExitSuccess
		}
		return ExitUsage
	}

	cfg, err := LoadConfig(*configPath, fs)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return ExitUsage
	}

	s, err := store.NewSQLiteStore(cfg.History.DSN)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open history: %v\n", err)
		return ExitUnexpected
	}
	defer s.Close()

	opts := store.ListOptions{Limit: *limit, Offset: *offset}
	ctx := context.Background()
	var runs []store.Run
	if *project != "" {
		runs, err = s.ListRunsByProject(ctx, *project, opts)
	} else {
		runs, err = s.ListRuns(ctx, opts)
	}
	if err != nil {
		fmt.Fprintf(stderr, "failed to list runs: %v\n", err)
		return ExitUnexpected
	}

	if len(runs) == 0 {
		fmt.Fprintln(stdout, "no runs recorded")
		return ExitSuccess
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tACTION\tPROJECT\tHOST\tSTARTED\tDURATION\tRESULT\tSTAGE")
	for _, r := range runs {
		result := "ok"
		if !r.Succeeded {
			result = r.Kind
		} else if len(r.Warnings) > 0 {
			result = fmt.Sprintf("ok (%d warnings)", len(r.Warnings))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Action, r.Project, r.Host,
			r.StartedAt.Local().Format(time.DateTime),
			r.Duration().Round(time.Millisecond),
			result, r.Stage)
	}
	if err := tw.Flush(); err != nil {
		return ExitUnexpected
	}
	return ExitSuccess
}
