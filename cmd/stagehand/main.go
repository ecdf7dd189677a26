// Package main provides the stagehand binary.
//
// Usage:
//
//	stagehand [command] [flags]
//
// Commands:
//
//	deploy   - Fetch, ship, build, run and front an application (default)
//	cleanup  - Remove a project's container, image, proxy site and directory
//	history  - List recorded runs
//	version  - Show version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/artpar/stagehand/internal/core/domain"
	"github.com/spf13/pflag"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "deploy"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "deploy":
		return pipelineCmd(domain.ActionDeploy, args, stdout, stderr)
	case "cleanup":
		return pipelineCmd(domain.ActionCleanup, args, stdout, stderr)
	case "history":
		return historyCmd(args, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "stagehand %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fmt.Fprintln(stderr, "usage: stagehand [deploy|cleanup|history|version] [flags]")
		return ExitUsage
	}
}

// pipelineCmd runs one deploy or cleanup and maps its outcome to an exit code.
func pipelineCmd(action domain.Action, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet(string(action), pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := commonFlags(fs)
	targetFlags(fs)
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

	var sink io.Writer = stderr
	logFile, err := OpenRunLog(cfg.Log.Dir, action, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "warning: logging to console only: %v\n", err)
	} else {
		defer logFile.Close()
		sink = io.MultiWriter(stderr, logFile)
	}

	logger := SetupLogger(cfg, sink)
	logger.Info("starting stagehand",
		"version", Version,
		"action", string(action),
		"config", *configPath,
	)

	newConfig := domain.NewDeploymentConfig
	if action == domain.ActionCleanup {
		newConfig = domain.NewCleanupConfig
	}
	target, err := newConfig(cfg.Input())
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return InputExitCode(err)
	}

	a, err := newApp(cfg, target, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return ExitUsage
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var outcome domain.PipelineOutcome
	if action == domain.ActionCleanup {
		outcome = a.pipeline.Cleanup(ctx, target)
	} else {
		outcome = a.pipeline.Run(ctx, target)
	}
	a.exportMetrics()

	printOutcome(stdout, outcome, cfg)
	return ExitCode(outcome)
}
