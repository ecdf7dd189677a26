// Package validate checks that a deployment is serving. Hard checks fail
// the run; soft checks only produce warnings.
package validate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/artpar/stagehand/internal/core/compose"
	"github.com/artpar/stagehand/internal/core/domain"
	"github.com/artpar/stagehand/internal/core/monitoring"
	"github.com/artpar/stagehand/internal/core/remote"
)

// Check names.
const (
	CheckDockerActive  = "docker-active"
	CheckContainers    = "containers-running"
	CheckNginxActive   = "nginx-active"
	CheckHealth        = "container-health"
	CheckLoopbackProxy = "loopback-proxy"
	CheckPublicProbe   = "public-probe"
)

// ErrValidationHard is returned when a hard check fails.
var ErrValidationHard = errors.New("deployment validation failed")

// CheckError names the failed hard check.
type CheckError struct {
	Check string
	Err   error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s: %v", e.Check, e.Err)
}

func (e *CheckError) Unwrap() []error {
	return []error{ErrValidationHard, e.Err}
}

// Result is the outcome of one check.
type Result struct {
	Name   string
	Hard   bool
	Passed bool
	Detail string
}

// Report collects check results in execution order.
type Report struct {
	Checks []Result
}

// Warnings returns the details of failed soft checks.
func (r Report) Warnings() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Hard && !c.Passed {
			out = append(out, c.Name+": "+c.Detail)
		}
	}
	return out
}

func (r *Report) add(name string, hard, passed bool, detail string) {
	r.Checks = append(r.Checks, Result{Name: name, Hard: hard, Passed: passed, Detail: detail})
}

// Request identifies the deployment to validate.
type Request struct {
	Strategy  domain.Strategy
	Name      string
	RemoteDir string
	Host      string
	ProbePath string
}

// Options configure the soft checks.
type Options struct {
	PublicPort   int
	ProbeTimeout time.Duration
	ProbeRetries int
}

// Validator runs the checks.
type Validator struct {
	opts   Options
	client *retryablehttp.Client
	logger *slog.Logger
}

// New creates a validator.
func New(opts Options, logger *slog.Logger) *Validator {
	if opts.PublicPort <= 0 {
		opts.PublicPort = 80
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.ProbeRetries < 0 {
		opts.ProbeRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "validate")

	client := retryablehttp.NewClient()
	client.RetryMax = opts.ProbeRetries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = opts.ProbeTimeout
	client.Logger = logger

	return &Validator{opts: opts, client: client, logger: logger}
}

// Validate runs hard checks in order, stopping at the first failure, then
// the soft checks.
func (v *Validator) Validate(ctx context.Context, exec remote.Executor, req Request) (Report, error) {
	var (
		report     Report
		containers []domain.ContainerHealth
	)

	hard := []struct {
		name string
		run  func() (string, error)
	}{
		{CheckDockerActive, func() (string, error) { return v.serviceActive(ctx, exec, "docker") }},
		{CheckContainers, func() (string, error) {
			var err error
			containers, err = v.inspectContainers(ctx, exec, req)
			if err != nil {
				return "", err
			}
			return containersRunning(containers)
		}},
		{CheckNginxActive, func() (string, error) { return v.serviceActive(ctx, exec, "nginx") }},
	}
	for _, c := range hard {
		detail, err := c.run()
		if err != nil {
			report.add(c.name, true, false, err.Error())
			if remote.IsConnectionError(err) {
				return report, err
			}
			v.logger.Error("hard check failed", "check", c.name, "error", err)
			return report, &CheckError{Check: c.name, Err: err}
		}
		report.add(c.name, true, true, detail)
		v.logger.Info("hard check passed", "check", c.name, "detail", detail)
	}

	detail, err := containersSettled(containers)
	v.soft(&report, CheckHealth, detail, err)

	detail, err = v.loopback(ctx, exec, req)
	if remote.IsConnectionError(err) {
		return report, err
	}
	v.soft(&report, CheckLoopbackProxy, detail, err)

	detail, err = v.publicProbe(ctx, req)
	v.soft(&report, CheckPublicProbe, detail, err)

	return report, nil
}

func (v *Validator) soft(report *Report, name, detail string, err error) {
	if err != nil {
		report.add(name, false, false, err.Error())
		v.logger.Warn("soft check failed", "check", name, "error", err)
		return
	}
	report.add(name, false, true, detail)
	v.logger.Info("soft check passed", "check", name, "detail", detail)
}

func (v *Validator) serviceActive(ctx context.Context, exec remote.Executor, service string) (string, error) {
	res, err := exec.Run(ctx, remote.NewBatch("is-active-"+service, remote.Cmd("systemctl", "is-active", service)))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (v *Validator) inspectContainers(ctx context.Context, exec remote.Executor, req Request) ([]domain.ContainerHealth, error) {
	res, err := exec.Run(ctx, InspectBatch(req))
	if err != nil {
		return nil, err
	}
	inspected, err := DecodeInspect(res.Stdout)
	if err != nil {
		return nil, err
	}
	if req.Strategy == domain.StrategyCompose {
		inspected = v.withoutCompletedJobs(inspected)
	}
	if len(inspected) == 0 {
		return nil, fmt.Errorf("no containers found for %s", req.Name)
	}
	return ContainerHealth(inspected)
}

// withoutCompletedJobs drops stack containers that ran to completion on
// purpose, such as a migration service.
func (v *Validator) withoutCompletedJobs(inspected []container.InspectResponse) []container.InspectResponse {
	kept := inspected[:0:0]
	for _, c := range inspected {
		if CompletedJob(c) {
			v.logger.Info("skipping completed one-shot container", "name", strings.TrimPrefix(c.Name, "/"))
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// CompletedJob reports a container that exited 0 and that its restart
// policy will not start again.
func CompletedJob(c container.InspectResponse) bool {
	if c.ContainerJSONBase == nil || c.State == nil {
		return false
	}
	if string(c.State.Status) != "exited" || c.State.ExitCode != 0 {
		return false
	}
	if c.HostConfig == nil {
		return true
	}
	switch c.HostConfig.RestartPolicy.Name {
	case "", container.RestartPolicyDisabled, container.RestartPolicyOnFailure:
		return true
	}
	return false
}

// containersRunning fails when any container is unhealthy: not running, or
// failing its HEALTHCHECK.
func containersRunning(containers []domain.ContainerHealth) (string, error) {
	if monitoring.AggregateHealth(containers) == domain.HealthStatusUnhealthy {
		var failed []string
		for _, c := range monitoring.Filter(containers, domain.HealthStatusUnhealthy) {
			failed = append(failed, monitoring.Describe(c))
		}
		return "", fmt.Errorf("container %s", strings.Join(failed, "; "))
	}
	names := make([]string, 0, len(containers))
	for _, c := range containers {
		names = append(names, c.Name)
	}
	return strings.Join(names, ","), nil
}

// containersSettled reports running containers that are still starting or
// restarting repeatedly.
func containersSettled(containers []domain.ContainerHealth) (string, error) {
	if monitoring.AggregateHealth(containers) == domain.HealthStatusHealthy {
		return string(domain.HealthStatusHealthy), nil
	}
	var degraded []string
	for _, c := range monitoring.Filter(containers, domain.HealthStatusDegraded) {
		degraded = append(degraded, monitoring.Describe(c))
	}
	return "", fmt.Errorf("degraded: %s", strings.Join(degraded, "; "))
}

func (v *Validator) loopback(ctx context.Context, exec remote.Executor, req Request) (string, error) {
	res, err := exec.Run(ctx, LoopbackBatch(v.opts.PublicPort, req.ProbePath))
	if err != nil {
		return "", err
	}
	code := strings.TrimSpace(res.Stdout)
	if !successStatus(code) {
		return "", fmt.Errorf("nginx answered %s on loopback", code)
	}
	return "HTTP " + code, nil
}

func (v *Validator) publicProbe(ctx context.Context, req Request) (string, error) {
	url := ProbeURL(req.Host, v.opts.PublicPort, req.ProbePath)
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := v.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if !successStatus(strconv.Itoa(resp.StatusCode)) {
		return "", fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	return fmt.Sprintf("GET %s: HTTP %d", url, resp.StatusCode), nil
}

// =============================================================================
// Batches and Decoding
// =============================================================================

// InspectBatch prints docker inspect JSON for the deployment's containers.
func InspectBatch(req Request) remote.Batch {
	if req.Strategy == domain.StrategyCompose {
		return remote.NewBatch("inspect-stack",
			remote.Cmd("cd", req.RemoteDir),
			remote.Sh(`ids=$(sudo -n docker compose -p %s ps -a -q)`, remote.Quote(compose.ProjectName(req.Name))),
			remote.Sh(`if [ -z "$ids" ]; then echo '[]'; else sudo -n docker inspect $ids; fi`),
		)
	}
	return remote.NewBatch("inspect-container", remote.Sudo("docker", "inspect", req.Name))
}

// LoopbackBatch prints the HTTP status nginx returns on the host itself.
func LoopbackBatch(port int, probePath string) remote.Batch {
	return remote.NewBatch("loopback",
		remote.Cmd("curl", "-s", "-o", "/dev/null", "-m", "10", "-w", "%{http_code}", ProbeURL("localhost", port, probePath)),
	)
}

// DecodeInspect parses docker inspect output.
func DecodeInspect(out string) ([]container.InspectResponse, error) {
	var containers []container.InspectResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &containers); err != nil {
		return nil, fmt.Errorf("decode docker inspect output: %w", err)
	}
	return containers, nil
}

// ContainerHealth converts inspect output into classified container states.
func ContainerHealth(inspected []container.InspectResponse) ([]domain.ContainerHealth, error) {
	out := make([]domain.ContainerHealth, 0, len(inspected))
	for _, c := range inspected {
		if c.ContainerJSONBase == nil || c.State == nil {
			return nil, fmt.Errorf("container inspect output is incomplete")
		}
		h := domain.ContainerHealth{
			Name:     strings.TrimPrefix(c.Name, "/"),
			Status:   string(c.State.Status),
			Restarts: c.RestartCount,
		}
		if c.State.Health != nil {
			h.HealthCheck = string(c.State.Health.Status)
		}
		out = append(out, monitoring.Classify(h))
	}
	return out, nil
}

// ProbeURL builds the HTTP URL of the public endpoint.
func ProbeURL(host string, port int, probePath string) string {
	if probePath == "" {
		probePath = "/"
	}
	if !strings.HasPrefix(probePath, "/") {
		probePath = "/" + probePath
	}
	addr := host
	if port != 80 {
		addr = net.JoinHostPort(host, strconv.Itoa(port))
	} else if strings.Contains(host, ":") {
		addr = "[" + host + "]"
	}
	return "http://" + addr + probePath
}

func successStatus(code string) bool {
	n, err := strconv.Atoi(code)
	return err == nil && n >= 200 && n < 400
}
