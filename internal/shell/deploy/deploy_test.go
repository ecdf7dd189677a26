package deploy

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/artpar/stagehand/internal/core/domain"
	"github.com/artpar/stagehand/internal/core/remote"
	"github.com/artpar/stagehand/internal/core/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func testDeployer() *Deployer {
	return New(Options{ReadyTimeout: 50 * time.Millisecond, ReadyInterval: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func singleRequest() Request {
	return Request{RemoteDir: "deployments/app", Strategy: domain.StrategySingleContainer, Name: "app", Port: 8080}
}

func composeRequest() Request {
	return Request{RemoteDir: "deployments/shop", Strategy: domain.StrategyCompose, Name: "shop", Port: 3000, Services: []string{"db", "web"}}
}

func indexOf(t *testing.T, executed []string, substr string) int {
	t.Helper()
	for i, s := range executed {
		if strings.Contains(s, substr) {
			return i
		}
	}
	t.Fatalf("no statement contains %q in %v", substr, executed)
	return -1
}

// =============================================================================
// Single Container Tests
// =============================================================================

func TestDeploy_SingleContainer(t *testing.T) {
	f := remotetest.New(remotetest.Answer("inspect", "true\n"))

	status, err := testDeployer().Deploy(context.Background(), f, singleRequest())
	require.NoError(t, err)
	assert.True(t, status.Ready)
	assert.Equal(t, []string{"app"}, status.Containers)
	assert.Empty(t, status.Warning)

	executed := f.Executed()
	stop := indexOf(t, executed, "docker stop app")
	build := indexOf(t, executed, "docker build -t app:latest deployments/app")
	run := indexOf(t, executed, "docker run -d --name app --restart unless-stopped -p 8080:8080/tcp app:latest")
	assert.Less(t, stop, build)
	assert.Less(t, build, run)
}

func TestDeploy_FirstDeploymentToleratesMissingContainer(t *testing.T) {
	f := remotetest.New(
		remotetest.Fail("docker stop"),
		remotetest.Fail("docker rm"),
		remotetest.Answer("inspect", "true\n"),
	)

	status, err := testDeployer().Deploy(context.Background(), f, singleRequest())
	require.NoError(t, err)
	assert.True(t, status.Ready)
}

func TestDeploy_BuildFailureSkipsRun(t *testing.T) {
	f := remotetest.New(remotetest.Rule{
		Match:    "docker build",
		Response: remotetest.Response{ExitCode: 1, Stderr: "COPY failed: file not found"},
	})

	_, err := testDeployer().Deploy(context.Background(), f, singleRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBuild)
	assert.NotErrorIs(t, err, ErrRun)
	assert.Contains(t, err.Error(), "COPY failed")
	assert.False(t, f.Ran("docker run"))
}

func TestDeploy_RunFailure(t *testing.T) {
	f := remotetest.New(remotetest.Fail("docker run"))

	_, err := testDeployer().Deploy(context.Background(), f, singleRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRun)
}

func TestDeploy_NotReadyIsWarning(t *testing.T) {
	f := remotetest.New(remotetest.Answer("inspect", "false\n"))

	status, err := testDeployer().Deploy(context.Background(), f, singleRequest())
	require.NoError(t, err)
	assert.False(t, status.Ready)
	assert.Contains(t, status.Warning, "not ready")
	assert.Greater(t, f.Count("docker inspect"), 1)
}

func TestDeploy_ReadyAfterRetries(t *testing.T) {
	polls := 0
	f := remotetest.New()
	f.OnStatement = func(script string) (remotetest.Response, bool) {
		if !strings.Contains(script, "docker inspect") {
			return remotetest.Response{}, false
		}
		polls++
		if polls < 3 {
			return remotetest.Response{Stdout: "false\n"}, true
		}
		return remotetest.Response{Stdout: "true\n"}, true
	}
	d := New(Options{ReadyTimeout: 5 * time.Second, ReadyInterval: time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	status, err := d.Deploy(context.Background(), f, singleRequest())
	require.NoError(t, err)
	assert.True(t, status.Ready)
	assert.Equal(t, 3, polls)
}

func TestDeploy_ConnectionLossDuringPollingIsFatal(t *testing.T) {
	conn := &dropOnInspect{Fake: remotetest.New()}

	_, err := testDeployer().Deploy(context.Background(), conn, singleRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrConnection)
}

// dropOnInspect loses the connection when readiness polling starts.
type dropOnInspect struct {
	*remotetest.Fake
}

func (d *dropOnInspect) Run(ctx context.Context, b remote.Batch) (remote.CommandResult, error) {
	if b.Name == "inspect" {
		return remote.CommandResult{FailedStatement: -1}, remote.ErrConnection
	}
	return d.Fake.Run(ctx, b)
}

// =============================================================================
// Compose Tests
// =============================================================================

func TestDeploy_Compose(t *testing.T) {
	f := remotetest.New(remotetest.Answer("ps --status running -q", "abc123\ndef456\n"))

	status, err := testDeployer().Deploy(context.Background(), f, composeRequest())
	require.NoError(t, err)
	assert.True(t, status.Ready)
	assert.Equal(t, []string{"abc123", "def456"}, status.Containers)

	executed := f.Executed()
	cd := indexOf(t, executed, "cd deployments/shop")
	down := indexOf(t, executed, "docker compose -p shop down")
	up := indexOf(t, executed, "docker compose -p shop up -d --build")
	assert.Less(t, cd, down)
	assert.Less(t, down, up)
	assert.False(t, f.Ran("docker build"))
}

func TestDeploy_ComposeProjectNameIsNormalized(t *testing.T) {
	f := remotetest.New(remotetest.Answer("ps --status running -q", "abc123\n"))
	req := composeRequest()
	req.Name = "api.v2"
	req.RemoteDir = "deployments/api.v2"
	req.Services = []string{"web"}

	_, err := testDeployer().Deploy(context.Background(), f, req)
	require.NoError(t, err)
	assert.True(t, f.Ran("docker compose -p apiv2 down"))
	assert.True(t, f.Ran("docker compose -p apiv2 up -d --build"))
	assert.True(t, f.Ran("cd deployments/api.v2"))
	assert.False(t, f.Ran("-p api.v2"))
}

func TestDeploy_ComposeDownFailureTolerated(t *testing.T) {
	f := remotetest.New(remotetest.Fail("compose -p shop down"), remotetest.Answer("ps --status", "a\nb\n"))

	_, err := testDeployer().Deploy(context.Background(), f, composeRequest())
	require.NoError(t, err)
	assert.True(t, f.Ran("up -d --build"))
}

func TestDeploy_ComposeUpFailure(t *testing.T) {
	f := remotetest.New(remotetest.Fail("up -d --build"))

	_, err := testDeployer().Deploy(context.Background(), f, composeRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRun)
}

func TestDeploy_ComposePartiallyRunningIsWarning(t *testing.T) {
	f := remotetest.New(remotetest.Answer("ps --status", "abc123\n"))

	status, err := testDeployer().Deploy(context.Background(), f, composeRequest())
	require.NoError(t, err)
	assert.False(t, status.Ready)
	assert.NotEmpty(t, status.Warning)
}

// =============================================================================
// Request Tests
// =============================================================================

func TestDeploy_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"unknown strategy", Request{RemoteDir: "d", Name: "app", Port: 80}},
		{"missing name", Request{RemoteDir: "d", Strategy: domain.StrategySingleContainer, Port: 80}},
		{"bad port", Request{RemoteDir: "d", Name: "app", Strategy: domain.StrategySingleContainer, Port: 70000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := remotetest.New()
			_, err := testDeployer().Deploy(context.Background(), f, tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, f.Executed())
		})
	}
}

func TestPublishSpec(t *testing.T) {
	spec, err := PublishSpec(5000)
	require.NoError(t, err)
	assert.Equal(t, "5000:5000/tcp", spec)

	_, err = PublishSpec(0)
	assert.ErrorIs(t, err, domain.ErrPortInvalid)
}
