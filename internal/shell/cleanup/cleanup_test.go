package cleanup

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/artpar/stagehand/internal/core/remote"
	"github.com/artpar/stagehand/internal/core/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCoordinator() *Coordinator {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCleanup_RemovesEverything(t *testing.T) {
	f := remotetest.New()

	err := testCoordinator().Cleanup(context.Background(), f, "app", "deployments/app")
	require.NoError(t, err)

	assert.True(t, f.Ran("docker compose -p app down -v"))
	assert.True(t, f.Ran("docker stop app"))
	assert.True(t, f.Ran("sudo -n docker rmi app:latest"))
	assert.True(t, f.Ran("sudo -n rm -f /etc/nginx/sites-enabled/app /etc/nginx/sites-available/app"))
	assert.True(t, f.Ran("systemctl reload nginx"))
	assert.True(t, f.Ran("rm -rf deployments/app"))
}

func TestCleanup_DottedNameUsesNormalizedComposeProject(t *testing.T) {
	f := remotetest.New()

	err := testCoordinator().Cleanup(context.Background(), f, "example.com", "deployments/example.com")
	require.NoError(t, err)

	assert.True(t, f.Ran("docker compose -p examplecom down -v"))
	assert.True(t, f.Ran("docker stop example.com"))
	assert.True(t, f.Ran("sudo -n docker rmi example.com:latest"))
}

func TestCleanup_AlreadyCleanTargetSucceeds(t *testing.T) {
	// Every step fails as it would on a host with nothing deployed.
	f := remotetest.New()
	f.OnStatement = func(string) (remotetest.Response, bool) {
		return remotetest.Response{ExitCode: 1, Stderr: "No such container: app"}, true
	}

	err := testCoordinator().Cleanup(context.Background(), f, "app", "deployments/app")
	require.NoError(t, err)
	assert.Len(t, f.Executed(), len(Batch("app", "deployments/app").Statements))
}

func TestCleanup_ConnectionFailure(t *testing.T) {
	f := remotetest.New()
	f.ConnErr = remote.ErrConnection

	err := testCoordinator().Cleanup(context.Background(), f, "app", "deployments/app")
	assert.ErrorIs(t, err, remote.ErrConnection)
}

func TestCleanup_RejectsUnsafeTargets(t *testing.T) {
	tests := []struct {
		name string
		app  string
		dir  string
	}{
		{"empty name", "", "deployments/app"},
		{"name with slash", "../etc", "deployments/app"},
		{"empty dir", "app", ""},
		{"home dir", "app", "."},
		{"root dir", "app", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := remotetest.New()
			err := testCoordinator().Cleanup(context.Background(), f, tt.app, tt.dir)
			assert.ErrorIs(t, err, ErrInvalidTarget)
			assert.Empty(t, f.Executed())
		})
	}
}

func TestBatch_EveryStepTolerated(t *testing.T) {
	b := Batch("app", "deployments/app")
	require.NotEmpty(t, b.Statements)
	for _, st := range b.Statements {
		assert.True(t, st.AllowFailure, st.Script)
	}
	assert.Contains(t, b.Statements[0].Script, "[ -f deployments/app/docker-compose.yml ]")
}
