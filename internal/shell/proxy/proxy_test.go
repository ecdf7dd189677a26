package proxy

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/artpar/stagehand/internal/core/nginx"
	"github.com/artpar/stagehand/internal/core/remote"
	"github.com/artpar/stagehand/internal/core/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfigurator() *Configurator {
	return New(80, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func batchNames(f *remotetest.Fake) []string {
	var names []string
	for _, b := range f.Batches() {
		names = append(names, b.Name)
	}
	return names
}

func TestConfigure_Success(t *testing.T) {
	f := remotetest.New()

	err := testConfigurator().Configure(context.Background(), f, "app", 8080)
	require.NoError(t, err)

	assert.Equal(t, []string{"proxy-stage", "proxy-test", "proxy-apply"}, batchNames(f))
	assert.True(t, f.Ran("proxy_pass http://localhost:8080;"))
	assert.True(t, f.Ran("sudo -n ln -sfn /etc/nginx/sites-available/app /etc/nginx/sites-enabled/app"))
	assert.True(t, f.Ran("sudo -n rm -f /etc/nginx/sites-enabled/default"))
	assert.True(t, f.Ran("sudo -n systemctl reload nginx"))
	assert.False(t, f.Ran("cp -a /var/backups/stagehand/nginx/app/available"))
}

func TestConfigure_SyntaxErrorRestoresAndDoesNotReload(t *testing.T) {
	f := remotetest.New(remotetest.Rule{
		Match: "nginx -t",
		Response: remotetest.Response{
			ExitCode: 1,
			Stderr:   "nginx: [emerg] unexpected \"}\" in /etc/nginx/sites-enabled/app:12",
		},
	})

	err := testConfigurator().Configure(context.Background(), f, "app", 8080)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProxySyntax)
	assert.ErrorIs(t, err, remote.ErrCommandFailed)
	assert.Contains(t, err.Error(), "unexpected")

	assert.Equal(t, []string{"proxy-stage", "proxy-test", "proxy-restore"}, batchNames(f))
	assert.False(t, f.Ran("systemctl reload nginx"))
}

func TestConfigure_StageFailureRestores(t *testing.T) {
	f := remotetest.New(remotetest.Fail("sudo -n tee"))

	err := testConfigurator().Configure(context.Background(), f, "app", 8080)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProxyStage)
	assert.Equal(t, []string{"proxy-stage", "proxy-restore"}, batchNames(f))
	assert.False(t, f.Ran("nginx -t"))
}

func TestConfigure_ReloadFailure(t *testing.T) {
	f := remotetest.New(remotetest.Fail("systemctl reload nginx"))

	err := testConfigurator().Configure(context.Background(), f, "app", 8080)
	assert.ErrorIs(t, err, ErrProxyReload)
}

func TestConfigure_ConnectionFailure(t *testing.T) {
	f := remotetest.New()
	f.ConnErr = remote.ErrConnection

	err := testConfigurator().Configure(context.Background(), f, "app", 8080)
	assert.ErrorIs(t, err, remote.ErrConnection)
	assert.NotErrorIs(t, err, ErrProxyStage)
}

func TestStageBatch_BacksUpBeforeWriting(t *testing.T) {
	b := StageBatch(nginx.SiteParams{Name: "app", ListenPort: 80, UpstreamPort: 3000})
	scripts := b.Scripts()

	write := -1
	for i, s := range scripts {
		if strings.Contains(s, "sudo -n tee /etc/nginx/sites-available/app") {
			write = i
		}
	}
	require.GreaterOrEqual(t, write, 0)
	for _, s := range scripts[:write] {
		assert.NotContains(t, s, "ln -sfn")
	}
	assert.Contains(t, scripts[1], "/var/backups/stagehand/nginx/app/available")
	assert.Contains(t, scripts[3], "/etc/nginx/sites-enabled/default")
}

func TestRestoreBatch_AllStepsTolerated(t *testing.T) {
	for _, st := range RestoreBatch("app").Statements {
		assert.True(t, st.AllowFailure, st.Script)
	}
}
