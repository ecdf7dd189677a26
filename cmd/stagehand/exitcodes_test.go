package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/artpar/stagehand/internal/core/domain"
	"github.com/artpar/stagehand/internal/core/remote"
	"github.com/artpar/stagehand/internal/shell/git"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Exit Code Mapping Tests
// =============================================================================

func failed(stage domain.Stage, kind domain.Kind, err error) domain.PipelineOutcome {
	return domain.PipelineOutcome{
		Stage: stage,
		Kind:  kind,
		Err:   domain.NewStageError(stage, kind, err),
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name    string
		outcome domain.PipelineOutcome
		want    int
	}{
		{"success", domain.PipelineOutcome{Stage: domain.StageDone}, ExitSuccess},
		{"success with warnings", domain.PipelineOutcome{Stage: domain.StageDone, Warnings: []string{"public-probe: 503"}}, ExitSuccess},
		{"clone", failed(domain.StageFetch, domain.KindRepository, &git.GitError{Op: "clone", Err: git.ErrClone}), ExitCloneFailed},
		{"fetch", failed(domain.StageFetch, domain.KindRepository, &git.GitError{Op: "fetch", Err: git.ErrFetch}), ExitFetchFailed},
		{"checkout", failed(domain.StageFetch, domain.KindRepository, &git.GitError{Op: "checkout", Err: git.ErrCheckout}), ExitCheckoutFailed},
		{"pull", failed(domain.StageFetch, domain.KindRepository, &git.GitError{Op: "merge", Err: git.ErrPull}), ExitPullFailed},
		{"structure", failed(domain.StageDetect, domain.KindPrecondition, errors.New("no marker")), ExitProjectStructure},
		{"ssh connect", failed(domain.StageConnect, domain.KindConnectivity, remote.ErrConnection), ExitSSHConnect},
		{"ssh auth", failed(domain.StageConnect, domain.KindConnectivity, fmt.Errorf("%w: key rejected", remote.ErrAuthentication)), ExitSSHAuth},
		{"connection lost mid-deploy", failed(domain.StageDeploy, domain.KindConnectivity, remote.ErrConnection), ExitSSHConnect},
		{"provisioning", failed(domain.StageProvision, domain.KindProvisioning, errors.New("apt")), ExitProvisioning},
		{"transfer", failed(domain.StageTransfer, domain.KindTransfer, errors.New("upload")), ExitTransfer},
		{"deploy", failed(domain.StageDeploy, domain.KindDeployment, errors.New("build")), ExitDeployment},
		{"proxy", failed(domain.StageProxy, domain.KindProxyConfig, errors.New("nginx -t")), ExitProxy},
		{"validation", failed(domain.StageValidate, domain.KindValidationHard, errors.New("stopped")), ExitValidation},
		{"unexpected", failed(domain.StageDeploy, domain.KindUnexpected, errors.New("panic")), ExitUnexpected},
		{"cleanup", failed(domain.StageCleanup, domain.KindUnexpected, errors.New("docker rm")), ExitUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.outcome))
		})
	}
}

func TestInputExitCode(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0600))

	valid := domain.DeploymentInput{
		RepoURL: "https://github.com/acme/shop",
		Token:   "ghp_token",
		Branch:  "main",
		Host:    "203.0.113.10",
		User:    "deploy",
		KeyPath: keyPath,
		AppPort: 3000,
	}

	tests := []struct {
		name   string
		mutate func(in *domain.DeploymentInput)
		want   int
	}{
		{"repo url", func(in *domain.DeploymentInput) { in.RepoURL = "not a url" }, ExitRepoURLInvalid},
		{"token", func(in *domain.DeploymentInput) { in.Token = "" }, ExitTokenMissing},
		{"branch", func(in *domain.DeploymentInput) { in.Branch = "bad..branch" }, ExitBranchInvalid},
		{"user", func(in *domain.DeploymentInput) { in.User = "Root User" }, ExitUserInvalid},
		{"host", func(in *domain.DeploymentInput) { in.Host = "bad_host!" }, ExitHostInvalid},
		{"key", func(in *domain.DeploymentInput) { in.KeyPath = "/nonexistent/key" }, ExitKeyFileMissing},
		{"port", func(in *domain.DeploymentInput) { in.AppPort = 70000 }, ExitPortInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := domain.NewDeploymentConfig(in)
			require.Error(t, err)
			assert.Equal(t, tt.want, InputExitCode(err))
		})
	}

	assert.Equal(t, ExitUnexpected, InputExitCode(errors.New("other")))
}

// =============================================================================
// Command Tests
// =============================================================================

func TestRun_MissingKeyExitsBeforeConnecting(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	historyDSN := filepath.Join(dir, "history.db")

	var stdout, stderr bytes.Buffer
	code := run([]string{"deploy",
		"--repo-url", "https://github.com/acme/webapp",
		"--token", "ghp_token",
		"--host", "127.0.0.1",
		"--user", "deploy",
		"--key", filepath.Join(dir, "missing_key"),
		"--port", "3000",
		"--log-dir", filepath.Join(dir, "logs"),
		"--history", historyDSN,
	}, &stdout, &stderr)

	assert.Equal(t, ExitKeyFileMissing, code)
	assert.Contains(t, stderr.String(), "invalid configuration")
	assert.NoFileExists(t, historyDSN, "no component may run after a validation failure")

	logs, err := os.ReadDir(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Regexp(t, `^deploy_\d{8}_\d{6}\.log$`, logs[0].Name())
}

func TestRun_DefaultCommandIsDeploy(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer
	code := run([]string{"--log-dir", dir, "--repo-url", "ftp://example.com/a/b"}, &stdout, &stderr)

	assert.Equal(t, ExitRepoURLInvalid, code)
}

func TestRun_CleanupDoesNotRequireToken(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer
	code := run([]string{"cleanup",
		"--repo-url", "https://github.com/acme/webapp",
		"--host", "bad_host!",
		"--user", "deploy",
		"--log-dir", dir,
	}, &stdout, &stderr)

	assert.Equal(t, ExitHostInvalid, code)
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"version"}, &stdout, &stderr)

	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout.String(), "stagehand dev")
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"rollback"}, &stdout, &stderr)

	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr.String(), `unknown command "rollback"`)
}

func TestRun_UnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"deploy", "--no-such-flag"}, &stdout, &stderr)

	assert.Equal(t, ExitUsage, code)
}
