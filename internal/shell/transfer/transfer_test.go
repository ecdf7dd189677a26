package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/artpar/stagehand/internal/core/domain"
	"github.com/artpar/stagehand/internal/core/remote"
	"github.com/artpar/stagehand/internal/core/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// syncHost is a fake remote that keeps received files so later manifest
// batches reflect earlier uploads.
type syncHost struct {
	*remotetest.Fake
	files     map[string][]byte
	modes     map[string]fs.FileMode
	links     map[string]string
	uploadErr error
}

func newSyncHost() *syncHost {
	h := &syncHost{
		Fake:  remotetest.New(),
		files: map[string][]byte{},
		modes: map[string]fs.FileMode{},
		links: map[string]string{},
	}
	h.OnStatement = func(script string) (remotetest.Response, bool) {
		var sb strings.Builder
		switch {
		case strings.Contains(script, "sha256sum"):
			for _, p := range sortedKeys(h.files) {
				sum := sha256.Sum256(h.files[p])
				fmt.Fprintf(&sb, "%s  ./%s\n", hex.EncodeToString(sum[:]), p)
			}
		case strings.Contains(script, "-printf 'mode"):
			for _, p := range sortedKeys(h.files) {
				fmt.Fprintf(&sb, "mode %o %s\n", h.modes[p], p)
			}
		case strings.Contains(script, "-type l"):
			for _, p := range sortedKeys(h.links) {
				fmt.Fprintf(&sb, "link %s\t%s\n", p, h.links[p])
			}
		default:
			return remotetest.Response{}, false
		}
		return remotetest.Response{Stdout: sb.String()}, true
	}
	return h
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (h *syncHost) Upload(ctx context.Context, dir string, archive io.Reader) error {
	if h.uploadErr != nil {
		return h.uploadErr
	}
	if err := h.Fake.Upload(ctx, dir, archive); err != nil {
		return err
	}
	ups := h.Uploads()
	last := ups[len(ups)-1]
	for p, data := range last.Files {
		delete(h.links, p)
		h.files[p] = data
		h.modes[p] = last.Modes[p]
	}
	for p, target := range last.Links {
		delete(h.files, p)
		delete(h.modes, p)
		h.links[p] = target
	}
	return nil
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func newWorkingCopy(t *testing.T) domain.WorkingCopy {
	t.Helper()
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"Dockerfile":                   "FROM python:3.12\n",
		"app/main.py":                  "print('hi')\n",
		"app/__pycache__/main.pyc":     "bytecode",
		".git/HEAD":                    "ref: refs/heads/main\n",
		"node_modules/left-pad/idx.js": "module.exports = 1\n",
		"web/node_modules/x/index.js":  "1\n",
		"server.log":                   "noise\n",
		"logs/today.txt":               "noise\n",
		".venv/bin/python":             "#!/bin/sh\n",
	})
	return domain.WorkingCopy{Dir: dir, RepoName: "app", Branch: "main"}
}

func testTransferrer(t *testing.T) *Transferrer {
	t.Helper()
	tr, err := New(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return tr
}

// =============================================================================
// Transfer Tests
// =============================================================================

func TestTransfer_FirstRunSendsShippedFilesOnly(t *testing.T) {
	host := newSyncHost()
	wc := newWorkingCopy(t)

	stats, err := testTransferrer(t).Transfer(context.Background(), host, wc, "deployments/app")
	require.NoError(t, err)

	assert.Equal(t, []string{"Dockerfile", "app/main.py"}, stats.Changed)
	assert.Equal(t, 2, stats.Files)
	assert.Positive(t, stats.Excluded)

	uploads := host.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "deployments/app", uploads[0].Dir)
	for path := range uploads[0].Files {
		assert.NotContains(t, path, ".git")
		assert.NotContains(t, path, "node_modules")
		assert.NotContains(t, path, "__pycache__")
		assert.NotContains(t, path, ".log")
		assert.NotContains(t, path, ".venv")
		assert.False(t, strings.HasPrefix(path, "logs/"), path)
	}
	assert.Equal(t, "print('hi')\n", string(uploads[0].Files["app/main.py"]))
	assert.True(t, host.Ran("mkdir -p deployments/app"))
}

func TestTransfer_RerunWithoutChangesSendsNothing(t *testing.T) {
	host := newSyncHost()
	wc := newWorkingCopy(t)
	tr := testTransferrer(t)

	_, err := tr.Transfer(context.Background(), host, wc, "deployments/app")
	require.NoError(t, err)

	stats, err := tr.Transfer(context.Background(), host, wc, "deployments/app")
	require.NoError(t, err)
	assert.Empty(t, stats.Changed)
	assert.Len(t, host.Uploads(), 1)
}

func TestTransfer_SendsOnlyModifiedFiles(t *testing.T) {
	host := newSyncHost()
	wc := newWorkingCopy(t)
	tr := testTransferrer(t)

	_, err := tr.Transfer(context.Background(), host, wc, "deployments/app")
	require.NoError(t, err)

	writeTree(t, wc.Dir, map[string]string{
		"app/main.py": "print('changed')\n",
		"app/util.py": "X = 1\n",
	})

	stats, err := tr.Transfer(context.Background(), host, wc, "deployments/app")
	require.NoError(t, err)
	assert.Equal(t, []string{"app/main.py", "app/util.py"}, stats.Changed)

	uploads := host.Uploads()
	require.Len(t, uploads, 2)
	assert.Len(t, uploads[1].Files, 2)
	assert.Equal(t, "print('changed')\n", string(host.files["app/main.py"]))
}

func TestTransfer_ManifestFailure(t *testing.T) {
	host := newSyncHost()
	host.Rules = []remotetest.Rule{remotetest.Fail("mkdir -p")}

	_, err := testTransferrer(t).Transfer(context.Background(), host, newWorkingCopy(t), "deployments/app")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransfer)
	assert.ErrorIs(t, err, remote.ErrCommandFailed)
	assert.Empty(t, host.Uploads())
}

func TestTransfer_UploadFailure(t *testing.T) {
	host := newSyncHost()
	host.uploadErr = errors.New("tar: write error")

	_, err := testTransferrer(t).Transfer(context.Background(), host, newWorkingCopy(t), "deployments/app")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransfer)
}

func TestTransfer_ConnectionFailurePassesThrough(t *testing.T) {
	host := newSyncHost()
	host.ConnErr = fmt.Errorf("%w: broken pipe", remote.ErrConnection)

	_, err := testTransferrer(t).Transfer(context.Background(), host, newWorkingCopy(t), "deployments/app")
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrConnection)
	assert.NotErrorIs(t, err, ErrTransfer)
}

func TestTransfer_ModeChangeIsSent(t *testing.T) {
	host := newSyncHost()
	wc := newWorkingCopy(t)
	tr := testTransferrer(t)

	_, err := tr.Transfer(context.Background(), host, wc, "deployments/app")
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0644), host.modes["app/main.py"])

	require.NoError(t, os.Chmod(filepath.Join(wc.Dir, "app", "main.py"), 0755))

	stats, err := tr.Transfer(context.Background(), host, wc, "deployments/app")
	require.NoError(t, err)
	assert.Equal(t, []string{"app/main.py"}, stats.Changed)
	assert.Equal(t, fs.FileMode(0755), host.modes["app/main.py"])

	stats, err = tr.Transfer(context.Background(), host, wc, "deployments/app")
	require.NoError(t, err)
	assert.Empty(t, stats.Changed)
}

func TestTransfer_SymlinksAreShippedAsLinks(t *testing.T) {
	host := newSyncHost()
	wc := newWorkingCopy(t)
	tr := testTransferrer(t)
	require.NoError(t, os.Symlink("app/main.py", filepath.Join(wc.Dir, "entrypoint.py")))
	require.NoError(t, os.Symlink("app", filepath.Join(wc.Dir, "src")))

	stats, err := tr.Transfer(context.Background(), host, wc, "deployments/app")
	require.NoError(t, err)
	assert.Equal(t, []string{"Dockerfile", "app/main.py", "entrypoint.py", "src"}, stats.Changed)
	assert.Equal(t, 4, stats.Files)

	uploads := host.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, map[string]string{"entrypoint.py": "app/main.py", "src": "app"}, uploads[0].Links)
	assert.NotContains(t, uploads[0].Files, "entrypoint.py")
	assert.NotContains(t, uploads[0].Files, "src/main.py")

	stats, err = tr.Transfer(context.Background(), host, wc, "deployments/app")
	require.NoError(t, err)
	assert.Empty(t, stats.Changed)

	link := filepath.Join(wc.Dir, "entrypoint.py")
	require.NoError(t, os.Remove(link))
	require.NoError(t, os.Symlink("Dockerfile", link))

	stats, err = tr.Transfer(context.Background(), host, wc, "deployments/app")
	require.NoError(t, err)
	assert.Equal(t, []string{"entrypoint.py"}, stats.Changed)
	assert.Equal(t, "Dockerfile", host.links["entrypoint.py"])
}
