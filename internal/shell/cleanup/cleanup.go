// Package cleanup removes every remote artifact of a deployment.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/artpar/stagehand/internal/core/compose"
	"github.com/artpar/stagehand/internal/core/nginx"
	"github.com/artpar/stagehand/internal/core/remote"
)

// ErrInvalidTarget is returned before anything runs when the deployment
// name or directory is unusable.
var ErrInvalidTarget = errors.New("invalid cleanup target")

// Coordinator tears deployments down.
type Coordinator struct {
	logger *slog.Logger
}

// New creates a coordinator.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger.With("component", "cleanup")}
}

// Cleanup removes containers, image, proxy site and remote directory of
// the named deployment. Every step is allowed to fail so a partially
// deployed or already removed target is handled; only transport errors
// are returned.
func (c *Coordinator) Cleanup(ctx context.Context, exec remote.Executor, name, remoteDir string) error {
	if name == "" || strings.ContainsAny(name, "/ ") {
		return fmt.Errorf("%w: name %q", ErrInvalidTarget, name)
	}
	if remoteDir == "" || path.Clean(remoteDir) == "." || path.Clean(remoteDir) == "/" {
		return fmt.Errorf("%w: directory %q", ErrInvalidTarget, remoteDir)
	}

	c.logger.Info("removing deployment", "name", name, "dir", remoteDir)
	res, err := exec.Run(ctx, Batch(name, remoteDir))
	if err != nil {
		if remote.IsConnectionError(err) {
			return err
		}
		// Every statement is tolerated, so this only happens when the
		// shell itself fails.
		c.logger.Warn("cleanup finished with errors", "name", name, "error", err)
		return nil
	}
	if out := strings.TrimSpace(res.Stderr); out != "" {
		c.logger.Debug("cleanup stderr", "output", out)
	}
	c.logger.Info("deployment removed", "name", name)
	return nil
}

// Batch builds the teardown statements.
func Batch(name, remoteDir string) remote.Batch {
	dir := remote.Quote(remoteDir)

	var markers []string
	for _, f := range compose.FileNames() {
		markers = append(markers, fmt.Sprintf("[ -f %s ]", remote.Quote(path.Join(remoteDir, f))))
	}

	return remote.NewBatch("cleanup",
		remote.Sh("if %s; then (cd %s && sudo -n docker compose -p %s down -v --rmi local); else sudo -n docker stop %s; sudo -n docker rm %s; fi",
			strings.Join(markers, " || "), dir, remote.Quote(compose.ProjectName(name)), remote.Quote(name), remote.Quote(name)).Tolerate(),
		remote.Sudo("docker", "rmi", name+":latest").Tolerate(),
		remote.Sudo("rm", "-f", nginx.EnabledPath(name), nginx.AvailablePath(name)).Tolerate(),
		remote.Sh("sudo -n nginx -t && sudo -n systemctl reload nginx").Tolerate(),
		remote.Sh("rm -rf %s || sudo -n rm -rf %s", dir, dir).Tolerate(),
	)
}
