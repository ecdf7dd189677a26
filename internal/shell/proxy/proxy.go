// Package proxy installs the nginx site that fronts a deployment. A new
// definition is syntax-checked before nginx reloads it, and the previous
// state is restored when the check fails.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/artpar/stagehand/internal/core/nginx"
	"github.com/artpar/stagehand/internal/core/remote"
)

// BackupRoot holds per-site backups while a new definition is under test.
const BackupRoot = "/var/backups/stagehand/nginx"

var (
	// ErrProxyStage is returned when the site files cannot be written.
	ErrProxyStage = errors.New("failed to stage proxy site")

	// ErrProxySyntax is returned when nginx rejects the configuration.
	// The previous configuration is restored and nginx is not reloaded.
	ErrProxySyntax = errors.New("proxy configuration rejected by nginx -t")

	// ErrProxyReload is returned when nginx fails to reload a valid configuration.
	ErrProxyReload = errors.New("proxy reload failed")
)

// Configurator writes and activates nginx sites.
type Configurator struct {
	listenPort int
	logger     *slog.Logger
}

// New creates a configurator serving sites on listenPort.
func New(listenPort int, logger *slog.Logger) *Configurator {
	if listenPort <= 0 {
		listenPort = 80
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Configurator{listenPort: listenPort, logger: logger.With("component", "proxy")}
}

// Configure makes name the site served on the listen port, forwarding to
// localhost:port.
func (c *Configurator) Configure(ctx context.Context, exec remote.Executor, name string, port int) error {
	site := nginx.SiteParams{Name: name, ListenPort: c.listenPort, UpstreamPort: port}

	c.logger.Info("staging site", "site", name, "path", nginx.AvailablePath(name), "upstream_port", port)
	if _, err := exec.Run(ctx, StageBatch(site)); err != nil {
		if remote.IsConnectionError(err) {
			return err
		}
		c.restore(ctx, exec, name)
		return fmt.Errorf("%w: %w", ErrProxyStage, err)
	}

	if _, err := exec.Run(ctx, TestBatch()); err != nil {
		if remote.IsConnectionError(err) {
			return err
		}
		c.logger.Error("nginx rejected configuration, restoring previous state", "site", name, "error", err)
		c.restore(ctx, exec, name)
		return fmt.Errorf("%w: %w", ErrProxySyntax, err)
	}

	if _, err := exec.Run(ctx, ApplyBatch(name)); err != nil {
		if remote.IsConnectionError(err) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrProxyReload, err)
	}
	c.logger.Info("site active", "site", name, "listen_port", c.listenPort)
	return nil
}

func (c *Configurator) restore(ctx context.Context, exec remote.Executor, name string) {
	if _, err := exec.Run(ctx, RestoreBatch(name)); err != nil {
		c.logger.Error("failed to restore previous proxy state", "site", name, "error", err)
	}
}

// =============================================================================
// Batches
// =============================================================================

func backupDir(name string) string {
	return path.Join(BackupRoot, name)
}

// exists matches regular files and links, including dangling links.
func exists(p string) string {
	q := remote.Quote(p)
	return fmt.Sprintf("[ -e %s ] || [ -L %s ]", q, q)
}

// StageBatch backs up the current site state, writes the new definition,
// enables it and disables the default site.
func StageBatch(site nginx.SiteParams) remote.Batch {
	available := nginx.AvailablePath(site.Name)
	enabled := nginx.EnabledPath(site.Name)
	def := nginx.EnabledPath(nginx.DefaultSiteName)
	bk := backupDir(site.Name)

	return remote.NewBatch("proxy-stage",
		remote.Sh("sudo -n rm -rf %s && sudo -n mkdir -p %s", remote.Quote(bk), remote.Quote(bk)),
		remote.Sh("if %s; then sudo -n cp -a %s %s; fi", exists(available), remote.Quote(available), remote.Quote(bk+"/available")),
		remote.Sh("if %s; then sudo -n cp -a %s %s; fi", exists(enabled), remote.Quote(enabled), remote.Quote(bk+"/enabled")),
		remote.Sh("if %s; then sudo -n cp -a %s %s; fi", exists(def), remote.Quote(def), remote.Quote(bk+"/default")),
		remote.WriteFile(available, nginx.RenderSite(site)),
		remote.Sudo("ln", "-sfn", available, enabled),
		remote.Sudo("rm", "-f", def),
	)
}

// TestBatch runs the nginx syntax check.
func TestBatch() remote.Batch {
	return remote.NewBatch("proxy-test", remote.Sudo("nginx", "-t"))
}

// RestoreBatch puts back whatever StageBatch backed up. Every step is
// tolerated so as much as possible is restored.
func RestoreBatch(name string) remote.Batch {
	available := nginx.AvailablePath(name)
	enabled := nginx.EnabledPath(name)
	def := nginx.EnabledPath(nginx.DefaultSiteName)
	bk := backupDir(name)

	restoreOrRemove := func(target, saved string) remote.Statement {
		return remote.Sh("sudo -n rm -f %s; if %s; then sudo -n cp -a %s %s; fi",
			remote.Quote(target), exists(saved), remote.Quote(saved), remote.Quote(target)).Tolerate()
	}
	return remote.NewBatch("proxy-restore",
		restoreOrRemove(available, bk+"/available"),
		restoreOrRemove(enabled, bk+"/enabled"),
		remote.Sh("if %s; then sudo -n cp -a %s %s; fi", exists(bk+"/default"), remote.Quote(bk+"/default"), remote.Quote(def)).Tolerate(),
		remote.Sudo("rm", "-rf", bk).Tolerate(),
	)
}

// ApplyBatch reloads nginx and drops the backup.
func ApplyBatch(name string) remote.Batch {
	return remote.NewBatch("proxy-apply",
		remote.Sudo("systemctl", "reload", "nginx"),
		remote.Sudo("rm", "-rf", backupDir(name)).Tolerate(),
	)
}
