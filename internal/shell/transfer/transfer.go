// Package transfer ships a working copy to the remote deployment
// directory, sending only the files and links that differ from what the
// host already has.
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

	"github.com/docker/docker/pkg/archive"

	"github.com/artpar/stagehand/internal/core/domain"
	"github.com/artpar/stagehand/internal/core/remote"
	coretransfer "github.com/artpar/stagehand/internal/core/transfer"
)

// ErrTransfer is returned when synchronization fails. Files already
// written on the host are left in place.
var ErrTransfer = errors.New("artifact transfer failed")

// Stats summarizes one synchronization.
type Stats struct {
	Files    int      // Files and links considered after exclusion
	Changed  []string // Files sent, sorted
	Excluded int
}

// Transferrer synchronizes working copies through a remote transport.
type Transferrer struct {
	excluder *coretransfer.Excluder
	logger   *slog.Logger
}

// New creates a transferrer. A nil excluder uses the default exclusion set.
func New(excluder *coretransfer.Excluder, logger *slog.Logger) (*Transferrer, error) {
	if excluder == nil {
		var err error
		excluder, err = coretransfer.NewExcluder(nil)
		if err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transferrer{excluder: excluder, logger: logger.With("component", "transfer")}, nil
}

// Transfer makes remoteDir hold the current content of the working copy.
func (t *Transferrer) Transfer(ctx context.Context, tr remote.Transport, wc domain.WorkingCopy, remoteDir string) (Stats, error) {
	local, excluded, err := t.localManifest(wc.Dir)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	stats := Stats{Files: len(local), Excluded: excluded}

	res, err := tr.Run(ctx, ManifestBatch(remoteDir))
	if err != nil {
		return stats, wrap(err)
	}
	remoteManifest := coretransfer.ParseManifest(res.Stdout)

	stats.Changed = coretransfer.Diff(local, remoteManifest)
	if len(stats.Changed) == 0 {
		t.logger.Info("remote directory up to date", "dir", remoteDir, "files", stats.Files)
		return stats, nil
	}

	t.logger.Info("sending changed files", "dir", remoteDir, "changed", len(stats.Changed), "files", stats.Files, "excluded", stats.Excluded)
	rc, err := archive.TarWithOptions(wc.Dir, &archive.TarOptions{
		IncludeFiles:    stats.Changed,
		ExcludePatterns: t.excluder.Patterns(),
	})
	if err != nil {
		return stats, fmt.Errorf("%w: archive: %w", ErrTransfer, err)
	}
	defer rc.Close()

	if err := tr.Upload(ctx, remoteDir, rc); err != nil {
		return stats, wrap(err)
	}
	return stats, nil
}

// ManifestBatch creates remoteDir and lists every file in it with its digest
// and mode, and every symbolic link with its target.
func ManifestBatch(remoteDir string) remote.Batch {
	return remote.NewBatch("manifest",
		remote.Cmd("mkdir", "-p", remoteDir),
		remote.Cmd("cd", remoteDir),
		remote.Sh("find . -type f -print0 | xargs -0 -r sha256sum"),
		remote.Sh(`find . -type f -printf 'mode %m %P\n'`),
		remote.Sh(`find . -type l -printf 'link %P\t%l\n'`),
	)
}

// localManifest keys every shipped file and symbolic link under root and
// counts the excluded entries. Links are recorded, never followed.
func (t *Transferrer) localManifest(root string) (coretransfer.Manifest, int, error) {
	m := coretransfer.Manifest{}
	excluded := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if t.excluder.Excluded(rel) {
			excluded++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			m[filepath.ToSlash(rel)] = coretransfer.LinkKey(target)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			digest, err := fileDigest(path)
			if err != nil {
				return err
			}
			m[filepath.ToSlash(rel)] = coretransfer.FileKey(digest, info.Mode())
		}
		return nil
	})
	return m, excluded, err
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func wrap(err error) error {
	if remote.IsConnectionError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransfer, err)
}
