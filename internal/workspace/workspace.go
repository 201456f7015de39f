package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hopkinslab/appsyncd/internal/git"
)

// ErrStaging indicates a local filesystem failure while materializing the
// remote snapshot (out of space, destination not writable).
var ErrStaging = errors.New("staging failed")

// Cleaner removes workspace directories, tolerating read-only and locked
// entries left behind by cloud-sync clients.
type Cleaner struct {
	logger *slog.Logger
}

// NewCleaner creates a new workspace cleaner
func NewCleaner(logger *slog.Logger) *Cleaner {
	return &Cleaner{logger: logger}
}

// Remove recursively deletes path. Entries that fail with a permission error
// get their read-only bits cleared and deletion is retried once. If a
// permission error remains after the retry, a warning is logged and nil is
// returned: a stale workspace is cosmetic and must never block startup.
// Any other filesystem error is propagated. Removing an absent path succeeds.
func (c *Cleaner) Remove(path string) error {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat workspace %s: %w", path, err)
	}

	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("failed to remove workspace %s: %w", path, err)
	}

	c.logger.Debug("workspace has read-only entries, clearing attributes and retrying", "path", path)
	clearReadOnly(path)

	err = os.RemoveAll(path)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) {
		c.logger.Warn("could not fully remove workspace, leaving it behind (delete it manually)",
			"path", path,
			"error", err)
		return nil
	}
	return fmt.Errorf("failed to remove workspace %s: %w", path, err)
}

// clearReadOnly walks the tree making every entry writable so removal can
// proceed. Walk errors are ignored: an entry that cannot be visited will
// fail again on the retry, where the permission-tolerance rule applies.
func clearReadOnly(path string) {
	_ = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			_ = os.Chmod(p, info.Mode().Perm()|0o700)
		} else {
			_ = os.Chmod(p, info.Mode().Perm()|0o600)
		}
		return nil
	})
}

// Stager materializes a full snapshot of the remote source tree into the
// scratch workspace directory. The workspace is owned exclusively by the
// Stager/Cleaner pair for the duration of one update cycle.
type Stager struct {
	git     git.Client
	cleaner *Cleaner
	logger  *slog.Logger
}

// NewStager creates a new workspace stager
func NewStager(gitClient git.Client, cleaner *Cleaner, logger *slog.Logger) *Stager {
	return &Stager{
		git:     gitClient,
		cleaner: cleaner,
		logger:  logger,
	}
}

// Stage wipes any debris from an interrupted prior cycle, then snapshots
// repository url at ref into path. Network failures surface as
// git.ErrNetwork; local filesystem failures as ErrStaging.
func (s *Stager) Stage(ctx context.Context, url, ref, path string) error {
	// Unconditionally remove leftovers before staging begins.
	if err := s.cleaner.Remove(path); err != nil {
		return fmt.Errorf("%w: %v", ErrStaging, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrStaging, err)
	}

	s.logger.Info("staging remote snapshot", "url", url, "ref", ref, "workspace", path)
	if err := s.git.Snapshot(ctx, url, ref, path); err != nil {
		return err
	}

	return nil
}
