package apply

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hopkinslab/appsyncd/internal/plan"
)

// ErrApply indicates a manifest execution failure.
var ErrApply = errors.New("apply failed")

// ApplyError reports a mid-sequence Immediate failure. Entries before Index
// were already applied and are not rolled back; the installation may be
// inconsistent and the user must re-run the update.
type ApplyError struct {
	Index  int    // zero-based manifest index that failed
	Target string // target path of the failing entry
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failed at entry %d (%s), %d entries already applied: %v", e.Index, e.Target, e.Index, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

func (e *ApplyError) Is(target error) bool { return target == ErrApply }

// Immediate replaces managed files in-process, in strict manifest order.
// It is only safe when none of the targets belong to the running program.
type Immediate struct {
	logger *slog.Logger
}

// NewImmediate creates a new in-process applier
func NewImmediate(logger *slog.Logger) *Immediate {
	return &Immediate{logger: logger}
}

// Apply executes the manifest: for each entry, remove the target if it
// exists, then move the staged source into its place.
func (a *Immediate) Apply(manifest plan.Manifest) error {
	for i, entry := range manifest {
		a.logger.Info("replacing file", "target", entry.Target)
		if err := replaceFile(entry.Target, entry.Source); err != nil {
			return &ApplyError{Index: i, Target: entry.Target, Err: err}
		}
	}
	return nil
}

// replaceFile removes target if present, then moves source into its place.
func replaceFile(target, source string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return moveFile(source, target)
}

// moveFile renames source to target, falling back to copy-then-remove when
// the two live on different filesystems.
func moveFile(source, target string) error {
	if err := os.Rename(source, target); err == nil {
		return nil
	}

	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	return os.Remove(source)
}
