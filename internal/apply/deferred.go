package apply

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hopkinslab/appsyncd/internal/plan"
	"github.com/hopkinslab/appsyncd/internal/version"
)

// Deferred performs file replacement after the requesting process has
// terminated, via a generated script run by a detached helper process. Used
// when manifest targets include files the running program holds open.
//
// The sequence is: generate the script, launch it detached, wait the grace
// interval, persist the new identifier, terminate the current process. The
// script's leading delay strictly exceeds the host's grace sleep, covering
// the identifier write and exit that follow it, so by the time the script
// mutates anything the host has exited and released its file locks.
// Failures inside the detached script are unobservable from the host; the
// script and its workspace are reaped by cleanup on a later startup.
type Deferred struct {
	store  *version.Store
	grace  time.Duration
	logger *slog.Logger

	// test seams; production values set by NewDeferred
	launch    func(scriptPath string) error
	sleep     func(time.Duration)
	terminate func(code int)
}

// NewDeferred creates a deferred applier that persists through store and
// exits the process once the handoff is scheduled.
func NewDeferred(store *version.Store, grace time.Duration, logger *slog.Logger) *Deferred {
	return &Deferred{
		store:     store,
		grace:     grace,
		logger:    logger,
		launch:    launchDetached,
		sleep:     time.Sleep,
		terminate: os.Exit,
	}
}

// Apply schedules the manifest for execution by a detached process and does
// not return on success: the current process terminates so its file locks
// are released before the script's first move. Errors before the handoff
// (script generation, spawn failure, persist failure) are reported
// synchronously and nothing has been scheduled.
func (d *Deferred) Apply(manifest plan.Manifest, workspaceDir, cycleID string, newID version.Identifier) error {
	scriptPath := filepath.Join(workspaceDir, scriptFileName(cycleID))
	if err := writeScript(scriptPath, manifest, d.grace); err != nil {
		return fmt.Errorf("%w: failed to write apply script: %v", ErrApply, err)
	}

	if err := d.launch(scriptPath); err != nil {
		return fmt.Errorf("%w: failed to launch apply script: %v", ErrApply, err)
	}
	d.logger.Info("apply script launched", "script", scriptPath, "entries", len(manifest))

	// Grace interval before the handoff: cloud-sync back-ends may lag
	// behind local filesystem writes.
	d.sleep(d.grace)

	if err := d.store.Write(newID); err != nil {
		return fmt.Errorf("%w: failed to persist version: %v", ErrApply, err)
	}

	d.logger.Info("update scheduled, exiting to release file locks", "version", newID)
	d.terminate(0)
	return nil
}

// writeScript renders the platform apply script and flushes it to stable
// storage; cloud-sync mounts must observe the complete script before the
// detached process reads it.
func writeScript(path string, manifest plan.Manifest, grace time.Duration) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}

	if _, err := f.WriteString(renderScript(manifest, grace)); err != nil {
		_ = f.Close()
		return err
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

// graceSeconds converts the grace interval to whole seconds, rounding up.
func graceSeconds(grace time.Duration) int {
	if grace <= 0 {
		return 0
	}
	secs := int((grace + time.Second - 1) / time.Second)
	return secs
}

// scriptDelaySeconds is the whole-second delay the generated script waits
// before its first move. One second on top of the host's grace sleep covers
// the host's residual work after waking, the fsync'ed identifier write and
// the exit itself, so the script never mutates a file the host still holds.
func scriptDelaySeconds(grace time.Duration) int {
	return graceSeconds(grace) + 1
}
