package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/felixgeelhaar/statekit"
	"github.com/google/uuid"

	"github.com/hopkinslab/appsyncd/internal/apply"
	"github.com/hopkinslab/appsyncd/internal/config"
	"github.com/hopkinslab/appsyncd/internal/git"
	"github.com/hopkinslab/appsyncd/internal/plan"
	"github.com/hopkinslab/appsyncd/internal/version"
	"github.com/hopkinslab/appsyncd/internal/workspace"
)

// ErrBusy indicates an update cycle is already in progress; the orchestrator
// must not be re-entered while checking or applying.
var ErrBusy = errors.New("update cycle already in progress")

// States of one update cycle.
const (
	stateIdle            = "idle"
	stateChecking        = "checking"
	stateUpToDate        = "up_to_date"
	stateCheckFailed     = "check_failed"
	stateUpdateAvailable = "update_available"
	stateDeclined        = "declined"
	stateApplying        = "applying"
	stateApplied         = "applied"
	stateApplyFailed     = "apply_failed"
)

// Events driving the cycle state machine.
const (
	eventCheck      = "CHECK"
	eventMatch      = "MATCH"
	eventDiffer     = "DIFFER"
	eventCheckError = "CHECK_ERROR"
	eventAccept     = "ACCEPT"
	eventDecline    = "DECLINE"
	eventApplied    = "APPLIED"
	eventApplyError = "APPLY_ERROR"
)

// Status is the outcome of a version check exposed to the host.
type Status string

const (
	StatusUpToDate        Status = "up-to-date"
	StatusUpdateAvailable Status = "update-available"
	StatusCheckFailed     Status = "check-failed"
)

// CheckResult reports the outcome of one check-for-update call.
type CheckResult struct {
	Status Status
	Local  version.Identifier
	Remote version.Identifier
	Err    error // set when Status is StatusCheckFailed
}

// Confirm asks the host a yes/no question. Supplied by the caller; the
// orchestrator never prompts the user directly.
type Confirm func(prompt string) bool

// Output delivers user-facing progress text to the host.
type Output func(text string)

// machineContext is the (empty) context type of the cycle state machine;
// the orchestrator keeps its per-cycle data on itself.
type machineContext struct{}

// Orchestrator drives one update cycle: compare the remote identifier with
// the persisted local one, and on user approval stage, plan, and apply the
// replacement. It is not safe for concurrent use; the state machine rejects
// re-entry mid-cycle.
type Orchestrator struct {
	cfg       *config.Config
	git       git.Client
	store     *version.Store
	stager    *workspace.Stager
	cleaner   *workspace.Cleaner
	immediate *apply.Immediate
	deferred  *apply.Deferred
	confirm   Confirm
	output    Output
	logger    *slog.Logger

	interp  *statekit.Interpreter[machineContext]
	cycleID string
	log     *slog.Logger
	remote  version.Identifier
}

// New creates an update orchestrator. confirm and output are the host's
// injected callbacks; both are required.
func New(
	cfg *config.Config,
	gitClient git.Client,
	store *version.Store,
	stager *workspace.Stager,
	cleaner *workspace.Cleaner,
	immediate *apply.Immediate,
	deferred *apply.Deferred,
	confirm Confirm,
	output Output,
	logger *slog.Logger,
) (*Orchestrator, error) {
	if confirm == nil || output == nil {
		return nil, fmt.Errorf("confirm and output callbacks are required")
	}

	interp, err := buildCycleMachine()
	if err != nil {
		return nil, fmt.Errorf("failed to build update state machine: %w", err)
	}

	return &Orchestrator{
		cfg:       cfg,
		git:       gitClient,
		store:     store,
		stager:    stager,
		cleaner:   cleaner,
		immediate: immediate,
		deferred:  deferred,
		confirm:   confirm,
		output:    output,
		logger:    logger,
		interp:    interp,
		log:       logger,
	}, nil
}

// buildCycleMachine constructs the update-cycle state machine. Terminal
// cycle states accept CHECK so a fresh cycle can start from them; checking,
// update_available and applying do not, which enforces the no-re-entry rule.
func buildCycleMachine() (*statekit.Interpreter[machineContext], error) {
	machine, err := statekit.NewMachine[machineContext]("update-cycle").
		WithInitial(stateIdle).
		WithContext(machineContext{}).
		State(stateIdle).
		On(eventCheck).Target(stateChecking).Done().
		State(stateChecking).
		On(eventMatch).Target(stateUpToDate).
		On(eventDiffer).Target(stateUpdateAvailable).
		On(eventCheckError).Target(stateCheckFailed).Done().
		State(stateUpToDate).
		On(eventCheck).Target(stateChecking).Done().
		State(stateCheckFailed).
		On(eventCheck).Target(stateChecking).Done().
		State(stateUpdateAvailable).
		On(eventAccept).Target(stateApplying).
		On(eventDecline).Target(stateDeclined).Done().
		State(stateDeclined).
		On(eventCheck).Target(stateChecking).Done().
		State(stateApplying).
		On(eventApplied).Target(stateApplied).
		On(eventApplyError).Target(stateApplyFailed).Done().
		State(stateApplied).
		On(eventCheck).Target(stateChecking).Done().
		State(stateApplyFailed).
		On(eventCheck).Target(stateChecking).Done().
		Build()
	if err != nil {
		return nil, err
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return interp, nil
}

func (o *Orchestrator) state() string {
	return string(o.interp.State().Value)
}

func (o *Orchestrator) send(event string) {
	o.interp.Send(statekit.Event{Type: statekit.EventType(event)})
}

// begin starts a new cycle if no cycle is mid-flight.
func (o *Orchestrator) begin() error {
	switch o.state() {
	case stateIdle, stateUpToDate, stateCheckFailed, stateDeclined, stateApplied, stateApplyFailed:
	default:
		return fmt.Errorf("%w (state %s)", ErrBusy, o.state())
	}

	o.cycleID = uuid.New().String()[:8]
	o.log = o.logger.With("cycle", o.cycleID)
	o.remote = ""
	o.send(eventCheck)
	return nil
}

// Check compares the remote identifier on the configured ref against the
// persisted local one. Failures are reported in the result, not as an
// error; the returned error is non-nil only for re-entry mid-cycle.
func (o *Orchestrator) Check(ctx context.Context) (CheckResult, error) {
	if err := o.begin(); err != nil {
		return CheckResult{}, err
	}

	o.log.Info("checking for update", "repo", o.cfg.Repo.URL, "ref", o.cfg.Repo.Ref)

	local, err := o.store.Read()
	if err != nil {
		return o.checkFailed(err), nil
	}

	rctx, cancel := context.WithTimeout(ctx, o.cfg.Update.CheckTimeout.Std())
	defer cancel()

	raw, err := o.git.LsRemote(rctx, o.cfg.Repo.URL, o.cfg.Repo.Ref)
	if err != nil {
		return o.checkFailed(err), nil
	}

	remote, err := version.Parse(raw)
	if err != nil {
		return o.checkFailed(fmt.Errorf("%w: %v", git.ErrInvalidResponse, err)), nil
	}

	if remote == local {
		o.send(eventMatch)
		o.log.Info("local version is current", "version", local)
		// Courtesy cleanup of any workspace a prior cycle left behind.
		if err := o.cleaner.Remove(o.cfg.WorkspaceDir()); err != nil {
			o.log.Warn("failed to clean leftover workspace", "error", err)
		}
		return CheckResult{Status: StatusUpToDate, Local: local, Remote: remote}, nil
	}

	o.remote = remote
	o.send(eventDiffer)
	o.log.Info("update available", "local", local, "remote", remote)
	return CheckResult{Status: StatusUpdateAvailable, Local: local, Remote: remote}, nil
}

func (o *Orchestrator) checkFailed(err error) CheckResult {
	o.send(eventCheckError)
	o.log.Error("update check failed", "error", err)
	return CheckResult{Status: StatusCheckFailed, Err: err}
}

// Decide asks the host whether to apply the available update. Declining is
// terminal for the cycle and leaves all local state untouched.
func (o *Orchestrator) Decide() bool {
	if o.state() != stateUpdateAvailable {
		return false
	}

	if o.confirm("An update to the analysis GUI is available. Would you like to update now?") {
		return true
	}

	o.send(eventDecline)
	o.log.Info("user declined the update")
	o.output("Continuing with the currently installed version.")
	return false
}

// Apply stages the remote snapshot, plans the replacement, and executes it
// with the configured strategy. With the deferred strategy Apply does not
// return on success: the process terminates so the detached script can move
// files the running program holds open. Staging and planning errors surface
// before any destructive step; no local files are modified.
func (o *Orchestrator) Apply(ctx context.Context) error {
	if o.state() != stateUpdateAvailable {
		return fmt.Errorf("no update available to apply (state %s)", o.state())
	}
	o.send(eventAccept)

	workspaceDir := o.cfg.WorkspaceDir()
	if err := o.stager.Stage(ctx, o.cfg.Repo.URL, o.cfg.Repo.Ref, workspaceDir); err != nil {
		o.send(eventApplyError)
		return err
	}

	manifest, err := plan.Build(o.cfg.Paths.RootDir, workspaceDir, o.cfg.ManagedFiles())
	if err != nil {
		o.send(eventApplyError)
		return err
	}
	o.log.Info("update manifest planned", "entries", len(manifest))

	switch o.strategy() {
	case config.StrategyDeferred:
		o.output("The update has been scheduled. The application will now close; please restart it.")
		if err := o.deferred.Apply(manifest, workspaceDir, o.cycleID, o.remote); err != nil {
			o.send(eventApplyError)
			return err
		}
		// Not reached outside tests: the deferred applier terminates the
		// process on success.
	default:
		if err := o.immediate.Apply(manifest); err != nil {
			o.send(eventApplyError)
			o.output("The update did not complete; the installation may be inconsistent. Please re-run the update.")
			return err
		}
		if err := o.store.Write(o.remote); err != nil {
			o.send(eventApplyError)
			return err
		}
		o.output("The application files have been updated. Please restart the application.")
	}

	o.send(eventApplied)
	o.log.Info("update applied", "version", o.remote)
	return nil
}

// Run drives a full cycle: check, recover from network failures with an
// explicit confirmation, and on an available update ask and apply.
func (o *Orchestrator) Run(ctx context.Context) error {
	result, err := o.Check(ctx)
	if err != nil {
		return err
	}

	switch result.Status {
	case StatusUpToDate:
		o.output("The installed version is up to date.")
		return nil

	case StatusCheckFailed:
		if errors.Is(result.Err, git.ErrNetwork) || errors.Is(result.Err, git.ErrInvalidResponse) {
			// Proceeding silently is never acceptable: the user would be
			// running a possibly-outdated build without knowing it.
			if o.confirm("Unable to reach the update server, likely due to lack of an internet connection. Proceed using the current version?") {
				o.log.Warn("proceeding without update check", "error", result.Err)
				return nil
			}
			return fmt.Errorf("update check failed and startup was aborted: %w", result.Err)
		}
		// Missing or corrupt local state is fatal and never auto-repaired.
		o.output("The local version record is missing or corrupt. Please re-download the application from the repository.")
		return result.Err

	case StatusUpdateAvailable:
		if !o.Decide() {
			return nil
		}
		if err := o.Apply(ctx); err != nil {
			// Staging reaches the network again after the check; a failure
			// there gets the same one-shot choice as a failed check.
			if errors.Is(err, git.ErrNetwork) {
				if o.confirm("Unable to download the update, likely due to lack of an internet connection. Proceed using the current version?") {
					o.log.Warn("proceeding without update", "error", err)
					return nil
				}
				return fmt.Errorf("update download failed and startup was aborted: %w", err)
			}
			return err
		}
		return nil
	}

	return nil
}

// Clean opportunistically removes the configured workspace directory.
func (o *Orchestrator) Clean() error {
	return o.cleaner.Remove(o.cfg.WorkspaceDir())
}

// strategy resolves the configured apply strategy; auto defers on Windows,
// where the running program's own files cannot be replaced in-process.
func (o *Orchestrator) strategy() config.Strategy {
	if o.cfg.Update.Strategy != config.StrategyAuto {
		return o.cfg.Update.Strategy
	}
	if runtime.GOOS == "windows" {
		return config.StrategyDeferred
	}
	return config.StrategyImmediate
}
