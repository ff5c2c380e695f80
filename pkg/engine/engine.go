// Package engine runs installed skill actions and records every run as
// an execution log entry with before/after state. Execution for a given
// installation is serialized by a per-installation lock so a snapshot
// always reflects the state immediately prior to its own action, never
// a racing one. The log is append-only; the reverted flag is the single
// mutable bit.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/orbitdesk/skillhub/pkg/logger"
	"github.com/orbitdesk/skillhub/pkg/permissions"
	"github.com/orbitdesk/skillhub/pkg/telemetry"
	"github.com/orbitdesk/skillhub/pkg/types/platform"
)

// Store is the persistence contract the engine depends on.
type Store interface {
	GetInstallation(ctx context.Context, operatorID, id string) (*platform.Installation, error)
	// UpdateInstallationState persists config, environment, and last_run
	// only. The engine never writes status through this path, so a
	// lifecycle transition committed mid-action survives the run.
	UpdateInstallationState(ctx context.Context, inst *platform.Installation) error
	// TransitionStatus writes the new status only while the current one
	// still matches from; a lost race is a silent no-op.
	TransitionStatus(ctx context.Context, operatorID, id string, from, to platform.InstallationStatus) error
	GetSkill(ctx context.Context, id string) (*platform.Skill, error)
	AppendLogEntry(ctx context.Context, entry *platform.ExecutionLogEntry) error
	GetLogEntry(ctx context.Context, installationID, id string) (*platform.ExecutionLogEntry, error)
	// MarkReverted flips the reverted flag. It must fail unless the flag
	// transitions false to true.
	MarkReverted(ctx context.Context, id string) error
	ListLogEntries(ctx context.Context, installationID string, limit int) ([]platform.ExecutionLogEntry, error)
}

// Env is the state an action works against: a copy of the installation
// taken at the start of the call (so a concurrent configure cannot
// corrupt an in-flight run) plus the action parameters.
type Env struct {
	Installation platform.Installation
	Params       map[string]any
	// Target is set during revert to the original entry's target, since
	// the original parameters are not persisted in the log.
	Target string
}

// Handler implements one action kind. Reversibility is declared by the
// handler, never inferred by diffing.
type Handler interface {
	Name() string
	Reversible() bool
	// Permissions returns the permission strings this action needs.
	Permissions(env *Env) []string
	// Target describes what the action affects, for the audit log.
	Target(env *Env) string
	// Snapshot captures the current state of the declared target only,
	// not the whole installation.
	Snapshot(env *Env) (map[string]any, error)
	// Apply runs the action, mutating env.Installation for managed state
	// or performing the external effect. It must honor ctx.
	Apply(ctx context.Context, env *Env) error
	// Restore replays a previously captured snapshot onto the target.
	// Only called when Reversible is true.
	Restore(env *Env, state map[string]any) error
}

// Input selects and parameterizes an action. An empty Action falls back
// to the action declared in the skill's action.json stub.
type Input struct {
	Action string         `json:"action,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Result reports one execution.
type Result struct {
	Entry *platform.ExecutionLogEntry `json:"entry"`
}

// Engine executes and reverts installed skill actions.
type Engine struct {
	store    Store
	handlers *HandlerRegistry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an engine.
func New(store Store, handlers *HandlerRegistry) *Engine {
	return &Engine{
		store:    store,
		handlers: handlers,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing execution for an installation.
func (e *Engine) lockFor(installationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[installationID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[installationID] = l
	}
	return l
}

// Execute runs an action against an installed installation. The status
// is validated under the installation lock, so an uninstall that lands
// first is always observed; an execution that started before the
// uninstall committed completes and logs without undoing the
// transition. Failures, including caller
// timeouts, are logged with a null after state and surfaced.
func (e *Engine) Execute(ctx context.Context, operatorID, installationID string, input Input) (*Result, error) {
	lock := e.lockFor(installationID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.store.GetInstallation(ctx, operatorID, installationID)
	if err != nil {
		return nil, err
	}
	if inst.Status != platform.StatusInstalled {
		return nil, errors.Wrapf(platform.ErrNotRunnable, "installation status is %s", inst.Status)
	}

	skill, err := e.store.GetSkill(ctx, inst.SkillID)
	if err != nil {
		return nil, err
	}

	actionName, params := resolveAction(skill, input)
	handler, ok := e.handlers.Get(actionName)
	if !ok {
		return nil, platform.ValidationErrors{{Field: "action", Message: "unknown action: " + actionName}}
	}

	env := &Env{Installation: snapshotInstallation(inst), Params: params}

	if err := permissions.AuthorizeAll(inst.PermissionsGranted, handler.Permissions(env)); err != nil {
		return nil, err
	}

	before, err := handler.Snapshot(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to capture before state")
	}

	entry := &platform.ExecutionLogEntry{
		ID:             uuid.NewString(),
		InstallationID: inst.ID,
		Action:         actionName,
		Target:         handler.Target(env),
		BeforeState:    before,
		Reversible:     handler.Reversible(),
		CreatedAt:      time.Now(),
	}

	runErr := telemetry.WithSpan(ctx, "engine.execute", func(ctx context.Context) error {
		return runAction(ctx, handler, env)
	}, attribute.String("action", actionName), attribute.String("installation", inst.ID))

	// The entry must be written even when ctx has already expired.
	logCtx := context.WithoutCancel(ctx)

	if runErr != nil {
		entry.Succeeded = false
		entry.Error = runErr.Error()
		if appendErr := e.store.AppendLogEntry(logCtx, entry); appendErr != nil {
			logger.G(ctx).WithError(appendErr).Error("failed to record failed execution")
		}

		execErr := &platform.ExecutionError{Action: actionName, Err: runErr}
		var declared *platform.ExecutionError
		if errors.As(runErr, &declared) {
			execErr = declared
		}
		if execErr.Fatal {
			// Guarded so an uninstall committed mid-action keeps its
			// terminal status.
			if updErr := e.store.TransitionStatus(logCtx, operatorID, inst.ID,
				platform.StatusInstalled, platform.StatusError); updErr != nil {
				logger.G(ctx).WithError(updErr).Error("failed to mark installation errored")
			}
		}
		return &Result{Entry: entry}, execErr
	}

	after, err := handler.Snapshot(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to capture after state")
	}
	entry.AfterState = after
	entry.Succeeded = true

	// Persist managed-state mutations and the run timestamp together.
	// Status is never written here: a pause or uninstall committed while
	// the action ran must stand.
	now := entry.CreatedAt
	inst.Config = env.Installation.Config
	inst.Environment = env.Installation.Environment
	inst.LastRun = &now
	if err := e.store.UpdateInstallationState(logCtx, inst); err != nil {
		return nil, errors.Wrap(err, "failed to persist installation state")
	}
	if err := e.store.AppendLogEntry(logCtx, entry); err != nil {
		return nil, errors.Wrap(err, "failed to record execution")
	}

	logger.G(ctx).WithFields(map[string]any{
		"installation": inst.ID,
		"action":       actionName,
		"target":       entry.Target,
	}).Info("action executed")
	return &Result{Entry: entry}, nil
}

// Revert replays the before state of a reversible, not yet reverted log
// entry and writes a new entry describing the revert itself. The
// original entry's reverted flag flips before anything else, acting as
// the claim on the entry. last_run is deliberately not touched.
func (e *Engine) Revert(ctx context.Context, operatorID, installationID, logID string) (*Result, error) {
	lock := e.lockFor(installationID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.store.GetInstallation(ctx, operatorID, installationID)
	if err != nil {
		return nil, err
	}
	if inst.Status == platform.StatusUninstalled {
		return nil, errors.Wrap(platform.ErrNotRunnable, "installation is uninstalled")
	}

	entry, err := e.store.GetLogEntry(ctx, installationID, logID)
	if err != nil {
		return nil, err
	}
	if !entry.Reversible {
		return nil, errors.Wrap(platform.ErrNotReversible, "entry was not declared reversible")
	}
	if entry.Reverted {
		return nil, errors.Wrap(platform.ErrNotReversible, "entry has already been reverted")
	}

	handler, ok := e.handlers.Get(entry.Action)
	if !ok {
		return nil, errors.Wrapf(platform.ErrNotReversible, "no handler registered for action %s", entry.Action)
	}

	// Flip the flag first: it is the claim on the entry, so a retry after
	// a partial failure below can never replay the restore and log a
	// second revert entry.
	if err := e.store.MarkReverted(ctx, entry.ID); err != nil {
		return nil, errors.Wrap(err, "failed to mark entry reverted")
	}

	env := &Env{Installation: snapshotInstallation(inst), Target: entry.Target}

	before, err := handler.Snapshot(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to capture before state")
	}
	if err := handler.Restore(env, entry.BeforeState); err != nil {
		return nil, errors.Wrap(err, "failed to restore state")
	}
	after, err := handler.Snapshot(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to capture after state")
	}

	inst.Config = env.Installation.Config
	inst.Environment = env.Installation.Environment
	if err := e.store.UpdateInstallationState(ctx, inst); err != nil {
		return nil, errors.Wrap(err, "failed to persist installation state")
	}

	revertEntry := &platform.ExecutionLogEntry{
		ID:             uuid.NewString(),
		InstallationID: inst.ID,
		Action:         "revert:" + entry.Action,
		Target:         entry.Target,
		BeforeState:    before,
		AfterState:     after,
		Reversible:     false,
		Succeeded:      true,
		CreatedAt:      time.Now(),
	}
	if err := e.store.AppendLogEntry(ctx, revertEntry); err != nil {
		return nil, errors.Wrap(err, "failed to record revert")
	}

	logger.G(ctx).WithFields(map[string]any{
		"installation": inst.ID,
		"entry":        entry.ID,
	}).Info("execution reverted")
	return &Result{Entry: revertEntry}, nil
}

// Logs returns the installation's execution history, newest first.
func (e *Engine) Logs(ctx context.Context, operatorID, installationID string, limit int) ([]platform.ExecutionLogEntry, error) {
	// Ownership check; the log table itself has no operator column.
	if _, err := e.store.GetInstallation(ctx, operatorID, installationID); err != nil {
		return nil, err
	}
	return e.store.ListLogEntries(ctx, installationID, limit)
}

// runAction runs the handler body and returns early when ctx expires,
// so a hung action still produces a failure entry rather than a
// dangling record.
func runAction(ctx context.Context, handler Handler, env *Env) error {
	done := make(chan error, 1)
	go func() {
		done <- handler.Apply(ctx, env)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "action cancelled")
	}
}

// resolveAction merges the skill's declared default action (the
// action.json stub generated by templates) with the request input. The
// request wins where both specify a value.
func resolveAction(skill *platform.Skill, input Input) (string, map[string]any) {
	name := input.Action
	params := map[string]any{}

	if raw, ok := skill.Files["action.json"]; ok {
		var declared map[string]any
		if err := json.Unmarshal([]byte(raw), &declared); err == nil {
			for k, v := range declared {
				if k == "action" {
					if name == "" {
						name, _ = v.(string)
					}
					continue
				}
				params[k] = v
			}
		}
	}
	for k, v := range input.Params {
		params[k] = v
	}
	return name, params
}

// snapshotInstallation deep-copies the mutable maps so an in-flight run
// works against a stable view.
func snapshotInstallation(inst *platform.Installation) platform.Installation {
	copied := *inst
	copied.Config = make(map[string]any, len(inst.Config))
	for k, v := range inst.Config {
		copied.Config[k] = v
	}
	copied.Environment = make(map[string]string, len(inst.Environment))
	for k, v := range inst.Environment {
		copied.Environment[k] = v
	}
	return copied
}
