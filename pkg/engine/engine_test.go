package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitdesk/skillhub/pkg/types/platform"
)

type memStore struct {
	mu       sync.Mutex
	installs map[string]*platform.Installation
	skills   map[string]*platform.Skill
	entries  []*platform.ExecutionLogEntry

	// appendErr fails the next AppendLogEntry call, once.
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{
		installs: map[string]*platform.Installation{},
		skills:   map[string]*platform.Skill{},
	}
}

func (m *memStore) GetInstallation(_ context.Context, operatorID, id string) (*platform.Installation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.installs[id]
	if !ok || inst.OperatorID != operatorID {
		return nil, errors.Wrapf(platform.ErrNotFound, "installation %s", id)
	}
	copied := *inst
	return &copied, nil
}

func (m *memStore) UpdateInstallationState(_ context.Context, inst *platform.Installation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.installs[inst.ID]
	if !ok || current.OperatorID != inst.OperatorID {
		return errors.Wrapf(platform.ErrNotFound, "installation %s", inst.ID)
	}
	current.Config = inst.Config
	current.Environment = inst.Environment
	current.LastRun = inst.LastRun
	return nil
}

func (m *memStore) TransitionStatus(_ context.Context, operatorID, id string, from, to platform.InstallationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.installs[id]
	if ok && inst.OperatorID == operatorID && inst.Status == from {
		inst.Status = to
	}
	return nil
}

func (m *memStore) setStatus(id string, status platform.InstallationStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installs[id].Status = status
}

func (m *memStore) status(id string) platform.InstallationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installs[id].Status
}

func (m *memStore) GetSkill(_ context.Context, id string) (*platform.Skill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.skills[id]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, errors.Wrapf(platform.ErrNotFound, "skill %s", id)
}

func (m *memStore) AppendLogEntry(_ context.Context, entry *platform.ExecutionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		err := m.appendErr
		m.appendErr = nil
		return err
	}
	copied := *entry
	m.entries = append(m.entries, &copied)
	return nil
}

func (m *memStore) GetLogEntry(_ context.Context, installationID, id string) (*platform.ExecutionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id && e.InstallationID == installationID {
			copied := *e
			return &copied, nil
		}
	}
	return nil, errors.Wrapf(platform.ErrNotFound, "log entry %s", id)
}

func (m *memStore) MarkReverted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			if !e.Reversible || e.Reverted {
				return errors.Wrapf(platform.ErrNotReversible, "log entry %s", id)
			}
			e.Reverted = true
			return nil
		}
	}
	return errors.Wrapf(platform.ErrNotFound, "log entry %s", id)
}

func (m *memStore) ListLogEntries(_ context.Context, installationID string, limit int) ([]platform.ExecutionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []platform.ExecutionLogEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].InstallationID != installationID {
			continue
		}
		out = append(out, *m.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// counter is a reversible handler that increments a config key.
type counter struct {
	applyErr error
	block    chan struct{}
	started  chan struct{}
}

func (c *counter) Name() string             { return "counter" }
func (c *counter) Reversible() bool         { return true }
func (c *counter) Permissions(*Env) []string { return []string{"database:settings"} }
func (c *counter) Target(*Env) string       { return "config:count" }

func (c *counter) Snapshot(env *Env) (map[string]any, error) {
	return map[string]any{"count": env.Installation.Config["count"]}, nil
}

func (c *counter) Apply(ctx context.Context, env *Env) error {
	if c.started != nil {
		close(c.started)
	}
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.applyErr != nil {
		return c.applyErr
	}
	current, _ := env.Installation.Config["count"].(int)
	env.Installation.Config["count"] = current + 1
	return nil
}

func (c *counter) Restore(env *Env, state map[string]any) error {
	if state["count"] == nil {
		delete(env.Installation.Config, "count")
	} else {
		env.Installation.Config["count"] = state["count"]
	}
	return nil
}

// oneway is an irreversible handler with an external effect.
type oneway struct{}

func (oneway) Name() string              { return "oneway" }
func (oneway) Reversible() bool          { return false }
func (oneway) Permissions(*Env) []string { return []string{"external:call"} }
func (oneway) Target(*Env) string        { return "external:endpoint" }
func (oneway) Snapshot(*Env) (map[string]any, error) { return nil, nil }
func (oneway) Apply(context.Context, *Env) error     { return nil }
func (oneway) Restore(*Env, map[string]any) error {
	return errors.New("cannot restore an external call")
}

func seedEngine(t *testing.T, handlers ...Handler) (*Engine, *memStore, *platform.Installation) {
	t.Helper()

	store := newMemStore()
	store.skills["skill-1"] = &platform.Skill{
		ID:      "skill-1",
		Slug:    "counter-skill",
		Version: "1.0.0",
		Files: map[string]string{
			"action.json": `{"action": "counter"}`,
		},
		Manifest: platform.Manifest{Permissions: []string{"database:settings", "external:call"}},
	}
	store.installs["inst-1"] = &platform.Installation{
		ID:                 "inst-1",
		OperatorID:         "op-1",
		SkillID:            "skill-1",
		Status:             platform.StatusInstalled,
		Config:             map[string]any{},
		Environment:        map[string]string{},
		PermissionsGranted: []string{"database:settings", "external:call"},
		InstalledAt:        time.Now(),
	}

	registry := NewHandlerRegistry()
	for _, h := range handlers {
		registry.Register(h)
	}
	return New(store, registry), store, store.installs["inst-1"]
}

func TestExecuteSuccess(t *testing.T) {
	eng, store, _ := seedEngine(t, &counter{})
	ctx := context.Background()

	result, err := eng.Execute(ctx, "op-1", "inst-1", Input{})
	require.NoError(t, err)

	entry := result.Entry
	assert.Equal(t, "counter", entry.Action)
	assert.Equal(t, "config:count", entry.Target)
	assert.Equal(t, map[string]any{"count": nil}, entry.BeforeState)
	assert.Equal(t, map[string]any{"count": 1}, entry.AfterState)
	assert.True(t, entry.Succeeded)
	assert.True(t, entry.Reversible)

	inst := store.installs["inst-1"]
	assert.Equal(t, 1, inst.Config["count"])
	require.NotNil(t, inst.LastRun)
	require.Len(t, store.entries, 1)
}

func TestExecuteDefaultActionFromSkillFiles(t *testing.T) {
	eng, _, _ := seedEngine(t, &counter{})

	// Empty input action falls back to the skill's action.json.
	result, err := eng.Execute(context.Background(), "op-1", "inst-1", Input{})
	require.NoError(t, err)
	assert.Equal(t, "counter", result.Entry.Action)
}

func TestExecuteUnknownAction(t *testing.T) {
	eng, _, _ := seedEngine(t, &counter{})

	_, err := eng.Execute(context.Background(), "op-1", "inst-1", Input{Action: "nonsense"})
	_, ok := platform.AsValidationErrors(err)
	assert.True(t, ok)
}

func TestExecuteStatusGate(t *testing.T) {
	eng, store, inst := seedEngine(t, &counter{})
	ctx := context.Background()

	for _, status := range []platform.InstallationStatus{
		platform.StatusPaused,
		platform.StatusUninstalled,
		platform.StatusInstalling,
		platform.StatusError,
	} {
		inst.Status = status
		store.installs["inst-1"] = inst

		_, err := eng.Execute(ctx, "op-1", "inst-1", Input{})
		assert.True(t, errors.Is(err, platform.ErrNotRunnable), "status %s", status)
	}
	assert.Empty(t, store.entries)
}

func TestExecutePermissionDenied(t *testing.T) {
	eng, store, inst := seedEngine(t, &counter{})
	inst.PermissionsGranted = []string{"filesystem:read"}
	store.installs["inst-1"] = inst

	_, err := eng.Execute(context.Background(), "op-1", "inst-1", Input{})
	assert.True(t, platform.IsPermissionDenied(err))
	assert.Empty(t, store.entries)
}

func TestExecuteOwnership(t *testing.T) {
	eng, _, _ := seedEngine(t, &counter{})

	_, err := eng.Execute(context.Background(), "op-2", "inst-1", Input{})
	assert.True(t, errors.Is(err, platform.ErrNotFound))
}

func TestExecuteFailureIsLogged(t *testing.T) {
	eng, store, _ := seedEngine(t, &counter{applyErr: errors.New("boom")})

	result, err := eng.Execute(context.Background(), "op-1", "inst-1", Input{})
	require.Error(t, err)
	assert.True(t, platform.IsExecutionError(err))

	// The failed run is logged with a null after state.
	require.NotNil(t, result)
	entry := result.Entry
	assert.False(t, entry.Succeeded)
	assert.Nil(t, entry.AfterState)
	assert.Contains(t, entry.Error, "boom")
	require.Len(t, store.entries, 1)

	// A plain failure does not corrupt the installation status or state.
	inst := store.installs["inst-1"]
	assert.Equal(t, platform.StatusInstalled, inst.Status)
	assert.Nil(t, inst.LastRun)
	assert.NotContains(t, inst.Config, "count")
}

func TestExecuteFatalFailureMarksError(t *testing.T) {
	fatal := &platform.ExecutionError{Action: "counter", Err: errors.New("backend gone"), Fatal: true}
	eng, store, _ := seedEngine(t, &counter{applyErr: fatal})

	_, err := eng.Execute(context.Background(), "op-1", "inst-1", Input{})
	require.Error(t, err)
	assert.Equal(t, platform.StatusError, store.installs["inst-1"].Status)
}

func TestExecuteTimeoutStillLogs(t *testing.T) {
	blocked := &counter{block: make(chan struct{})}
	eng, store, _ := seedEngine(t, blocked)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := eng.Execute(ctx, "op-1", "inst-1", Input{})
	require.Error(t, err)

	// The expired context still produced a failure entry.
	require.NotNil(t, result)
	assert.False(t, result.Entry.Succeeded)
	assert.NotEmpty(t, result.Entry.Error)
	require.Len(t, store.entries, 1)

	close(blocked.block)
}

func TestExecuteSerialized(t *testing.T) {
	eng, store, _ := seedEngine(t, &counter{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Execute(ctx, "op-1", "inst-1", Input{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Serialized execution: every run observed its predecessor's state.
	assert.Equal(t, 10, store.installs["inst-1"].Config["count"])
	require.Len(t, store.entries, 10)
}

func TestUninstallDuringExecuteStaysUninstalled(t *testing.T) {
	blocked := &counter{block: make(chan struct{}), started: make(chan struct{})}
	eng, store, _ := seedEngine(t, blocked)

	done := make(chan error, 1)
	go func() {
		_, err := eng.Execute(context.Background(), "op-1", "inst-1", Input{})
		done <- err
	}()

	// Uninstall commits while the action body is still running.
	<-blocked.started
	store.setStatus("inst-1", platform.StatusUninstalled)
	close(blocked.block)
	require.NoError(t, <-done)

	// The in-flight run completed and logged, but the terminal status
	// stands: the engine's write never touches the status column.
	assert.Equal(t, platform.StatusUninstalled, store.status("inst-1"))
	require.Len(t, store.entries, 1)
	assert.Equal(t, 1, store.installs["inst-1"].Config["count"])
	assert.NotNil(t, store.installs["inst-1"].LastRun)
}

func TestPauseDuringExecuteStaysPaused(t *testing.T) {
	blocked := &counter{block: make(chan struct{}), started: make(chan struct{})}
	eng, store, _ := seedEngine(t, blocked)

	done := make(chan error, 1)
	go func() {
		_, err := eng.Execute(context.Background(), "op-1", "inst-1", Input{})
		done <- err
	}()

	<-blocked.started
	store.setStatus("inst-1", platform.StatusPaused)
	close(blocked.block)
	require.NoError(t, <-done)

	assert.Equal(t, platform.StatusPaused, store.status("inst-1"))
}

func TestFatalFailureLosesRaceToUninstall(t *testing.T) {
	fatal := &platform.ExecutionError{Action: "counter", Err: errors.New("backend gone"), Fatal: true}
	blocked := &counter{applyErr: fatal, block: make(chan struct{}), started: make(chan struct{})}
	eng, store, _ := seedEngine(t, blocked)

	done := make(chan error, 1)
	go func() {
		_, err := eng.Execute(context.Background(), "op-1", "inst-1", Input{})
		done <- err
	}()

	<-blocked.started
	store.setStatus("inst-1", platform.StatusUninstalled)
	close(blocked.block)
	require.Error(t, <-done)

	// The guarded transition to error is a no-op once uninstall won.
	assert.Equal(t, platform.StatusUninstalled, store.status("inst-1"))
}

func TestRevert(t *testing.T) {
	eng, store, _ := seedEngine(t, &counter{})
	ctx := context.Background()

	result, err := eng.Execute(ctx, "op-1", "inst-1", Input{})
	require.NoError(t, err)
	lastRun := store.installs["inst-1"].LastRun

	revert, err := eng.Revert(ctx, "op-1", "inst-1", result.Entry.ID)
	require.NoError(t, err)

	// Exactly one new entry describing the revert, itself irreversible.
	require.Len(t, store.entries, 2)
	assert.Equal(t, "revert:counter", revert.Entry.Action)
	assert.False(t, revert.Entry.Reversible)
	assert.True(t, revert.Entry.Succeeded)

	// Original entry flagged, state rolled back, last_run untouched.
	original, err := store.GetLogEntry(ctx, "inst-1", result.Entry.ID)
	require.NoError(t, err)
	assert.True(t, original.Reverted)
	assert.NotContains(t, store.installs["inst-1"].Config, "count")
	assert.Equal(t, lastRun, store.installs["inst-1"].LastRun)
}

func TestRevertTwice(t *testing.T) {
	eng, _, _ := seedEngine(t, &counter{})
	ctx := context.Background()

	result, err := eng.Execute(ctx, "op-1", "inst-1", Input{})
	require.NoError(t, err)

	_, err = eng.Revert(ctx, "op-1", "inst-1", result.Entry.ID)
	require.NoError(t, err)

	_, err = eng.Revert(ctx, "op-1", "inst-1", result.Entry.ID)
	assert.True(t, errors.Is(err, platform.ErrNotReversible))
}

func TestRevertFlipsFlagBeforeLogging(t *testing.T) {
	eng, store, _ := seedEngine(t, &counter{})
	ctx := context.Background()

	result, err := eng.Execute(ctx, "op-1", "inst-1", Input{})
	require.NoError(t, err)

	store.appendErr = errors.New("disk full")
	_, err = eng.Revert(ctx, "op-1", "inst-1", result.Entry.ID)
	require.Error(t, err)

	// The flag flip claimed the entry before the failed write, so a
	// retry cannot replay the restore or log a duplicate revert entry.
	original, err := store.GetLogEntry(ctx, "inst-1", result.Entry.ID)
	require.NoError(t, err)
	assert.True(t, original.Reverted)

	_, err = eng.Revert(ctx, "op-1", "inst-1", result.Entry.ID)
	assert.True(t, errors.Is(err, platform.ErrNotReversible))
	require.Len(t, store.entries, 1)
}

func TestRevertIrreversibleEntry(t *testing.T) {
	eng, store, _ := seedEngine(t, &counter{}, oneway{})
	ctx := context.Background()

	result, err := eng.Execute(ctx, "op-1", "inst-1", Input{Action: "oneway"})
	require.NoError(t, err)

	_, err = eng.Revert(ctx, "op-1", "inst-1", result.Entry.ID)
	assert.True(t, errors.Is(err, platform.ErrNotReversible))
	require.Len(t, store.entries, 1)
}

func TestRevertUninstalled(t *testing.T) {
	eng, store, inst := seedEngine(t, &counter{})
	ctx := context.Background()

	result, err := eng.Execute(ctx, "op-1", "inst-1", Input{})
	require.NoError(t, err)

	inst = store.installs["inst-1"]
	inst.Status = platform.StatusUninstalled
	store.installs["inst-1"] = inst

	_, err = eng.Revert(ctx, "op-1", "inst-1", result.Entry.ID)
	assert.True(t, errors.Is(err, platform.ErrNotRunnable))
}

func TestLogs(t *testing.T) {
	eng, _, _ := seedEngine(t, &counter{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := eng.Execute(ctx, "op-1", "inst-1", Input{})
		require.NoError(t, err)
	}

	entries, err := eng.Logs(ctx, "op-1", "inst-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	entries, err = eng.Logs(ctx, "op-1", "inst-1", 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Ownership enforced even though the log table has no operator column.
	_, err = eng.Logs(ctx, "op-2", "inst-1", 0)
	assert.True(t, errors.Is(err, platform.ErrNotFound))
}

func TestResolveActionMergesParams(t *testing.T) {
	skill := &platform.Skill{
		Files: map[string]string{
			"action.json": `{"action": "counter", "key": "declared", "mode": "overwrite"}`,
		},
	}

	name, params := resolveAction(skill, Input{Params: map[string]any{"key": "override"}})
	assert.Equal(t, "counter", name)
	assert.Equal(t, "override", params["key"])
	assert.Equal(t, "overwrite", params["mode"])

	// The request's action wins over the declared one.
	name, _ = resolveAction(skill, Input{Action: "other"})
	assert.Equal(t, "other", name)
}
