// Package installations owns the lifecycle of a skill bound to an
// operator: install, onboarding configuration, pause/resume, and
// uninstall. The lifecycle is an explicit state machine; illegal
// transitions are rejected rather than silently absorbed, except where
// the contract makes an operation idempotent.
package installations

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/orbitdesk/skillhub/pkg/logger"
	"github.com/orbitdesk/skillhub/pkg/permissions"
	"github.com/orbitdesk/skillhub/pkg/registry"
	"github.com/orbitdesk/skillhub/pkg/types/platform"
)

// InstallationStore is the persistence contract. Get must return
// platform.ErrNotFound both for missing installations and for
// installations owned by a different operator, so that callers cannot
// probe for existence.
type InstallationStore interface {
	CreateInstallation(ctx context.Context, inst *platform.Installation) error
	GetInstallation(ctx context.Context, operatorID, id string) (*platform.Installation, error)
	UpdateInstallation(ctx context.Context, inst *platform.Installation) error
	ListInstallations(ctx context.Context, operatorID string) ([]platform.Installation, error)
}

// Detail joins an installation with the skill version it is pinned to.
type Detail struct {
	Installation platform.Installation `json:"installation"`
	Skill        platform.Skill        `json:"skill"`
}

// Manager implements the installation lifecycle.
type Manager struct {
	store    InstallationStore
	registry *registry.Registry
}

// NewManager creates an installation manager.
func NewManager(store InstallationStore, reg *registry.Registry) *Manager {
	return &Manager{store: store, registry: reg}
}

// Install creates an installation of the skill for the operator. The
// granted permissions must be a subset of the manifest's declared
// permissions. Onboarding defaults are applied synchronously, after
// which the installation transitions from installing to installed.
func (m *Manager) Install(ctx context.Context, operatorID, skillID string, granted []string) (*platform.Installation, error) {
	skill, err := m.registry.GetSkill(ctx, skillID)
	if err != nil {
		return nil, err
	}

	if !permissions.Subset(granted, skill.Manifest.Permissions) {
		return nil, errors.Wrapf(platform.ErrPermissionNotDeclared,
			"granted permissions exceed manifest of skill %s", skill.Slug)
	}

	inst := &platform.Installation{
		ID:                 uuid.NewString(),
		OperatorID:         operatorID,
		SkillID:            skill.ID,
		Status:             platform.StatusInstalling,
		Config:             map[string]any{},
		Environment:        map[string]string{},
		PermissionsGranted: append([]string(nil), granted...),
		InstalledAt:        time.Now(),
	}

	for _, field := range skill.Manifest.Onboarding {
		if field.Default == "" {
			continue
		}
		if field.Type == platform.VariablePassword {
			inst.Environment[field.Name] = field.Default
		} else {
			inst.Config[field.Name] = field.Default
		}
	}

	if err := m.store.CreateInstallation(ctx, inst); err != nil {
		return nil, err
	}

	// Provisioning is synchronous today; the installing status exists so
	// async provisioning can slot in without an API change.
	inst.Status = platform.StatusInstalled
	if err := m.store.UpdateInstallation(ctx, inst); err != nil {
		return nil, err
	}

	logger.G(ctx).WithFields(map[string]any{
		"installation": inst.ID,
		"skill":        skill.Slug,
		"version":      skill.Version,
	}).Info("skill installed")
	return inst, nil
}

// Configure validates onboarding data against the skill manifest and
// merges it into the installation's config. Password-typed fields are
// routed into the environment map so they are never rendered in logs.
// The status is left unchanged.
func (m *Manager) Configure(ctx context.Context, operatorID, id string, data map[string]any) (*platform.Installation, error) {
	inst, err := m.store.GetInstallation(ctx, operatorID, id)
	if err != nil {
		return nil, err
	}
	if inst.Status == platform.StatusUninstalled {
		return nil, errors.Wrap(platform.ErrNotRunnable, "installation is uninstalled")
	}

	skill, err := m.registry.GetSkill(ctx, inst.SkillID)
	if err != nil {
		return nil, err
	}

	if violations := validateOnboarding(skill.Manifest.Onboarding, data, inst); len(violations) > 0 {
		return nil, violations
	}

	fieldTypes := make(map[string]platform.VariableType, len(skill.Manifest.Onboarding))
	for _, field := range skill.Manifest.Onboarding {
		fieldTypes[field.Name] = field.Type
	}

	if inst.Config == nil {
		inst.Config = map[string]any{}
	}
	if inst.Environment == nil {
		inst.Environment = map[string]string{}
	}
	for name, value := range data {
		if fieldTypes[name] == platform.VariablePassword {
			inst.Environment[name] = stringify(value)
		} else {
			inst.Config[name] = value
		}
	}

	if err := m.store.UpdateInstallation(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Pause moves an installed installation to paused. Pausing an already
// paused installation is a successful no-op.
func (m *Manager) Pause(ctx context.Context, operatorID, id string) (*platform.Installation, error) {
	return m.toggle(ctx, operatorID, id, platform.StatusPaused)
}

// Resume moves a paused installation back to installed. Resuming a
// non-paused installation is a successful no-op.
func (m *Manager) Resume(ctx context.Context, operatorID, id string) (*platform.Installation, error) {
	return m.toggle(ctx, operatorID, id, platform.StatusInstalled)
}

func (m *Manager) toggle(ctx context.Context, operatorID, id string, target platform.InstallationStatus) (*platform.Installation, error) {
	inst, err := m.store.GetInstallation(ctx, operatorID, id)
	if err != nil {
		return nil, err
	}

	if inst.Status == target {
		return inst, nil
	}
	if !inst.Status.CanTransition(target) {
		// The pause/resume pair is idempotent: asking for a state the
		// machine cannot reach from here is answered with the current
		// state rather than an error, except from the terminal state.
		if inst.Status == platform.StatusUninstalled {
			return nil, errors.Wrap(platform.ErrNotRunnable, "installation is uninstalled")
		}
		return inst, nil
	}

	inst.Status = target
	if err := m.store.UpdateInstallation(ctx, inst); err != nil {
		return nil, err
	}

	logger.G(ctx).WithFields(map[string]any{
		"installation": id,
		"status":       target,
	}).Info("installation status changed")
	return inst, nil
}

// Uninstall moves the installation to its terminal state. It never
// blocks on outstanding execution log entries; the log history stays
// queryable for audit. Uninstalling twice is a successful no-op.
func (m *Manager) Uninstall(ctx context.Context, operatorID, id string) error {
	inst, err := m.store.GetInstallation(ctx, operatorID, id)
	if err != nil {
		return err
	}
	if inst.Status == platform.StatusUninstalled {
		return nil
	}

	inst.Status = platform.StatusUninstalled
	if err := m.store.UpdateInstallation(ctx, inst); err != nil {
		return err
	}

	logger.G(ctx).WithField("installation", id).Info("skill uninstalled")
	return nil
}

// Get returns one installation scoped to the operator.
func (m *Manager) Get(ctx context.Context, operatorID, id string) (*platform.Installation, error) {
	return m.store.GetInstallation(ctx, operatorID, id)
}

// List returns the operator's installations joined with the skill
// version each is pinned to. Uninstalled installations are excluded.
func (m *Manager) List(ctx context.Context, operatorID string) ([]Detail, error) {
	insts, err := m.store.ListInstallations(ctx, operatorID)
	if err != nil {
		return nil, err
	}

	details := make([]Detail, 0, len(insts))
	for _, inst := range insts {
		if inst.Status == platform.StatusUninstalled {
			continue
		}
		skill, err := m.registry.GetSkill(ctx, inst.SkillID)
		if err != nil {
			return nil, errors.Wrapf(err, "installation %s references missing skill", inst.ID)
		}
		details = append(details, Detail{Installation: inst, Skill: *skill})
	}
	return details, nil
}

// validateOnboarding applies the template-variable rules to onboarding
// data: required fields must be present (here or already configured),
// select values must come from the declared options, and declared
// patterns must match. Unknown fields are rejected. All violations are
// collected.
func validateOnboarding(fields []platform.OnboardingField, data map[string]any, inst *platform.Installation) platform.ValidationErrors {
	var violations platform.ValidationErrors

	known := make(map[string]platform.OnboardingField, len(fields))
	for _, f := range fields {
		known[f.Name] = f
	}

	for name := range data {
		if _, ok := known[name]; !ok {
			violations = append(violations, platform.ValidationError{
				Field:   name,
				Message: "unknown onboarding field",
			})
		}
	}

	for _, field := range fields {
		raw, present := data[field.Name]
		value := strings.TrimSpace(stringify(raw))

		if !present || value == "" {
			if field.Required && !alreadyConfigured(field, inst) {
				violations = append(violations, platform.ValidationError{
					Field:   field.Name,
					Message: fmt.Sprintf("%s is required", fieldLabel(field)),
				})
			}
			continue
		}

		if field.Type == platform.VariableSelect && len(field.Options) > 0 {
			ok := false
			for _, o := range field.Options {
				if o == value {
					ok = true
					break
				}
			}
			if !ok {
				violations = append(violations, platform.ValidationError{
					Field:   field.Name,
					Message: fmt.Sprintf("%s must be one of: %s", fieldLabel(field), strings.Join(field.Options, ", ")),
				})
			}
		}

		if field.Pattern != "" {
			re, err := regexp.Compile(field.Pattern)
			if err == nil && !re.MatchString(value) {
				violations = append(violations, platform.ValidationError{
					Field:   field.Name,
					Message: fmt.Sprintf("%s does not match the expected format", fieldLabel(field)),
				})
			}
		}
	}

	return violations
}

func alreadyConfigured(field platform.OnboardingField, inst *platform.Installation) bool {
	if field.Type == platform.VariablePassword {
		_, ok := inst.Environment[field.Name]
		return ok
	}
	value, ok := inst.Config[field.Name]
	return ok && strings.TrimSpace(stringify(value)) != ""
}

func fieldLabel(f platform.OnboardingField) string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
