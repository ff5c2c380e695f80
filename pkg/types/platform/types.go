// Package platform defines the shared data model for the skill platform:
// templates, skills, manifests, installations, and execution log entries.
// Dynamic payloads (config, environment, before/after state) are kept as
// schema-less maps since their shape is author-defined, validated only
// against the onboarding field schema.
package platform

import (
	"time"
)

// VariableType enumerates the input widget types for template variables
// and onboarding fields.
type VariableType string

const (
	VariableText     VariableType = "text"
	VariableTextarea VariableType = "textarea"
	VariableSelect   VariableType = "select"
	VariablePassword VariableType = "password"
)

// TemplateVariable describes one operator-supplied input to a template.
type TemplateVariable struct {
	Name     string       `json:"name" yaml:"name"`
	Label    string       `json:"label" yaml:"label"`
	Type     VariableType `json:"type" yaml:"type"`
	Required bool         `json:"required" yaml:"required"`
	Default  string       `json:"default,omitempty" yaml:"default,omitempty"`
	// Pattern is an optional regular expression the value must match.
	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Options []string `json:"options,omitempty" yaml:"options,omitempty"`
}

// OnboardingField collects configuration after install. It shares the
// TemplateVariable shape.
type OnboardingField = TemplateVariable

// FileStub is a template file with {{variable}} placeholders.
type FileStub struct {
	Path    string `json:"path" yaml:"path"`
	Content string `json:"content" yaml:"content"`
}

// Template is a parameterized blueprint that expands into a new skill.
// Templates are immutable once published and authored by platform
// maintainers.
type Template struct {
	ID          string             `json:"id" yaml:"id"`
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description" yaml:"description"`
	Category    string             `json:"category" yaml:"category"`
	Variables   []TemplateVariable `json:"variables" yaml:"variables"`
	Files       []FileStub         `json:"files" yaml:"files"`
	// ManifestStub is the manifest with placeholders still unexpanded.
	ManifestStub Manifest `json:"manifest" yaml:"manifest"`
}

// Manifest is the declarative contract of a skill: the permissions it
// needs and the configuration it collects after install. Immutable per
// skill version.
type Manifest struct {
	Permissions []string          `json:"permissions" yaml:"permissions"`
	Onboarding  []OnboardingField `json:"onboarding" yaml:"onboarding"`
}

// Skill is an installable automation unit. Template-derived and
// hand-authored skills produce the same shape. Skills are versioned by
// replacement, never mutated in place.
type Skill struct {
	ID            string            `json:"id"`
	Slug          string            `json:"slug"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Icon          string            `json:"icon,omitempty"`
	Category      string            `json:"category"`
	Version       string            `json:"version"`
	Author        string            `json:"author,omitempty"`
	Manifest      Manifest          `json:"manifest"`
	Files         map[string]string `json:"files,omitempty"`
	IsMarketplace bool              `json:"is_marketplace"`
	CreatedAt     time.Time         `json:"created_at"`
}

// RenderedSkill is the output of template expansion before it is
// registered (preview) or persisted (create).
type RenderedSkill struct {
	Manifest Manifest          `json:"manifest"`
	Files    map[string]string `json:"files"`
	// UnresolvedPlaceholders lists placeholders referenced in stubs but
	// absent from the template's variable list. A non-empty list is a
	// template-authoring defect, not a runtime error.
	UnresolvedPlaceholders []string `json:"unresolved_placeholders,omitempty"`
}

// InstallationStatus is the lifecycle state of an installation.
type InstallationStatus string

const (
	StatusInstalling  InstallationStatus = "installing"
	StatusInstalled   InstallationStatus = "installed"
	StatusPaused      InstallationStatus = "paused"
	StatusError       InstallationStatus = "error"
	StatusUninstalled InstallationStatus = "uninstalled"
)

// transitions is the legal state transition table. Uninstalled is
// terminal; any non-terminal state may move there.
var transitions = map[InstallationStatus][]InstallationStatus{
	StatusInstalling: {StatusInstalled, StatusError, StatusUninstalled},
	StatusInstalled:  {StatusPaused, StatusError, StatusUninstalled},
	StatusPaused:     {StatusInstalled, StatusError, StatusUninstalled},
	StatusError:      {StatusInstalled, StatusUninstalled},
}

// CanTransition reports whether moving from s to next is legal.
func (s InstallationStatus) CanTransition(next InstallationStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s InstallationStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Installation binds a skill to one operator. Installations are pinned
// to the skill version they were created against.
type Installation struct {
	ID         string             `json:"id"`
	OperatorID string             `json:"-"`
	SkillID    string             `json:"skill_id"`
	Status     InstallationStatus `json:"status"`
	// Config holds onboarding field values keyed by field name.
	Config map[string]any `json:"config"`
	// Environment holds secret-like key/value pairs. Values are never
	// rendered in plaintext in logs.
	Environment        map[string]string `json:"-"`
	PermissionsGranted []string          `json:"permissions_granted"`
	InstalledAt        time.Time         `json:"installed_at"`
	LastRun            *time.Time        `json:"last_run,omitempty"`
}

// ExecutionLogEntry is an audit record of one action run. Entries are
// append-only; Reverted is the only mutable field and may only
// transition false to true.
type ExecutionLogEntry struct {
	ID             string         `json:"id"`
	InstallationID string         `json:"installation_id"`
	Action         string         `json:"action"`
	Target         string         `json:"target"`
	BeforeState    map[string]any `json:"before_state,omitempty"`
	AfterState     map[string]any `json:"after_state,omitempty"`
	Reversible     bool           `json:"reversible"`
	Reverted       bool           `json:"reverted"`
	Succeeded      bool           `json:"succeeded"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
