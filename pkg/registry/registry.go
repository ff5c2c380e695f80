// Package registry stores and serves skill definitions: marketplace
// skills, user-created skills generated from templates, and
// hand-authored skills imported from a local directory. Installations
// are pinned to the skill record they were created against; a new
// version of a slug is a new record, never an in-place mutation.
package registry

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/orbitdesk/skillhub/pkg/logger"
	"github.com/orbitdesk/skillhub/pkg/templates"
	"github.com/orbitdesk/skillhub/pkg/types/platform"
)

// SkillStore is the persistence contract the registry depends on.
// Implementations must treat (slug, version) as unique and return
// platform.ErrDuplicateSlug on collision.
type SkillStore interface {
	CreateSkill(ctx context.Context, skill *platform.Skill) error
	GetSkill(ctx context.Context, id string) (*platform.Skill, error)
	// GetLatestBySlug returns the most recently created record for a slug.
	GetLatestBySlug(ctx context.Context, slug string) (*platform.Skill, error)
	ListSkills(ctx context.Context) ([]platform.Skill, error)
}

// Filter narrows a marketplace listing. Category accepts glob patterns
// ("data*"); Search matches name and description case-insensitively.
type Filter struct {
	Category string
	Search   string
}

// Registry serves templates and skill definitions.
type Registry struct {
	store     SkillStore
	engine    *templates.Engine
	templates []platform.Template
}

// NewRegistry creates a registry backed by store, with the builtin
// template catalog loaded.
func NewRegistry(store SkillStore) (*Registry, error) {
	builtin, err := templates.Builtin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load builtin templates")
	}

	return &Registry{
		store:     store,
		engine:    templates.NewEngine(),
		templates: builtin,
	}, nil
}

// ListTemplates returns every published template.
func (r *Registry) ListTemplates() []platform.Template {
	out := make([]platform.Template, len(r.templates))
	copy(out, r.templates)
	return out
}

// GetTemplate returns a template by id.
func (r *Registry) GetTemplate(id string) (*platform.Template, error) {
	for i := range r.templates {
		if r.templates[i].ID == id {
			tpl := r.templates[i]
			return &tpl, nil
		}
	}
	return nil, errors.Wrapf(platform.ErrNotFound, "template %s", id)
}

// Preview renders a template without persisting anything.
func (r *Registry) Preview(templateID string, vars map[string]string) (*platform.RenderedSkill, error) {
	tpl, err := r.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}
	return r.engine.Render(tpl, vars)
}

// CreateFromTemplate renders a template and registers the result as a
// new user-created skill.
func (r *Registry) CreateFromTemplate(ctx context.Context, templateID string, vars map[string]string) (*platform.Skill, error) {
	tpl, err := r.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}

	rendered, err := r.engine.Render(tpl, vars)
	if err != nil {
		return nil, err
	}
	if len(rendered.UnresolvedPlaceholders) > 0 {
		logger.G(ctx).WithFields(map[string]any{
			"template":     templateID,
			"placeholders": rendered.UnresolvedPlaceholders,
		}).Warn("template references undeclared variables")
	}

	name := strings.TrimSpace(vars["skill_name"])
	if name == "" {
		name = tpl.Name
	}

	skill := &platform.Skill{
		ID:          uuid.NewString(),
		Slug:        Slugify(name),
		Name:        name,
		Description: tpl.Description,
		Category:    tpl.Category,
		Version:     "1.0.0",
		Manifest:    rendered.Manifest,
		Files:       rendered.Files,
		CreatedAt:   time.Now(),
	}

	if err := r.CreateSkill(ctx, skill); err != nil {
		return nil, err
	}
	return skill, nil
}

// CreateSkill registers a hand-authored or rendered skill definition.
// A colliding (slug, version) pair fails with DuplicateSlug; the same
// slug with a different version becomes a new record and existing
// installations keep pointing at the version they installed.
func (r *Registry) CreateSkill(ctx context.Context, skill *platform.Skill) error {
	if violations := validateSkill(skill); len(violations) > 0 {
		return violations
	}

	if skill.ID == "" {
		skill.ID = uuid.NewString()
	}
	if skill.CreatedAt.IsZero() {
		skill.CreatedAt = time.Now()
	}

	if err := r.store.CreateSkill(ctx, skill); err != nil {
		return err
	}

	logger.G(ctx).WithFields(map[string]any{
		"skill":   skill.Slug,
		"version": skill.Version,
	}).Info("skill registered")
	return nil
}

// GetSkill returns a skill by id.
func (r *Registry) GetSkill(ctx context.Context, id string) (*platform.Skill, error) {
	return r.store.GetSkill(ctx, id)
}

// GetLatestBySlug returns the newest record for a slug.
func (r *Registry) GetLatestBySlug(ctx context.Context, slug string) (*platform.Skill, error) {
	return r.store.GetLatestBySlug(ctx, slug)
}

// ListMarketplace lists marketplace skills matching the filter.
func (r *Registry) ListMarketplace(ctx context.Context, filter Filter) ([]platform.Skill, error) {
	skills, err := r.store.ListSkills(ctx)
	if err != nil {
		return nil, err
	}

	var categoryGlob glob.Glob
	if filter.Category != "" {
		categoryGlob, err = glob.Compile(filter.Category)
		if err != nil {
			return nil, platform.ValidationErrors{{Field: "category", Message: "invalid category pattern"}}
		}
	}
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	var out []platform.Skill
	for _, skill := range skills {
		if !skill.IsMarketplace {
			continue
		}
		if categoryGlob != nil && !categoryGlob.Match(skill.Category) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(skill.Name), search) &&
			!strings.Contains(strings.ToLower(skill.Description), search) {
			continue
		}
		out = append(out, skill)
	}
	return out, nil
}

var (
	slugInvalidRe  = regexp.MustCompile(`[^a-z0-9]+`)
	slugValidRe    = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	versionValidRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// Slugify turns an arbitrary display name into a URL-safe slug.
func Slugify(name string) string {
	slug := slugInvalidRe.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}

func validateSkill(skill *platform.Skill) platform.ValidationErrors {
	var violations platform.ValidationErrors
	if strings.TrimSpace(skill.Name) == "" {
		violations = append(violations, platform.ValidationError{Field: "name", Message: "name is required"})
	}
	if !slugValidRe.MatchString(skill.Slug) {
		violations = append(violations, platform.ValidationError{Field: "slug", Message: "slug must be lowercase letters, digits and hyphens"})
	}
	if !versionValidRe.MatchString(skill.Version) {
		violations = append(violations, platform.ValidationError{Field: "version", Message: "version must be a semver string like 1.0.0"})
	}
	return violations
}
