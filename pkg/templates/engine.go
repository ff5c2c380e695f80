// Package templates implements template-driven skill generation: a
// validation pass over operator-supplied variables followed by a
// single-pass literal placeholder substitution. Substitution is
// deliberately not a template language; expanding anything beyond
// {{name}} tokens would put an expression evaluator into a system that
// generates code and config.
package templates

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/orbitdesk/skillhub/pkg/types/platform"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Engine renders templates into concrete skill definitions. It is pure:
// rendering the same template with the same variables always yields the
// same output and has no side effects.
type Engine struct{}

// NewEngine creates a template engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Validate checks the supplied variables against the template's
// variable declarations. Every violation is collected so the caller can
// present the full list; a nil return means the variables are valid.
func (e *Engine) Validate(tpl *platform.Template, vars map[string]string) platform.ValidationErrors {
	var violations platform.ValidationErrors

	for _, v := range tpl.Variables {
		raw, present := vars[v.Name]
		value := strings.TrimSpace(raw)

		if v.Required && (!present || value == "") {
			violations = append(violations, platform.ValidationError{
				Field:   v.Name,
				Message: fmt.Sprintf("%s is required", label(v)),
			})
			continue
		}

		if value == "" {
			continue
		}

		if v.Type == platform.VariableSelect && len(v.Options) > 0 {
			if !contains(v.Options, value) {
				violations = append(violations, platform.ValidationError{
					Field:   v.Name,
					Message: fmt.Sprintf("%s must be one of: %s", label(v), strings.Join(v.Options, ", ")),
				})
			}
		}

		if v.Pattern != "" {
			re, err := regexp.Compile(v.Pattern)
			if err != nil {
				// A bad pattern is a template-authoring mistake; report it
				// against the field rather than crashing the render.
				violations = append(violations, platform.ValidationError{
					Field:   v.Name,
					Message: fmt.Sprintf("%s has an invalid validation pattern", label(v)),
				})
			} else if !re.MatchString(value) {
				violations = append(violations, platform.ValidationError{
					Field:   v.Name,
					Message: fmt.Sprintf("%s does not match the expected format", label(v)),
				})
			}
		}
	}

	return violations
}

// Render validates vars and expands the template's file stubs and
// manifest stub. Placeholders that reference variables outside the
// template's declaration list are left untouched and reported on the
// result as authoring defects.
func (e *Engine) Render(tpl *platform.Template, vars map[string]string) (*platform.RenderedSkill, error) {
	if violations := e.Validate(tpl, vars); len(violations) > 0 {
		return nil, violations
	}

	declared := make(map[string]string, len(tpl.Variables))
	for _, v := range tpl.Variables {
		value, present := vars[v.Name]
		if !present || strings.TrimSpace(value) == "" {
			value = v.Default
		}
		declared[v.Name] = value
	}

	unresolved := map[string]bool{}
	expand := func(s string) string {
		return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
			name := placeholderRe.FindStringSubmatch(match)[1]
			if value, ok := declared[name]; ok {
				return value
			}
			unresolved[name] = true
			return match
		})
	}

	files := make(map[string]string, len(tpl.Files))
	for _, stub := range tpl.Files {
		files[expand(stub.Path)] = expand(stub.Content)
	}

	manifest := platform.Manifest{
		Permissions: make([]string, len(tpl.ManifestStub.Permissions)),
		Onboarding:  make([]platform.OnboardingField, len(tpl.ManifestStub.Onboarding)),
	}
	for i, p := range tpl.ManifestStub.Permissions {
		manifest.Permissions[i] = expand(p)
	}
	for i, f := range tpl.ManifestStub.Onboarding {
		f.Label = expand(f.Label)
		f.Default = expand(f.Default)
		manifest.Onboarding[i] = f
	}

	rendered := &platform.RenderedSkill{
		Manifest: manifest,
		Files:    files,
	}
	for name := range unresolved {
		rendered.UnresolvedPlaceholders = append(rendered.UnresolvedPlaceholders, name)
	}
	sort.Strings(rendered.UnresolvedPlaceholders)

	return rendered, nil
}

func label(v platform.TemplateVariable) string {
	if v.Label != "" {
		return v.Label
	}
	return v.Name
}

func contains(options []string, value string) bool {
	for _, o := range options {
		if o == value {
			return true
		}
	}
	return false
}
