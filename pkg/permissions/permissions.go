// Package permissions implements category:scope permission parsing and
// matching. A scope of "*" grants full access within its category.
// The package is pure and stateless.
package permissions

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/orbitdesk/skillhub/pkg/types/platform"
)

// Wildcard is the scope that matches every scope within a category.
const Wildcard = "*"

// Permission is a parsed category:scope token.
type Permission struct {
	Category string
	Scope    string
}

// Parse splits a permission string into category and scope. The category
// must be non-empty; a missing scope defaults to the wildcard so that a
// bare category grants the whole category.
func Parse(s string) (Permission, error) {
	category, scope, found := strings.Cut(s, ":")
	if category == "" {
		return Permission{}, errors.Errorf("invalid permission %q: empty category", s)
	}
	if !found || scope == "" {
		scope = Wildcard
	}
	return Permission{Category: category, Scope: scope}, nil
}

func (p Permission) String() string {
	return p.Category + ":" + p.Scope
}

// Matches reports whether the granted permission covers the requested
// one. Categories compare exactly (case-sensitive); scopes match when
// the grant is a wildcard or equal to the request. A wildcard on the
// requested side never widens the request.
func Matches(granted, requested string) bool {
	g, err := Parse(granted)
	if err != nil {
		return false
	}
	r, err := Parse(requested)
	if err != nil {
		return false
	}
	if g.Category != r.Category {
		return false
	}
	return g.Scope == Wildcard || g.Scope == r.Scope
}

// Authorize checks the requested permission against a granted set,
// succeeding on the first match. On failure it returns a
// PermissionDeniedError naming the missing permission.
func Authorize(granted []string, requested string) error {
	for _, g := range granted {
		if Matches(g, requested) {
			return nil
		}
	}
	return &platform.PermissionDeniedError{Permission: requested}
}

// AuthorizeAll checks every requested permission, failing on the first
// one no grant covers.
func AuthorizeAll(granted []string, requested []string) error {
	for _, r := range requested {
		if err := Authorize(granted, r); err != nil {
			return err
		}
	}
	return nil
}

// Subset reports whether every permission in requested is covered by
// the declared set. Used at install time: granted permissions must be a
// subset of what the skill manifest declares.
func Subset(requested, declared []string) bool {
	for _, r := range requested {
		covered := false
		for _, d := range declared {
			if d == r || Matches(d, r) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// categoryDescriptions maps known categories to sentence templates. The
// %s placeholder receives the scope.
var categoryDescriptions = map[string]struct {
	wildcard string
	scoped   string
}{
	"database": {
		wildcard: "Full access to all database tables",
		scoped:   "Access to database tables matching: %s",
	},
	"env": {
		wildcard: "Read access to all environment variables",
		scoped:   "Read access to the environment variable: %s",
	},
	"api": {
		wildcard: "Full access to the public API",
		scoped:   "API access with the %s scope",
	},
	"files": {
		wildcard: "Full access to uploaded files",
		scoped:   "File access matching: %s",
	},
	"webhook": {
		wildcard: "Permission to call any outbound webhook",
		scoped:   "Permission to call the webhook: %s",
	},
}

// Describe produces a human-readable sentence for a permission string.
// Unknown categories fall back to a synthesized sentence instead of
// failing, since skill authors may declare categories this build has
// never seen.
func Describe(s string) string {
	p, err := Parse(s)
	if err != nil {
		return fmt.Sprintf("Unknown permission: %s", s)
	}
	if d, ok := categoryDescriptions[p.Category]; ok {
		if p.Scope == Wildcard {
			return d.wildcard
		}
		return fmt.Sprintf(d.scoped, p.Scope)
	}
	if p.Scope == Wildcard {
		return fmt.Sprintf("Full access to %s", p.Category)
	}
	return fmt.Sprintf("Access to %s matching: %s", p.Category, p.Scope)
}
