package templates

import (
	"embed"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/orbitdesk/skillhub/pkg/types/platform"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Builtin returns the templates shipped with the platform, sorted by
// id. Templates are immutable once published; changing one means
// shipping a new build.
func Builtin() ([]platform.Template, error) {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read builtin templates")
	}

	templates := make([]platform.Template, 0, len(entries))
	for _, entry := range entries {
		data, err := builtinFS.ReadFile("builtin/" + entry.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read builtin template %s", entry.Name())
		}

		var tpl platform.Template
		if err := yaml.Unmarshal(data, &tpl); err != nil {
			return nil, errors.Wrapf(err, "failed to parse builtin template %s", entry.Name())
		}
		if tpl.ID == "" {
			return nil, errors.Errorf("builtin template %s has no id", entry.Name())
		}
		templates = append(templates, tpl)
	}

	sort.Slice(templates, func(i, j int) bool {
		return templates[i].ID < templates[j].ID
	})

	return templates, nil
}
