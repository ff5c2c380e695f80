package server

import (
	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/orbitdesk/skillhub/pkg/types/platform"
)

// fieldSchema builds a JSON Schema for a template-variable or
// onboarding field list so the dashboard can render the form without
// hardcoding widget logic.
func fieldSchema(fields []platform.TemplateVariable) *jsonschema.Schema {
	properties := orderedmap.New[string, *jsonschema.Schema]()
	var required []string

	for _, field := range fields {
		prop := &jsonschema.Schema{
			Type:        "string",
			Title:       field.Label,
			Description: widgetHint(field.Type),
		}
		if field.Default != "" {
			prop.Default = field.Default
		}
		if field.Pattern != "" {
			prop.Pattern = field.Pattern
		}
		if field.Type == platform.VariableSelect && len(field.Options) > 0 {
			for _, option := range field.Options {
				prop.Enum = append(prop.Enum, option)
			}
		}
		if field.Type == platform.VariablePassword {
			prop.Format = "password"
		}

		properties.Set(field.Name, prop)
		if field.Required {
			required = append(required, field.Name)
		}
	}

	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           properties,
		Required:             required,
		AdditionalProperties: jsonschema.FalseSchema,
	}
}

func widgetHint(t platform.VariableType) string {
	switch t {
	case platform.VariableTextarea:
		return "multi-line text"
	case platform.VariableSelect:
		return "one of the listed options"
	case platform.VariablePassword:
		return "secret value, write-only"
	default:
		return "single-line text"
	}
}
