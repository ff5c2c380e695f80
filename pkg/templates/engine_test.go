package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitdesk/skillhub/pkg/types/platform"
)

func testTemplate() *platform.Template {
	return &platform.Template{
		ID:       "test-template",
		Name:     "Test Template",
		Category: "testing",
		Variables: []platform.TemplateVariable{
			{Name: "name", Label: "Name", Type: platform.VariableText, Required: true},
			{Name: "mode", Label: "Mode", Type: platform.VariableSelect, Required: true, Options: []string{"fast", "slow"}},
			{Name: "note", Label: "Note", Type: platform.VariableTextarea, Default: "no note"},
			{Name: "url", Label: "URL", Type: platform.VariableText, Pattern: "^https?://"},
		},
		Files: []platform.FileStub{
			{Path: "README.md", Content: "Hello {{name}}, mode={{mode}}, note={{note}}"},
			{Path: "{{name}}.txt", Content: "owner: {{name}}"},
		},
		ManifestStub: platform.Manifest{
			Permissions: []string{"api:{{mode}}"},
			Onboarding: []platform.OnboardingField{
				{Name: "endpoint", Label: "Endpoint for {{name}}", Type: platform.VariableText, Required: true},
			},
		},
	}
}

func TestRender(t *testing.T) {
	engine := NewEngine()

	rendered, err := engine.Render(testTemplate(), map[string]string{
		"name": "Test",
		"mode": "fast",
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello Test, mode=fast, note=no note", rendered.Files["README.md"])
	assert.Equal(t, "owner: Test", rendered.Files["Test.txt"])
	assert.Equal(t, []string{"api:fast"}, rendered.Manifest.Permissions)
	assert.Equal(t, "Endpoint for Test", rendered.Manifest.Onboarding[0].Label)
	assert.Empty(t, rendered.UnresolvedPlaceholders)
}

func TestRenderIsPure(t *testing.T) {
	engine := NewEngine()
	vars := map[string]string{"name": "Test", "mode": "slow"}

	first, err := engine.Render(testTemplate(), vars)
	require.NoError(t, err)
	second, err := engine.Render(testTemplate(), vars)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestValidationCollectsAllViolations(t *testing.T) {
	engine := NewEngine()

	// Both required fields missing: exactly two violations, not one
	_, err := engine.Render(testTemplate(), map[string]string{})
	require.Error(t, err)

	violations, ok := platform.AsValidationErrors(err)
	require.True(t, ok)
	require.Len(t, violations, 2)
	assert.Equal(t, "name", violations[0].Field)
	assert.Equal(t, "mode", violations[1].Field)
}

func TestValidationRules(t *testing.T) {
	engine := NewEngine()

	// Whitespace-only does not satisfy required
	violations := engine.Validate(testTemplate(), map[string]string{
		"name": "   ",
		"mode": "fast",
	})
	require.Len(t, violations, 1)
	assert.Equal(t, "name", violations[0].Field)

	// Select value must come from the declared options
	violations = engine.Validate(testTemplate(), map[string]string{
		"name": "Test",
		"mode": "warp",
	})
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Message, "fast, slow")

	// Pattern applies to optional fields when a value is supplied
	violations = engine.Validate(testTemplate(), map[string]string{
		"name": "Test",
		"mode": "fast",
		"url":  "ftp://example.com",
	})
	require.Len(t, violations, 1)
	assert.Equal(t, "url", violations[0].Field)

	// Absent optional fields skip pattern checks
	violations = engine.Validate(testTemplate(), map[string]string{
		"name": "Test",
		"mode": "fast",
	})
	assert.Empty(t, violations)
}

func TestUnresolvedPlaceholders(t *testing.T) {
	engine := NewEngine()

	tpl := testTemplate()
	tpl.Files = append(tpl.Files, platform.FileStub{
		Path:    "broken.txt",
		Content: "value: {{undeclared}} and {{also_missing}}",
	})

	rendered, err := engine.Render(tpl, map[string]string{"name": "Test", "mode": "fast"})
	require.NoError(t, err)

	// Left untouched in the output, flagged on the result
	assert.Equal(t, "value: {{undeclared}} and {{also_missing}}", rendered.Files["broken.txt"])
	assert.Equal(t, []string{"also_missing", "undeclared"}, rendered.UnresolvedPlaceholders)
}

func TestBuiltin(t *testing.T) {
	templates, err := Builtin()
	require.NoError(t, err)
	require.NotEmpty(t, templates)

	ids := make(map[string]bool)
	for _, tpl := range templates {
		assert.NotEmpty(t, tpl.ID)
		assert.NotEmpty(t, tpl.Name)
		assert.False(t, ids[tpl.ID], "duplicate builtin template id %s", tpl.ID)
		ids[tpl.ID] = true
	}
	assert.True(t, ids["webhook-notifier"])
	assert.True(t, ids["config-sync"])
	assert.True(t, ids["env-rotator"])
}

func TestBuiltinTemplatesRender(t *testing.T) {
	engine := NewEngine()
	templates, err := Builtin()
	require.NoError(t, err)

	vars := map[string]map[string]string{
		"webhook-notifier": {"skill_name": "Notify", "webhook_url": "https://example.com/hook"},
		"config-sync":      {"skill_name": "Sync", "target_key": "feature_flag", "sync_mode": "overwrite"},
		"env-rotator":      {"skill_name": "Rotate", "env_key": "API_TOKEN"},
	}

	for _, tpl := range templates {
		tpl := tpl
		t.Run(tpl.ID, func(t *testing.T) {
			rendered, err := engine.Render(&tpl, vars[tpl.ID])
			require.NoError(t, err)
			assert.Empty(t, rendered.UnresolvedPlaceholders)
			assert.NotEmpty(t, rendered.Files)
			assert.NotEmpty(t, rendered.Manifest.Permissions)
		})
	}
}
