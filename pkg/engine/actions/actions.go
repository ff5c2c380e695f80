// Package actions provides the built-in action handlers: configuration
// patching, environment value rotation, and outbound webhooks. Handler
// parameters arrive as loose maps from the skill's action.json stub and
// the request body; mapstructure decodes them into typed params.
package actions

import (
	"github.com/orbitdesk/skillhub/pkg/engine"
)

// Register adds every built-in handler to the registry.
func Register(r *engine.HandlerRegistry) {
	r.Register(&ConfigPatch{})
	r.Register(&EnvRotate{})
	r.Register(NewWebhook(nil))
}

// Defaults returns a registry pre-populated with the built-in handlers.
func Defaults() *engine.HandlerRegistry {
	r := engine.NewHandlerRegistry()
	Register(r)
	return r
}
