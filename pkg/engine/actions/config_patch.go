package actions

import (
	"context"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/orbitdesk/skillhub/pkg/engine"
)

// ConfigPatch sets one configuration key on the installation. The
// before snapshot covers only the affected key, so a revert restores
// exactly that key and nothing else.
type ConfigPatch struct{}

type configPatchParams struct {
	Key string `mapstructure:"key"`
	// Mode is "overwrite" (default) or "fill-missing", which only writes
	// when the key is currently unset.
	Mode  string `mapstructure:"mode"`
	Value any    `mapstructure:"value"`
}

func (a *ConfigPatch) Name() string     { return "config_patch" }
func (a *ConfigPatch) Reversible() bool { return true }

func (a *ConfigPatch) params(env *engine.Env) (configPatchParams, error) {
	var p configPatchParams
	if err := mapstructure.Decode(env.Params, &p); err != nil {
		return p, errors.Wrap(err, "invalid config_patch params")
	}
	if p.Key == "" {
		// During revert only the logged target survives.
		p.Key = strings.TrimPrefix(env.Target, "config:")
	}
	if p.Key == "" {
		return p, errors.New("config_patch requires a key")
	}
	return p, nil
}

func (a *ConfigPatch) Permissions(env *engine.Env) []string {
	return []string{"database:settings"}
}

func (a *ConfigPatch) Target(env *engine.Env) string {
	p, err := a.params(env)
	if err != nil {
		return "config"
	}
	return "config:" + p.Key
}

func (a *ConfigPatch) Snapshot(env *engine.Env) (map[string]any, error) {
	p, err := a.params(env)
	if err != nil {
		return nil, err
	}
	state := map[string]any{}
	if value, ok := env.Installation.Config[p.Key]; ok {
		state[p.Key] = value
	}
	return state, nil
}

func (a *ConfigPatch) Apply(ctx context.Context, env *engine.Env) error {
	p, err := a.params(env)
	if err != nil {
		return err
	}
	if p.Mode == "fill-missing" {
		if _, ok := env.Installation.Config[p.Key]; ok {
			return nil
		}
	}
	if p.Value == nil {
		// Desired value may come from onboarding config instead of params.
		if desired, ok := env.Installation.Config["desired_value"]; ok {
			p.Value = desired
		} else {
			return errors.New("config_patch requires a value")
		}
	}
	env.Installation.Config[p.Key] = p.Value
	return nil
}

func (a *ConfigPatch) Restore(env *engine.Env, state map[string]any) error {
	p, err := a.params(env)
	if err != nil {
		return err
	}
	if value, ok := state[p.Key]; ok {
		env.Installation.Config[p.Key] = value
	} else {
		delete(env.Installation.Config, p.Key)
	}
	return nil
}
