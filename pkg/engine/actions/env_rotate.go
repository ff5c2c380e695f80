package actions

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/orbitdesk/skillhub/pkg/engine"
)

// EnvRotate replaces a secret-like environment value. Secrets never
// appear in the execution log: the snapshot records only a fingerprint
// of the value, and the previous value needed for a revert is parked in
// the environment map itself under a shadow key.
type EnvRotate struct{}

type envRotateParams struct {
	Key string `mapstructure:"key"`
	// Value is the new secret. When empty a random value is generated.
	Value string `mapstructure:"value"`
}

const previousSuffix = "__previous"

func (a *EnvRotate) Name() string     { return "env_rotate" }
func (a *EnvRotate) Reversible() bool { return true }

func (a *EnvRotate) params(env *engine.Env) (envRotateParams, error) {
	var p envRotateParams
	if err := mapstructure.Decode(env.Params, &p); err != nil {
		return p, errors.Wrap(err, "invalid env_rotate params")
	}
	if p.Key == "" {
		p.Key = strings.TrimPrefix(env.Target, "env:")
	}
	if p.Key == "" {
		return p, errors.New("env_rotate requires a key")
	}
	return p, nil
}

func (a *EnvRotate) Permissions(env *engine.Env) []string {
	p, err := a.params(env)
	if err != nil {
		return []string{"env:*"}
	}
	return []string{"env:" + p.Key}
}

func (a *EnvRotate) Target(env *engine.Env) string {
	p, err := a.params(env)
	if err != nil {
		return "env"
	}
	return "env:" + p.Key
}

// Snapshot fingerprints the current value instead of embedding it.
func (a *EnvRotate) Snapshot(env *engine.Env) (map[string]any, error) {
	p, err := a.params(env)
	if err != nil {
		return nil, err
	}
	state := map[string]any{}
	if value, ok := env.Installation.Environment[p.Key]; ok {
		state[p.Key] = fingerprint(value)
	}
	return state, nil
}

func (a *EnvRotate) Apply(ctx context.Context, env *engine.Env) error {
	p, err := a.params(env)
	if err != nil {
		return err
	}

	next := p.Value
	if next == "" {
		next, err = randomSecret()
		if err != nil {
			return errors.Wrap(err, "failed to generate secret")
		}
	}

	if current, ok := env.Installation.Environment[p.Key]; ok {
		env.Installation.Environment[p.Key+previousSuffix] = current
	}
	env.Installation.Environment[p.Key] = next
	return nil
}

// Restore swaps the shadow copy back in. The logged state is only used
// to confirm the target key; the secret itself never left the
// environment map.
func (a *EnvRotate) Restore(env *engine.Env, state map[string]any) error {
	p, err := a.params(env)
	if err != nil {
		return err
	}

	previous, ok := env.Installation.Environment[p.Key+previousSuffix]
	if !ok {
		return errors.Errorf("no previous value retained for %s", p.Key)
	}
	env.Installation.Environment[p.Key] = previous
	delete(env.Installation.Environment, p.Key+previousSuffix)
	return nil
}

func fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return "sha256:" + hex.EncodeToString(sum[:8])
}

func randomSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
