package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/orbitdesk/skillhub/pkg/engine"
)

// Webhook posts a JSON payload to an external URL. The call is an
// external effect with no managed state, so the action is not
// reversible and its snapshots are empty.
type Webhook struct {
	client *http.Client
}

type webhookParams struct {
	URL  string `mapstructure:"url"`
	Note string `mapstructure:"note"`
}

// NewWebhook creates the webhook handler. A nil client gets a default
// with a conservative timeout; callers still control the overall
// deadline through the request context.
func NewWebhook(client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Webhook{client: client}
}

func (a *Webhook) Name() string     { return "webhook" }
func (a *Webhook) Reversible() bool { return false }

func (a *Webhook) params(env *engine.Env) (webhookParams, error) {
	var p webhookParams
	if err := mapstructure.Decode(env.Params, &p); err != nil {
		return p, errors.Wrap(err, "invalid webhook params")
	}
	if p.URL == "" {
		if configured, ok := env.Installation.Config["webhook_url"].(string); ok {
			p.URL = configured
		}
	}
	if p.URL == "" {
		return p, errors.New("webhook requires a url")
	}
	return p, nil
}

func (a *Webhook) Permissions(env *engine.Env) []string {
	p, err := a.params(env)
	if err != nil {
		return []string{"webhook:*"}
	}
	return []string{"webhook:" + p.URL}
}

func (a *Webhook) Target(env *engine.Env) string {
	p, err := a.params(env)
	if err != nil {
		return "webhook"
	}
	return "webhook:" + p.URL
}

func (a *Webhook) Snapshot(env *engine.Env) (map[string]any, error) {
	return nil, nil
}

func (a *Webhook) Apply(ctx context.Context, env *engine.Env) error {
	p, err := a.params(env)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"installation_id": env.Installation.ID,
		"note":            p.Note,
		"sent_at":         time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if auth, ok := env.Installation.Environment["auth_header"]; ok && auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook call failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (a *Webhook) Restore(env *engine.Env, state map[string]any) error {
	return errors.New("webhook actions cannot be reverted")
}
