package config

import (
	"github.com/floodgate-sdn/floodgate/internal/events"
)

// ScriptConfigs converts the script hook table into dispatcher bindings.
func (h HooksConfig) ScriptConfigs() []events.ScriptConfig {
	def := durationOr(h.ScriptTimeout, DefaultScriptTimeout)
	out := make([]events.ScriptConfig, 0, len(h.Scripts))
	for _, s := range h.Scripts {
		out = append(out, events.ScriptConfig{
			Name:     s.Name,
			Events:   s.Events,
			Command:  s.Command,
			Timeout:  durationOr(s.Timeout, def),
			Switches: s.Switches,
		})
	}
	return out
}

// WebhookConfigs converts the webhook table into dispatcher bindings.
func (h HooksConfig) WebhookConfigs() []events.WebhookConfig {
	def := durationOr(h.WebhookTimeout, DefaultWebhookTimeout)
	out := make([]events.WebhookConfig, 0, len(h.Webhooks))
	for _, w := range h.Webhooks {
		out = append(out, events.WebhookConfig{
			Name:         w.Name,
			Events:       w.Events,
			URL:          w.URL,
			Method:       w.Method,
			Headers:      w.Headers,
			Timeout:      durationOr(w.Timeout, def),
			Retries:      w.Retries,
			RetryBackoff: durationOr(w.RetryBackoff, DefaultWebhookBackoff),
			Secret:       w.Secret,
			Template:     w.Template,
		})
	}
	return out
}
