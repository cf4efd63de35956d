package api

import (
	"net/http"
)

// handleListHooks returns configured hook bindings.
// GET /api/v1/hooks
func (s *Server) handleListHooks(w http.ResponseWriter, r *http.Request) {
	type hookInfo struct {
		Name     string   `json:"name"`
		Type     string   `json:"type"`
		Events   []string `json:"events"`
		Switches []string `json:"switches,omitempty"`
		Template string   `json:"template,omitempty"`
	}

	hooks := make([]hookInfo, 0, len(s.cfg.Hooks.Scripts)+len(s.cfg.Hooks.Webhooks))

	for _, sh := range s.cfg.Hooks.Scripts {
		hooks = append(hooks, hookInfo{
			Name:     sh.Name,
			Type:     "script",
			Events:   sh.Events,
			Switches: sh.Switches,
		})
	}

	for _, wh := range s.cfg.Hooks.Webhooks {
		hooks = append(hooks, hookInfo{
			Name:     wh.Name,
			Type:     "webhook",
			Events:   wh.Events,
			Template: wh.Template,
		})
	}

	JSONResponse(w, http.StatusOK, hooks)
}
