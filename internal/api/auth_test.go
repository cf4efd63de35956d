package api

import (
	"net/http"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/floodgate-sdn/floodgate/internal/anomaly"
	"github.com/floodgate-sdn/floodgate/internal/config"
)

func operators(t *testing.T) []config.UserConfig {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return []config.UserConfig{
		{Username: "netops", PasswordHash: string(hash), Role: roleAdmin},
		{Username: "noc", PasswordHash: string(hash), Role: roleViewer},
	}
}

func basic(user, pass string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(user, pass) }
}

func TestAuthOpenWhenUnconfigured(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	env.block(t, 1, 2)

	// without users or a token every caller is an operator
	w := env.do(t, "DELETE", "/api/v1/blocks/1/2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("anonymous unblock = %d, want 200", w.Code)
	}
	if env.fabric.HasDropRule(1, 2) {
		t.Error("drop rule survived unblock")
	}
}

func TestAuthOperatorRoles(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{
		Auth: config.APIAuthConfig{AuthToken: "s3cret", Users: operators(t)},
	})
	env.block(t, 1, 1)
	env.block(t, 1, 3)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		mod    []func(*http.Request)
		code   int
	}{
		{"viewer lists interfaces", "GET", "/api/v1/interfaces", "", []func(*http.Request){basic("noc", "pw")}, http.StatusOK},
		{"viewer reads history", "GET", "/api/v1/history", "", []func(*http.Request){basic("noc", "pw")}, http.StatusOK},
		{"viewer cannot unblock", "DELETE", "/api/v1/blocks/1/1", "", []func(*http.Request){basic("noc", "pw")}, http.StatusForbidden},
		{"viewer cannot label hosts", "POST", "/api/v1/topology/label", `{"switch_id":"1","port_no":1,"label":"x"}`, []func(*http.Request){basic("noc", "pw")}, http.StatusForbidden},
		{"wrong password", "GET", "/api/v1/blocks", "", []func(*http.Request){basic("netops", "nope")}, http.StatusUnauthorized},
		{"unknown operator", "GET", "/api/v1/blocks", "", []func(*http.Request){basic("mallory", "pw")}, http.StatusUnauthorized},
		{"wrong token", "GET", "/api/v1/blocks", "", []func(*http.Request){func(r *http.Request) { r.Header.Set("Authorization", "Bearer guess") }}, http.StatusUnauthorized},
		{"admin unblocks", "DELETE", "/api/v1/blocks/1/1", "", []func(*http.Request){basic("netops", "pw")}, http.StatusOK},
		{"token unblocks", "DELETE", "/api/v1/blocks/1/3", "", []func(*http.Request){func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") }}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body, tt.mod...)
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.code, w.Body.String())
			}
			if w.Code == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate challenge")
			}
		})
	}
	if env.table.IsBlocked(anomaly.Key{Switch: 1, Port: 1}) || env.table.IsBlocked(anomaly.Key{Switch: 1, Port: 3}) {
		t.Error("admin unblocks did not release the ports")
	}
}

func TestAuthStreamTokenInQuery(t *testing.T) {
	auth := NewAuthMiddleware(config.APIConfig{Auth: config.APIAuthConfig{AuthToken: "s3cret"}}, testLogger())

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"dashboard token", "/api/v1/events/stream?token=s3cret&switch=1", roleAdmin},
		{"bad token", "/api/v1/events/stream?token=guess", ""},
		{"no token", "/api/v1/events/stream", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", tt.url, nil)
			if got := auth.authenticateAndGetRole(req); got != tt.want {
				t.Errorf("role = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthReloadRevokesOperator(t *testing.T) {
	users := operators(t)
	env := newTestEnv(t, config.APIConfig{Auth: config.APIAuthConfig{Users: users}})

	w := env.do(t, "GET", "/api/v1/auth/me", "", basic("noc", "pw"))
	var me map[string]interface{}
	decode(t, w, &me)
	if me["role"] != roleViewer || me["username"] != "noc" {
		t.Fatalf("me = %v", me)
	}

	// a config reload that drops the viewer locks them out of reads
	env.srv.UpdateUsers(users[:1])
	if w := env.do(t, "GET", "/api/v1/blocks", "", basic("noc", "pw")); w.Code != http.StatusUnauthorized {
		t.Errorf("revoked viewer read = %d, want 401", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/blocks", "", basic("netops", "pw")); w.Code != http.StatusOK {
		t.Errorf("remaining admin read = %d, want 200", w.Code)
	}
}
