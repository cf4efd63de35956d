package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/floodgate-sdn/floodgate/internal/config"
)

const (
	roleAdmin  = "admin"
	roleViewer = "viewer"
)

// AuthMiddleware handles Bearer token and basic authentication.
type AuthMiddleware struct {
	bearerToken string
	logger      *slog.Logger

	mu    sync.RWMutex
	users []config.UserConfig
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(cfg config.APIConfig, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		bearerToken: cfg.Auth.AuthToken,
		users:       cfg.Auth.Users,
		logger:      logger,
	}
}

// RequireAuth wraps a handler to require authentication (any role).
func (a *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.authenticateAndGetRole(r) == "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="floodgate"`)
			JSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next(w, r)
	}
}

// RequireAdmin wraps a handler to require admin role.
func (a *AuthMiddleware) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := a.authenticateAndGetRole(r)
		if role == "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="floodgate"`)
			JSONError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if role != roleAdmin {
			JSONError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next(w, r)
	}
}

// authenticateAndGetRole returns the role if authenticated, empty string otherwise.
func (a *AuthMiddleware) authenticateAndGetRole(r *http.Request) string {
	// No auth configured; allow everything as admin
	if !a.AuthRequired() {
		return roleAdmin
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if a.tokenMatches(token) {
			return roleAdmin
		}
		return ""
	}

	if strings.HasPrefix(authHeader, "Basic ") {
		if username, password, ok := r.BasicAuth(); ok {
			return a.checkUserCredentials(username, password)
		}
		return ""
	}

	// Query parameter for EventSource clients, which cannot set headers
	if token := r.URL.Query().Get("token"); token != "" && a.tokenMatches(token) {
		return roleAdmin
	}

	return ""
}

func (a *AuthMiddleware) tokenMatches(token string) bool {
	return a.bearerToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1
}

// checkUserCredentials validates username/password against configured users.
func (a *AuthMiddleware) checkUserCredentials(username, password string) string {
	a.mu.RLock()
	users := make([]config.UserConfig, len(a.users))
	copy(users, a.users)
	a.mu.RUnlock()

	for _, user := range users {
		if user.Username == username {
			if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err == nil {
				return user.Role
			}
			a.logger.Warn("failed basic auth attempt", "username", username)
			return ""
		}
	}
	return ""
}

// AuthRequired returns true if auth is configured (users or bearer token set).
func (a *AuthMiddleware) AuthRequired() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bearerToken != "" || len(a.users) > 0
}

// UpdateUsers replaces the user list at runtime.
func (a *AuthMiddleware) UpdateUsers(users []config.UserConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users = users
}

// handleMe returns the current caller's role.
// GET /api/v1/auth/me
func (a *AuthMiddleware) handleMe(w http.ResponseWriter, r *http.Request) {
	role := a.authenticateAndGetRole(r)
	resp := map[string]interface{}{
		"authenticated": role != "",
		"auth_required": a.AuthRequired(),
	}
	if role != "" {
		resp["role"] = role
		if u, _, ok := r.BasicAuth(); ok {
			resp["username"] = u
		} else {
			resp["username"] = "api"
		}
	}
	JSONResponse(w, http.StatusOK, resp)
}
