package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// =============================================================================
// Basic Auth
// =============================================================================

// BasicAuthMiddleware guards an endpoint with HTTP basic authentication.
type BasicAuthMiddleware struct {
	realm    string
	username string
	password string
	enabled  bool
}

// NewBasicAuthMiddleware creates a basic auth middleware for realm. If both
// username and password are empty, authentication is disabled.
func NewBasicAuthMiddleware(realm, username, password string) *BasicAuthMiddleware {
	return &BasicAuthMiddleware{
		realm:    realm,
		username: username,
		password: password,
		enabled:  username != "" || password != "",
	}
}

// Handler returns middleware that requires basic authentication.
func (m *BasicAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || !equal(user, m.username) || !equal(pass, m.password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+m.realm+`"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// API Token
// =============================================================================

// TokenAuthMiddleware requires a static bearer token on API requests.
type TokenAuthMiddleware struct {
	token  string
	logger *slog.Logger
}

// NewTokenAuthMiddleware creates a bearer token middleware. An empty token
// disables the check.
func NewTokenAuthMiddleware(token string, logger *slog.Logger) *TokenAuthMiddleware {
	return &TokenAuthMiddleware{
		token:  token,
		logger: logger,
	}
}

// Handler returns middleware that rejects requests without the token.
// Browsers cannot set headers on EventSource, so ?access_token= is accepted
// as well.
func (m *TokenAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !equal(bearerToken(r), m.token) {
			m.logger.Info("rejected api request",
				"path", r.URL.Path,
				"ip", getClientIP(r),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "A valid API token is required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// equal compares in constant time.
func equal(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// writeError writes the same error body as the API handlers.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}
