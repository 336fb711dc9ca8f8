// ABOUTME: HTTP middleware authenticating API callers by API key or tenant JWT
// ABOUTME: Attaches an AuthContext; disabled auth grants operator access to everyone

package auth

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// APIKeyHeader carries the operator API key.
const APIKeyHeader = "x-api-key"

// Config selects the accepted credentials. With neither set, every request
// is treated as an operator.
type Config struct {
	APIKey   string
	Verifier TokenVerifier
}

// Enabled reports whether any credential is configured.
func (c Config) Enabled() bool {
	return c.APIKey != "" || c.Verifier != nil
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": "unauthorized"})
}

// Middleware authenticates every request. An x-api-key header is checked
// first; otherwise a bearer token is verified and scoped to its session.
func Middleware(cfg Config, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")
	if !cfg.Enabled() {
		logger.Warn("no api key or jwt secret configured, authentication disabled")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled() {
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{Operator: true})))
				return
			}

			if key := r.Header.Get(APIKeyHeader); key != "" {
				if cfg.APIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) != 1 {
					logger.Debug("rejected api key", "path", r.URL.Path, "remote", r.RemoteAddr)
					unauthorized(w, "invalid api key")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{Operator: true})))
				return
			}

			if cfg.Verifier == nil {
				unauthorized(w, "missing api key")
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				unauthorized(w, errMsg)
				return
			}

			sessionID, err := cfg.Verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected token", "path", r.URL.Path, "error", err)
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{SessionID: sessionID})))
		})
	}
}
