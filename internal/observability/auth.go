// Package observability carries HTTP middleware shared by the API routes.
package observability

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// publicPaths skip the key check so probes and version pings keep working
// when auth is on.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/version": true,
}

// APIKey gates requests behind a shared key, read from the X-API-Key header
// or a bearer token. An empty requiredKey disables the check entirely.
func APIKey(requiredKey string) func(http.Handler) http.Handler {
	required := strings.TrimSpace(requiredKey)
	if required == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if subtle.ConstantTimeCompare([]byte(candidateKey(r)), []byte(required)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{
						"code":    "unauthorized",
						"message": "missing or invalid api key",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func candidateKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
