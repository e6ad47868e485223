// API authentication middleware, static bearer token.
//
// Every request except GET /api/health must carry one of:
//
//	Authorization: Bearer <api_key>
//	X-API-Key: <api_key>
//
// WebSocket upgrades may pass the token as a query parameter instead:
//
//	ws://host/api/ws?token=<api_key>
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sipeed/wabot/pkg/logger"
)

// authMiddleware wraps a handler with bearer token checking. An empty apiKey
// disables the check; NewServer generates a key so this only happens when
// the random source fails.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		logger.WarnC("auth", "API auth disabled, no key available")
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !tokenValid(extractToken(r), apiKey) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="wabot"`)
			writeError(w, http.StatusUnauthorized, "unauthorized, bearer token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken pulls the token from the Authorization header, the X-API-Key
// header or the ?token= query parameter, in that order.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return r.URL.Query().Get("token")
}

// tokenValid compares in constant time.
func tokenValid(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

func isPublicPath(path string) bool {
	return path == "/api/health"
}
