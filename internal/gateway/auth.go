package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware checks API keys on every route except /healthz. With no
// keys configured it lets everything through.
type AuthMiddleware struct {
	keys [][]byte
}

func NewAuthMiddleware(keys []string) *AuthMiddleware {
	am := &AuthMiddleware{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			am.keys = append(am.keys, []byte(k))
		}
	}
	return am
}

func (am *AuthMiddleware) Enabled() bool { return len(am.keys) > 0 }

// Wrap wraps an http.Handler with API key authentication checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if !am.valid(key) {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key
// query param. Browsers cannot set headers on a websocket upgrade, hence the
// query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// valid compares in constant time against every key.
func (am *AuthMiddleware) valid(candidate string) bool {
	ok := false
	for _, k := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), k) == 1 {
			ok = true
		}
	}
	return ok
}
