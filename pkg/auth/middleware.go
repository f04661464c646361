package auth

import (
	"context"
	"crypto/hmac"
	"net/http"
	"strings"

	"chatstream/pkg/config"
	"chatstream/pkg/logger"
)

type Role int

const (
	RoleUnauth Role = iota
	RoleFrontend
	RoleBackend
)

// SecConfig carries the security settings the middleware needs.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	FrontendKeys   map[string]struct{}
	BackendKeys    map[string]struct{}
}

type ctxOwnerKey struct{}

// Middleware authenticates requests by API key, applies CORS headers and
// per-key rate limits, and resolves the caller identity into the request
// context. Handlers read it back via OwnerIDFromContext.
func Middleware(cfg SecConfig) func(http.Handler) http.Handler {
	limiters := &limiterPool{cfg: cfg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, cfg.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key,X-User-ID,X-User-Signature")
				w.Header().Set("Access-Control-Max-Age", "600")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			// Health and metrics probes cannot send API keys.
			if r.Method == http.MethodGet && (r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics") {
				next.ServeHTTP(w, r)
				return
			}

			role, key := authenticate(r, cfg)
			if role == RoleUnauth {
				logger.Warn("request_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			owner, err := resolveIdentity(r, role)
			if err != nil {
				logger.Warn("identity_rejected", "path", r.URL.Path, "error", err)
				http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
				return
			}

			if !limiters.Allow(key) {
				logger.Warn("rate_limited", "path", r.URL.Path)
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			ctx := context.WithValue(r.Context(), ctxOwnerKey{}, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticate classifies the caller by API key. Keys arrive either as
// `Authorization: Bearer <key>` or in X-API-Key.
func authenticate(r *http.Request, cfg SecConfig) (Role, string) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		h := r.Header.Get("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			key = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	if key == "" {
		return RoleUnauth, clientIP(r)
	}
	if _, ok := cfg.BackendKeys[key]; ok {
		return RoleBackend, key
	}
	if _, ok := cfg.FrontendKeys[key]; ok {
		return RoleFrontend, key
	}
	return RoleUnauth, clientIP(r)
}

// resolveIdentity extracts the owner identity from X-User-ID. Frontend
// callers must present an HMAC-SHA256 signature over the user id computed
// with one of the configured signing keys; backend callers are trusted.
func resolveIdentity(r *http.Request, role Role) (string, error) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		return "", errUserIDRequired
	}
	if role == RoleBackend {
		return userID, nil
	}
	sig := strings.TrimSpace(r.Header.Get("X-User-Signature"))
	if sig == "" {
		return "", errSignatureRequired
	}
	for k := range config.GetSigningKeys() {
		if hmac.Equal([]byte(SignUserID(k, userID)), []byte(sig)) {
			return userID, nil
		}
	}
	return "", errInvalidSignature
}

// OwnerIDFromContext returns the verified owner id or empty string.
func OwnerIDFromContext(ctx context.Context) string {
	if v := ctx.Value(ctxOwnerKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithOwner returns a context carrying the given owner identity. Used by
// tests and by internal callers that bypass the HTTP middleware.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ctxOwnerKey{}, owner)
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
