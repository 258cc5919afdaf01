// Package identity provides API-key authentication and request-scoped identity values.
package identity

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

const (
	// APIKeyHeader carries the client's key.
	APIKeyHeader = "X-API-Key"
)

// Principal is the role an API key grants.
type Principal string

const (
	PrincipalAdmin     Principal = "admin"
	PrincipalUser      Principal = "user"
	PrincipalAnonymous Principal = "anonymous"
)

type contextKey int

const (
	principalKey contextKey = iota
	sessionIDKey
	clientIPKey
)

// Keys holds the accepted API keys. Auth is disabled when both are empty.
type Keys struct {
	Admin string
	User  string
}

// Enabled reports whether any key is configured.
func (k Keys) Enabled() bool {
	return k.Admin != "" || k.User != ""
}

// Resolve maps a presented key to a principal.
func (k Keys) Resolve(presented string) (Principal, bool) {
	if !k.Enabled() {
		return PrincipalAnonymous, true
	}
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return "", false
	}
	if k.Admin != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(k.Admin)) == 1 {
		return PrincipalAdmin, true
	}
	if k.User != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(k.User)) == 1 {
		return PrincipalUser, true
	}
	return "", false
}

// PrincipalFromContext extracts the authenticated principal.
func PrincipalFromContext(ctx context.Context) Principal {
	if v, ok := ctx.Value(principalKey).(Principal); ok {
		return v
	}
	return PrincipalAnonymous
}

// WithPrincipal stores the principal in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// WithSessionID stores the chat session id in ctx.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionIDFromContext extracts the chat session id, or "" when none is set.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// ClientIPFromContext returns the caller address captured by Middleware.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok {
		return v
	}
	return ""
}

// Middleware rejects requests without a valid X-API-Key when keys are
// configured, and records the principal and client address on the context.
func Middleware(keys Keys) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := IPFromRequest(r)
			principal, ok := keys.Resolve(r.Header.Get(APIKeyHeader))
			if !ok {
				slog.Warn("Unauthorized request", "path", r.URL.Path, "remote_ip", ip)
				w.Header().Set("Content-Type", "application/json")
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithPrincipal(r.Context(), principal)
			ctx = context.WithValue(ctx, clientIPKey, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
