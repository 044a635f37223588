package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"reelflow/internal/response"
)

// OwnerHeader carries the acting user when authenticating with the API key.
const OwnerHeader = "X-Owner-ID"

type Config struct {
	APIKey    string
	JWTSecret string
}

type contextKey struct{}

// WithOwner returns a copy of ctx carrying the authenticated user's ID.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, contextKey{}, owner)
}

// OwnerFromContext returns the authenticated user's ID, if any.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(contextKey{}).(string)
	return owner, ok && owner != ""
}

// Middleware authenticates with either a Bearer JWT (owner from the sub claim)
// or the shared API key (owner from X-Owner-ID). With nothing configured every
// request passes, which is meant for development only.
func Middleware(config *Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.APIKey == "" && config.JWTSecret == "" {
				next.ServeHTTP(w, withHeaderOwner(r))
				return
			}

			// Check Authorization header (Bearer token)
			if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && token != "" {
				if config.APIKey != "" && equal(token, config.APIKey) {
					next.ServeHTTP(w, withHeaderOwner(r))
					return
				}
				if config.JWTSecret != "" {
					if sub, err := subject(token, config.JWTSecret); err == nil {
						next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), sub)))
						return
					}
				}
			}

			// Check X-API-Key header
			if key := r.Header.Get("X-API-Key"); config.APIKey != "" && key != "" && equal(key, config.APIKey) {
				next.ServeHTTP(w, withHeaderOwner(r))
				return
			}

			writeUnauthorized(w)
		})
	}
}

func withHeaderOwner(r *http.Request) *http.Request {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		return r
	}
	return r.WithContext(WithOwner(r.Context(), owner))
}

func subject(token, secret string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", err
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return sub, nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeUnauthorized(w http.ResponseWriter) {
	response.Error(w, http.StatusUnauthorized, response.CodeUnauthorized,
		"Invalid or missing credentials",
		"Provide a token via Authorization: Bearer <token> or X-API-Key: <key>")
}
