// Package auth provides the bearer-token authentication middleware for the
// sync API. Validated claims become an AuthContext carried on the request
// context; every store access downstream is scoped by it.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/learnloop/sync-server/internal/models"
)

// RFC 6750 Section 3 error codes
const (
	// errorCodeInvalidRequest indicates the request is missing a required parameter,
	// includes an unsupported parameter or parameter value, or is otherwise malformed.
	errorCodeInvalidRequest = "invalid_request"

	// errorCodeInvalidToken indicates the access token provided is expired, revoked,
	// malformed, or invalid for other reasons.
	errorCodeInvalidToken = "invalid_token"
)

// defaultRealm is the default protection space identifier
const defaultRealm = "learnloop-sync"

// deviceHeader lets a device identify itself when the token carries no
// device_id claim (tokens are commonly shared across a user's devices).
const deviceHeader = "X-Device-Id"

// Claim names read from validated tokens.
const (
	claimTenant = "tenant_id"
	claimDevice = "device_id"
)

type contextKey struct{}

// FromContext returns the authenticated identity placed by the middleware.
func FromContext(ctx context.Context) (models.AuthContext, bool) {
	auth, ok := ctx.Value(contextKey{}).(models.AuthContext)
	return auth, ok
}

// WithAuthContext injects an identity into a context. Exposed for handler
// tests that bypass the middleware.
func WithAuthContext(ctx context.Context, auth models.AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

// Config holds the token validation settings.
type Config struct {
	// Secret is the HMAC signing key shared with the token issuer.
	Secret string
	// Issuer, when non-empty, must match the token's iss claim.
	Issuer string
	// Audience, when non-empty, must match one of the token's aud values.
	Audience string
	// Realm is the protection space reported in WWW-Authenticate headers.
	Realm string
}

// Middleware validates bearer tokens and scopes requests to the identity they
// carry.
type Middleware struct {
	secret   []byte
	realm    string
	parseOpt []jwt.ParserOption
}

// NewMiddleware creates the authentication middleware.
func NewMiddleware(cfg Config) (*Middleware, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth secret is required")
	}

	realm := cfg.Realm
	if realm == "" {
		realm = defaultRealm
	}

	parseOpt := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if cfg.Issuer != "" {
		parseOpt = append(parseOpt, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parseOpt = append(parseOpt, jwt.WithAudience(cfg.Audience))
	}

	return &Middleware{
		secret:   []byte(cfg.Secret),
		realm:    realm,
		parseOpt: parseOpt,
	}, nil
}

// Handler returns the HTTP middleware function that performs authentication.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r)
		if err != nil {
			slog.Warn("Token extraction failed",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path)
			m.writeError(w, http.StatusUnauthorized, errorCodeInvalidRequest, "missing or malformed authorization header")
			return
		}

		auth, err := m.validateToken(token, r)
		if err != nil {
			slog.Warn("Token validation failed",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path)
			m.writeError(w, http.StatusUnauthorized, errorCodeInvalidToken, "token validation failed")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), auth)))
	})
}

// validateToken parses and validates the token, then maps its claims to an
// AuthContext.
func (m *Middleware) validateToken(token string, r *http.Request) (models.AuthContext, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return m.secret, nil
	}, m.parseOpt...)
	if err != nil {
		return models.AuthContext{}, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return models.AuthContext{}, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}

	userID, err := claims.GetSubject()
	if err != nil || userID == "" {
		return models.AuthContext{}, fmt.Errorf("token missing sub claim")
	}
	tenantID, _ := claims[claimTenant].(string)
	if tenantID == "" {
		return models.AuthContext{}, fmt.Errorf("token missing %s claim", claimTenant)
	}

	deviceID, _ := claims[claimDevice].(string)
	if deviceID == "" {
		deviceID = r.Header.Get(deviceHeader)
	}
	if deviceID == "" {
		deviceID = "unknown"
	}

	return models.AuthContext{
		TenantID: tenantID,
		UserID:   userID,
		DeviceID: deviceID,
	}, nil
}

// extractBearerToken returns the bearer token from the Authorization header.
func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", fmt.Errorf("authorization header is not a bearer token")
	}
	return token, nil
}

// sanitizeHeaderValue removes characters that could enable header injection attacks.
// This includes newlines, carriage returns, and unescaped quotes.
func sanitizeHeaderValue(s string) string {
	// Fast path: no sanitization needed
	if !strings.ContainsAny(s, "\r\n\"") {
		return s
	}
	// Remove CR and LF to prevent header injection
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	// Escape quotes for use in quoted-string (RFC 7230)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// writeError writes a JSON error response with RFC 6750 compliant WWW-Authenticate header.
// The errCode parameter should be one of the RFC 6750 error codes (invalid_request, invalid_token).
func (m *Middleware) writeError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s", error="%s", error_description="%s"`,
		sanitizeHeaderValue(m.realm), errCode, sanitizeHeaderValue(description)))
	w.WriteHeader(status)

	resp := struct {
		Error string `json:"error"`
	}{
		Error: description,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}

// WrapWithPublicPaths wraps an auth middleware to bypass authentication for public paths.
// Requests to public paths are passed directly to the next handler without authentication,
// while all other requests go through the provided auth middleware.
func WrapWithPublicPaths(
	authMw func(http.Handler) http.Handler,
	publicPaths []string,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		// Pre-wrap the handler once during initialization, not per-request
		authWrappedNext := authMw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsPublicPath(r.URL.Path, publicPaths) {
				authWrappedNext.ServeHTTP(w, r)
			} else {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// IsPublicPath reports whether path matches one of the configured public
// paths. A trailing "/*" on an entry matches the whole subtree.
func IsPublicPath(path string, publicPaths []string) bool {
	for _, public := range publicPaths {
		if prefix, ok := strings.CutSuffix(public, "/*"); ok {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				return true
			}
			continue
		}
		if path == public {
			return true
		}
	}
	return false
}
