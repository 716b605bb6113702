// Package auth provides the bearer-token middleware guarding the MCP
// surface, plus the scope helpers used by tool handlers.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/ethpandaops/xatu-mcp/pkg/authserver"
	"github.com/ethpandaops/xatu-mcp/pkg/authserver/storage"
	"github.com/ethpandaops/xatu-mcp/pkg/config"
	"github.com/ethpandaops/xatu-mcp/pkg/logger"
	"github.com/ethpandaops/xatu-mcp/pkg/telemetry"
	"github.com/ethpandaops/xatu-mcp/pkg/tokens"
)

// Identity is the authenticated subject attached to the request context.
type Identity struct {
	User    *storage.User
	Session *storage.Session
	Claims  *tokens.Claims

	// Scopes is the parsed scope claim.
	Scopes []string
}

// HasScope reports whether the identity holds the given scope.
func (i *Identity) HasScope(scope string) bool {
	return i != nil && slices.Contains(i.Scopes, scope)
}

type contextKey string

const identityKey contextKey = "xatu-mcp.identity"

// IdentityFromContext returns the authenticated identity, or nil when the
// request was not authenticated (public path or auth disabled).
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityKey).(*Identity)
	return identity
}

// WithIdentity returns a context carrying the identity. Exported for tests.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// publicPaths are reachable without a bearer token. The set is closed:
// exact paths here, prefix matches below, everything else is protected.
var publicPaths = map[string]struct{}{
	"/":       {},
	"/health": {},
	"/ready":  {},
	authserver.ProtectedResourcePath:   {},
	authserver.AuthorizationServerPath: {},
	authserver.OpenIDConfigurationPath: {},
}

var publicPrefixes = []string{"/auth/", "/.well-known/"}

// IsPublicPath reports whether the path is reachable without authentication.
func IsPublicPath(path string) bool {
	if _, ok := publicPaths[path]; ok {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware gates every non-public request behind a validated bearer token
// and resolves it to a live session and user.
type Middleware struct {
	enabled bool
	baseURL string
	store   storage.Store
	tokens  *tokens.Manager
	metrics *telemetry.Metrics
}

// NewMiddleware creates the bearer middleware. When auth is disabled the
// middleware passes every request through untouched.
func NewMiddleware(
	cfg *config.Config,
	store storage.Store,
	tokenManager *tokens.Manager,
	metrics *telemetry.Metrics,
) *Middleware {
	return &Middleware{
		enabled: cfg.Auth.Enabled,
		baseURL: cfg.CanonicalBaseURL(),
		store:   store,
		tokens:  tokenManager,
		metrics: metrics,
	}
}

// Handler wraps next with bearer authentication.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled || IsPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := m.authenticate(r)
		if err != nil {
			m.metrics.RecordAuthAttempt("invalid_token")
			m.challenge(w, authserver.ErrorInvalidToken, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, fmt.Errorf("Authorization header must use the Bearer scheme")
	}

	claims, err := m.tokens.Validate(strings.TrimPrefix(header, prefix), m.baseURL, tokens.TokenTypeAccess)
	if err != nil {
		logger.Debugw("token validation failed", "error", err.Error())
		return nil, fmt.Errorf("invalid or expired token")
	}

	session, err := m.store.GetSessionByAccessJTI(r.Context(), claims.JTI)
	if err != nil {
		// Signature is fine but the jti was rotated out or revoked.
		return nil, fmt.Errorf("token is no longer valid")
	}

	if !session.IsValid() {
		// The access token can outlive its session when the refresh TTL is
		// shorter, or in the window before the sweeper evicts the record.
		return nil, fmt.Errorf("session has expired")
	}

	user, err := m.store.GetUser(r.Context(), session.UserID)
	if err != nil {
		return nil, fmt.Errorf("unknown subject")
	}

	return &Identity{
		User:    user,
		Session: session,
		Claims:  claims,
		Scopes:  strings.Fields(claims.Scope),
	}, nil
}

// challenge writes a 401 with a WWW-Authenticate header pointing at the
// protected resource metadata.
func (m *Middleware) challenge(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate",
		authserver.FormatWWWAuthenticate(m.baseURL, code, description, nil))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q,"error_description":%q}`, code, description)
}

// RequireScope checks that the request's identity holds the scope. It
// returns nil when auth is disabled (no identity attached). A denial is an
// error the caller renders; WriteScopeError produces the HTTP form.
func RequireScope(ctx context.Context, scope string) error {
	identity := IdentityFromContext(ctx)
	if identity == nil {
		// No identity means the middleware was bypassed (auth disabled).
		return nil
	}

	if !identity.HasScope(scope) {
		return fmt.Errorf("missing required scope %s", scope)
	}

	return nil
}

// WriteScopeError writes the 403 insufficient_scope response, naming the
// required scope in the challenge.
func WriteScopeError(w http.ResponseWriter, baseURL, scope string) {
	description := fmt.Sprintf("the %s scope is required", scope)
	w.Header().Set("WWW-Authenticate",
		authserver.FormatWWWAuthenticate(baseURL, authserver.ErrorInsufficientScope, description,
			map[string]string{"scope": scope}))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = fmt.Fprintf(w, `{"error":%q,"error_description":%q}`,
		authserver.ErrorInsufficientScope, description)
}
