// Package authserver implements the gateway's OAuth 2.1 authorization server.
//
// The gateway is both the authorization server and the protected resource:
// it brokers authentication to GitHub, then mints its own audience-bound
// tokens for the MCP surface. Clients are public (PKCE, no client secret)
// and identify themselves by client_id alone.
package authserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ethpandaops/xatu-mcp/pkg/authserver/github"
	"github.com/ethpandaops/xatu-mcp/pkg/authserver/storage"
	"github.com/ethpandaops/xatu-mcp/pkg/config"
	"github.com/ethpandaops/xatu-mcp/pkg/logger"
	"github.com/ethpandaops/xatu-mcp/pkg/telemetry"
	"github.com/ethpandaops/xatu-mcp/pkg/tokens"
)

// OAuth error codes used in error response bodies.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidToken            = "invalid_token"
	ErrorInvalidTarget           = "invalid_target"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorInsufficientScope       = "insufficient_scope"
	ErrorServerError             = "server_error"
)

// IdentityProvider is the upstream IdP surface the server depends on.
// *github.Client is the production implementation.
type IdentityProvider interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (string, error)
	GetUser(ctx context.Context, accessToken string) (*github.User, error)
	UserOrganizations(ctx context.Context, accessToken string) ([]string, error)
}

// Server hosts the OAuth endpoints and the two metadata documents.
type Server struct {
	baseURL     string
	allowedOrgs []string
	store       storage.Store
	tokens      *tokens.Manager
	idp         IdentityProvider
	metrics     *telemetry.Metrics
}

// New creates an authorization server.
func New(
	cfg *config.Config,
	store storage.Store,
	tokenManager *tokens.Manager,
	idp IdentityProvider,
	metrics *telemetry.Metrics,
) *Server {
	return &Server{
		baseURL:     cfg.CanonicalBaseURL(),
		allowedOrgs: cfg.Auth.AllowedOrgs,
		store:       store,
		tokens:      tokenManager,
		idp:         idp,
		metrics:     metrics,
	}
}

// Mount registers the server's routes on the given router.
func (s *Server) Mount(r chi.Router) {
	r.Get(ProtectedResourcePath, s.handleProtectedResource)
	r.Get(AuthorizationServerPath, s.handleAuthorizationServer)
	r.Get(OpenIDConfigurationPath, s.handleOpenIDConfiguration)

	r.Get("/auth/login", s.handleLogin)
	r.Get("/auth/authorize", s.handleAuthorize)
	r.Get("/auth/github/callback", s.handleCallback)
	r.Post("/auth/token", s.handleToken)
	r.Post("/auth/revoke", s.handleRevoke)
	r.Get("/auth/userinfo", s.handleUserinfo)
}

// oauthError is the {error, error_description} response body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oauthError{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// randomToken returns n bytes of entropy, base64url-encoded without padding.
func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// validateRedirectURI enforces the redirect policy: loopback hosts may use
// any scheme (native clients bind ephemeral localhost ports), everything
// else must be HTTPS with a host.
func validateRedirectURI(raw string) error {
	if raw == "" {
		return fmt.Errorf("redirect_uri is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect_uri is not a valid URL")
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("redirect_uri must have a host")
	}

	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return nil
	}

	if u.Scheme != "https" {
		return fmt.Errorf("redirect_uri must use https for non-loopback hosts")
	}

	return nil
}

// handleAuthorize serves GET /auth/authorize. It validates the client's
// request, parks it as a pending authorization and redirects to GitHub.
// Validation failures are answered directly, never via redirect.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if rt := q.Get("response_type"); rt != "code" {
		writeOAuthError(w, http.StatusBadRequest, ErrorUnsupportedResponseType,
			"only response_type=code is supported")
		return
	}

	clientID := q.Get("client_id")
	if clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "client_id is required")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if err := validateRedirectURI(redirectURI); err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, err.Error())
		return
	}

	challenge := q.Get("code_challenge")
	if challenge == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "code_challenge is required")
		return
	}

	if method := q.Get("code_challenge_method"); method != storage.PKCEMethodS256 {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"code_challenge_method must be S256")
		return
	}

	resource := q.Get("resource")
	if resource == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"resource is required (RFC 8707)")
		return
	}

	scope := q.Get("scope")
	if scope == "" {
		scope = strings.Join(SupportedScopes, " ")
	}

	internalState := randomToken(32)

	pending := &storage.PendingAuthorization{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		State:       q.Get("state"),
		PKCE: storage.PKCEChallenge{
			Challenge: challenge,
			Method:    storage.PKCEMethodS256,
		},
		Scope:     scope,
		Resource:  tokens.CanonicalAudience(resource),
		CreatedAt: time.Now(),
	}

	if err := s.store.StorePendingAuthorization(r.Context(), internalState, pending); err != nil {
		logger.Errorw("failed to store pending authorization", "error", err.Error())
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "storage failure")
		return
	}

	logger.Infow("authorization request started", "client_id", clientID)

	http.Redirect(w, r, s.idp.AuthorizationURL(internalState), http.StatusFound)
}

// handleCallback serves GET /auth/github/callback: the return leg of the
// GitHub round-trip. On success it mints a local authorization code and
// redirects back to the client.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		logger.Warnw("github returned an oauth error",
			"error", errCode,
			"description", q.Get("error_description"),
		)
		s.metrics.RecordAuthAttempt("idp_error")
		s.renderErrorPage(w, http.StatusBadGateway, "Authentication failed",
			"GitHub did not complete the sign-in. Please try again.")
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "code and state are required")
		return
	}

	pending, err := s.store.ConsumePendingAuthorization(r.Context(), state)
	if err != nil {
		logger.Warnw("no pending authorization for callback state", "error", err.Error())
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "unknown or expired state")
		return
	}

	idpToken, err := s.idp.ExchangeCode(r.Context(), code)
	if err != nil {
		var oauthErr *github.OAuthError
		if errors.As(err, &oauthErr) {
			logger.Warnw("github code exchange rejected",
				"code", oauthErr.Code,
				"description", oauthErr.Description,
			)
		} else {
			logger.Errorw("github code exchange failed", "error", err.Error())
		}
		s.metrics.RecordAuthAttempt("idp_error")
		s.renderErrorPage(w, http.StatusBadGateway, "Authentication failed",
			"GitHub did not complete the sign-in. Please try again.")
		return
	}

	profile, err := s.idp.GetUser(r.Context(), idpToken)
	if err != nil {
		logger.Errorw("failed to fetch github profile", "error", err.Error())
		s.metrics.RecordAuthAttempt("idp_error")
		s.renderErrorPage(w, http.StatusBadGateway, "Authentication failed",
			"GitHub did not complete the sign-in. Please try again.")
		return
	}

	if !s.orgAllowed(profile.Organizations) {
		logger.Warnw("user denied by organization policy", "login", profile.Login)
		s.metrics.RecordAuthAttempt("org_denied")
		// The denial page never names permitted or held organizations.
		s.renderErrorPage(w, http.StatusForbidden, "Access denied",
			"Your GitHub account is not authorized to use this service.")
		return
	}

	user, err := s.store.UpsertUser(r.Context(), &storage.User{
		ID:            uuid.NewString(),
		GitHubID:      profile.ID,
		Login:         profile.Login,
		Name:          profile.Name,
		Email:         profile.Email,
		AvatarURL:     profile.AvatarURL,
		Organizations: profile.Organizations,
	})
	if err != nil {
		logger.Errorw("failed to upsert user", "error", err.Error())
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "storage failure")
		return
	}

	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:        randomToken(32),
		UserID:      user.ID,
		ClientID:    pending.ClientID,
		RedirectURI: pending.RedirectURI,
		Scope:       pending.Scope,
		Resource:    pending.Resource,
		PKCE:        pending.PKCE,
		IdPToken:    idpToken,
		CreatedAt:   now,
		ExpiresAt:   now.Add(storage.DefaultAuthCodeTTL),
	}

	if err := s.store.SaveAuthorizationCode(r.Context(), authCode); err != nil {
		logger.Errorw("failed to save authorization code", "error", err.Error())
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "storage failure")
		return
	}

	redirect, err := url.Parse(pending.RedirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "invalid redirect_uri")
		return
	}

	rq := redirect.Query()
	rq.Set("code", authCode.Code)
	if pending.State != "" {
		rq.Set("state", pending.State)
	}
	redirect.RawQuery = rq.Encode()

	logger.Infow("issued authorization code", "login", user.Login, "client_id", pending.ClientID)

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// orgAllowed reports whether any of the user's orgs is in the allow list.
// An empty list means no policy.
func (s *Server) orgAllowed(userOrgs []string) bool {
	if len(s.allowedOrgs) == 0 {
		return true
	}
	for _, org := range userOrgs {
		if slices.Contains(s.allowedOrgs, org) {
			return true
		}
	}
	return false
}

// tokenResponse is the /auth/token success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// handleToken serves POST /auth/token for both grant types.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "malformed form body")
		return
	}

	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case "authorization_code":
		s.handleCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, ErrorUnsupportedGrantType,
			fmt.Sprintf("unsupported grant_type %q", grantType))
	}
}

func (s *Server) handleCodeGrant(w http.ResponseWriter, r *http.Request) {
	form := r.PostForm

	code := form.Get("code")
	redirectURI := form.Get("redirect_uri")
	clientID := form.Get("client_id")
	verifier := form.Get("code_verifier")
	resource := form.Get("resource")

	if code == "" || redirectURI == "" || clientID == "" || verifier == "" || resource == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest,
			"code, redirect_uri, client_id, code_verifier and resource are required")
		return
	}

	stored, err := s.store.ConsumeAuthorizationCode(r.Context(), code)
	if err != nil {
		logger.Warnw("authorization code rejected", "error", err.Error())
		s.metrics.RecordAuthAttempt("invalid_grant")
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"authorization code is invalid, expired or already used")
		return
	}

	// Binding checks: the exchange must restate exactly what was authorized.
	if stored.ClientID != clientID || stored.RedirectURI != redirectURI {
		s.metrics.RecordAuthAttempt("invalid_grant")
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"client_id or redirect_uri does not match the authorization request")
		return
	}

	if stored.Resource != tokens.CanonicalAudience(resource) {
		s.metrics.RecordAuthAttempt("invalid_grant")
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidTarget,
			"resource does not match the authorization request")
		return
	}

	if !stored.PKCE.Verify(verifier) {
		logger.Warnw("pkce verification failed", "client_id", clientID)
		s.metrics.RecordAuthAttempt("invalid_grant")
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant, "PKCE verification failed")
		return
	}

	pair, err := s.tokens.IssuePair(stored.UserID, clientID, stored.Scope, stored.Resource)
	if err != nil {
		logger.Errorw("failed to issue token pair", "error", err.Error())
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "token issuance failed")
		return
	}

	session := &storage.Session{
		ID:         uuid.NewString(),
		UserID:     stored.UserID,
		ClientID:   clientID,
		Scope:      stored.Scope,
		Resource:   stored.Resource,
		AccessJTI:  pair.AccessJTI,
		RefreshJTI: pair.RefreshJTI,
		IdPToken:   stored.IdPToken,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(s.tokens.RefreshTTL()),
	}

	if err := s.store.CreateSession(r.Context(), session); err != nil {
		logger.Errorw("failed to create session", "error", err.Error())
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "storage failure")
		return
	}

	s.metrics.RecordAuthAttempt("success")
	s.publishSessionCount(r.Context())

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.tokens.AccessTTL().Seconds()),
		RefreshToken: pair.RefreshToken,
		Scope:        stored.Scope,
	})
}

func (s *Server) handleRefreshGrant(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidRequest, "refresh_token is required")
		return
	}

	claims, err := s.tokens.Validate(refreshToken, s.baseURL, tokens.TokenTypeRefresh)
	if err != nil {
		logger.Warnw("refresh token rejected", "error", err.Error())
		s.metrics.RecordAuthAttempt("invalid_grant")
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant, "refresh token is invalid")
		return
	}

	session, err := s.store.GetSessionByRefreshJTI(r.Context(), claims.JTI)
	if err != nil {
		// Valid signature but no session: the token was rotated out or the
		// session was revoked.
		s.metrics.RecordAuthAttempt("invalid_grant")
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant, "refresh token is no longer valid")
		return
	}

	if time.Now().After(session.ExpiresAt) {
		s.metrics.RecordAuthAttempt("invalid_grant")
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant, "session has expired")
		return
	}

	if err := s.recheckOrgPolicy(r.Context(), session); err != nil {
		logger.Warnw("session revoked by organization policy", "session_id", session.ID)
		s.metrics.RecordAuthAttempt("org_denied")
		if delErr := s.store.DeleteSession(r.Context(), session.ID); delErr != nil {
			logger.Errorw("failed to revoke session", "error", delErr.Error())
		}
		s.publishSessionCount(r.Context())
		writeOAuthError(w, http.StatusBadRequest, ErrorInvalidGrant,
			"account is no longer authorized")
		return
	}

	pair, err := s.tokens.IssuePair(session.UserID, session.ClientID, session.Scope, session.Resource)
	if err != nil {
		logger.Errorw("failed to issue token pair", "error", err.Error())
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "token issuance failed")
		return
	}

	expiresAt := time.Now().Add(s.tokens.RefreshTTL())
	if err := s.store.RotateSessionTokens(r.Context(), session.ID, pair.AccessJTI, pair.RefreshJTI, expiresAt); err != nil {
		logger.Errorw("failed to rotate session tokens", "error", err.Error())
		writeOAuthError(w, http.StatusInternalServerError, ErrorServerError, "storage failure")
		return
	}

	s.metrics.RecordAuthAttempt("refresh_success")

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.tokens.AccessTTL().Seconds()),
		RefreshToken: pair.RefreshToken,
		Scope:        session.Scope,
	})
}

// recheckOrgPolicy re-evaluates the org allow list for a refreshing session.
// Membership is re-fetched from GitHub when possible; if GitHub is
// unreachable the stored membership from the last login is used instead, so
// an upstream outage does not lock everyone out.
func (s *Server) recheckOrgPolicy(ctx context.Context, session *storage.Session) error {
	if len(s.allowedOrgs) == 0 {
		return nil
	}

	user, err := s.store.GetUser(ctx, session.UserID)
	if err != nil {
		return fmt.Errorf("user lookup failed: %w", err)
	}

	orgs := user.Organizations

	if session.IdPToken != "" {
		fresh, err := s.idp.UserOrganizations(ctx, session.IdPToken)
		if err != nil {
			logger.Warnw("org re-fetch failed, using stored membership", "error", err.Error())
		} else {
			orgs = fresh
			user.Organizations = fresh
			if _, err := s.store.UpsertUser(ctx, user); err != nil {
				logger.Warnw("failed to persist refreshed orgs", "error", err.Error())
			}
		}
	}

	if !s.orgAllowed(orgs) {
		return fmt.Errorf("organization policy not satisfied")
	}

	return nil
}

// handleRevoke serves POST /auth/revoke. Per RFC 7009 revocation is
// best-effort: the response is 200 even when the token is unparseable or
// unknown.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	claims, err := s.tokens.DecodeUnsafe(token)
	if err != nil {
		logger.Debugw("revoke called with unparseable token")
		w.WriteHeader(http.StatusOK)
		return
	}

	jti, _ := claims["jti"].(string)
	tokenType, _ := claims["token_type"].(string)
	if jti == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	var session *storage.Session
	if tokenType == tokens.TokenTypeRefresh {
		session, err = s.store.GetSessionByRefreshJTI(r.Context(), jti)
	} else {
		session, err = s.store.GetSessionByAccessJTI(r.Context(), jti)
	}
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.store.DeleteSession(r.Context(), session.ID); err != nil {
		logger.Warnw("failed to delete session on revoke", "error", err.Error())
	} else {
		logger.Infow("session revoked", "session_id", session.ID)
	}
	s.publishSessionCount(r.Context())

	w.WriteHeader(http.StatusOK)
}

// handleUserinfo serves GET /auth/userinfo. The /auth/ prefix is public, so
// this handler authenticates the bearer token itself.
func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		s.unauthorized(w, "missing bearer token")
		return
	}

	claims, err := s.tokens.Validate(strings.TrimPrefix(header, prefix), s.baseURL, tokens.TokenTypeAccess)
	if err != nil {
		s.unauthorized(w, "invalid or expired token")
		return
	}

	session, err := s.store.GetSessionByAccessJTI(r.Context(), claims.JTI)
	if err != nil {
		s.unauthorized(w, "token is no longer valid")
		return
	}

	if !session.IsValid() {
		s.unauthorized(w, "session has expired")
		return
	}

	user, err := s.store.GetUser(r.Context(), session.UserID)
	if err != nil {
		s.unauthorized(w, "unknown subject")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sub":                user.ID,
		"preferred_username": user.Login,
		"name":               user.Name,
		"email":              user.Email,
		"picture":            user.AvatarURL,
		"organizations":      user.Organizations,
	})
}

func (s *Server) unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate",
		FormatWWWAuthenticate(s.baseURL, ErrorInvalidToken, description, nil))
	writeOAuthError(w, http.StatusUnauthorized, ErrorInvalidToken, description)
}

func (s *Server) publishSessionCount(ctx context.Context) {
	count, err := s.store.ActiveSessionCount(ctx)
	if err != nil {
		return
	}
	s.metrics.SetActiveSessions(count)
}
