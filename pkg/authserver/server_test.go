package authserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/xatu-mcp/pkg/authserver/github"
	"github.com/ethpandaops/xatu-mcp/pkg/authserver/storage"
	"github.com/ethpandaops/xatu-mcp/pkg/config"
	"github.com/ethpandaops/xatu-mcp/pkg/telemetry"
	"github.com/ethpandaops/xatu-mcp/pkg/tokens"
)

// RFC 7636 appendix B vector.
const (
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

const testBaseURL = "https://gw.example"

// fakeIdP stands in for the GitHub client in tests.
type fakeIdP struct {
	user        *github.User
	orgs        []string
	orgsErr     error
	exchangeErr error
}

func (*fakeIdP) AuthorizationURL(state string) string {
	return "https://github.test/login/oauth/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeIdP) ExchangeCode(_ context.Context, _ string) (string, error) {
	if f.exchangeErr != nil {
		return "", f.exchangeErr
	}
	return "gho_test", nil
}

func (f *fakeIdP) GetUser(_ context.Context, _ string) (*github.User, error) {
	return f.user, nil
}

func (f *fakeIdP) UserOrganizations(_ context.Context, _ string) ([]string, error) {
	if f.orgsErr != nil {
		return nil, f.orgsErr
	}
	return f.orgs, nil
}

type testEnv struct {
	server *Server
	router chi.Router
	store  *storage.InMemoryStore
	tokens *tokens.Manager
	idp    *fakeIdP
}

func newTestEnv(t *testing.T, allowedOrgs []string) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{BaseURL: testBaseURL},
		Auth: config.AuthConfig{
			Enabled:     true,
			AllowedOrgs: allowedOrgs,
			Tokens: config.TokensConfig{
				SecretKey:       "0123456789abcdef0123456789abcdef",
				Issuer:          "xatu-mcp",
				AccessTokenTTL:  3600,
				RefreshTokenTTL: 2592000,
			},
		},
	}

	tm, err := tokens.NewManager(&cfg.Auth.Tokens)
	require.NoError(t, err)

	store := storage.NewInMemoryStore()
	idp := &fakeIdP{
		user: &github.User{
			ID:            583231,
			Login:         "octocat",
			Name:          "The Octocat",
			Email:         "octo@example.com",
			Organizations: []string{"ethpandaops"},
		},
		orgs: []string{"ethpandaops"},
	}

	srv := New(cfg, store, tm, idp, telemetry.NewMetrics())
	router := chi.NewRouter()
	srv.Mount(router)

	return &testEnv{server: srv, router: router, store: store, tokens: tm, idp: idp}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// authorize runs /auth/authorize and returns the internal state sent upstream.
func (e *testEnv) authorize(t *testing.T, redirectURI string) string {
	t.Helper()

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {"test-client"},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
		"resource":              {testBaseURL},
		"state":                 {"client-state-1"},
		"scope":                 {"execute_python"},
	}

	rec := e.do(httptest.NewRequest("GET", "/auth/authorize?"+q.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	return state
}

// login drives authorize + callback and returns the minted code.
func (e *testEnv) login(t *testing.T, redirectURI string) string {
	t.Helper()

	state := e.authorize(t, redirectURI)

	rec := e.do(httptest.NewRequest("GET",
		fmt.Sprintf("/auth/github/callback?code=gh-code&state=%s", url.QueryEscape(state)), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "client-state-1", loc.Query().Get("state"))

	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	return code
}

// exchange posts the code grant and returns the response recorder.
func (e *testEnv) exchange(code, verifier, redirectURI, clientID, resource string) *httptest.ResponseRecorder {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {verifier},
		"resource":      {resource},
	}

	req := httptest.NewRequest("POST", "/auth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) tokenResponse {
	t.Helper()
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) oauthError {
	t.Helper()
	var resp oauthError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

const testRedirect = "http://localhost:8765/callback"

func TestMetadataDocuments(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)

	rec := e.do(httptest.NewRequest("GET", ProtectedResourcePath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	var prm ProtectedResourceMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prm))
	assert.Equal(t, testBaseURL, prm.Resource)
	assert.Equal(t, []string{testBaseURL}, prm.AuthorizationServers)
	assert.Equal(t, []string{"header"}, prm.BearerMethodsSupported)
	assert.Contains(t, prm.ScopesSupported, "execute_python")

	for _, path := range []string{AuthorizationServerPath, OpenIDConfigurationPath} {
		rec := e.do(httptest.NewRequest("GET", path, nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var asm AuthorizationServerMetadata
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &asm))
		assert.Equal(t, testBaseURL, asm.Issuer)
		assert.Equal(t, testBaseURL+"/auth/token", asm.TokenEndpoint)
		assert.Equal(t, []string{"code"}, asm.ResponseTypesSupported)
		assert.Equal(t, []string{"authorization_code", "refresh_token"}, asm.GrantTypesSupported)
		assert.Equal(t, []string{"S256"}, asm.CodeChallengeMethodsSupported)
		assert.Equal(t, []string{"none"}, asm.TokenEndpointAuthMethodsSupported)
		assert.True(t, asm.ClientIDMetadataDocumentSupported)
	}
}

func TestAuthorize_Validation(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)

	base := url.Values{
		"response_type":         {"code"},
		"client_id":             {"test-client"},
		"redirect_uri":          {testRedirect},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
		"resource":              {testBaseURL},
	}

	tests := []struct {
		name      string
		mutate    func(url.Values)
		wantError string
	}{
		{
			name:      "wrong response type",
			mutate:    func(v url.Values) { v.Set("response_type", "token") },
			wantError: ErrorUnsupportedResponseType,
		},
		{
			name:      "missing client id",
			mutate:    func(v url.Values) { v.Del("client_id") },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "missing challenge",
			mutate:    func(v url.Values) { v.Del("code_challenge") },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "plain challenge method",
			mutate:    func(v url.Values) { v.Set("code_challenge_method", "plain") },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "missing resource",
			mutate:    func(v url.Values) { v.Del("resource") },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "http non-loopback redirect",
			mutate:    func(v url.Values) { v.Set("redirect_uri", "http://evil.example/cb") },
			wantError: ErrorInvalidRequest,
		},
		{
			name:      "missing redirect host",
			mutate:    func(v url.Values) { v.Set("redirect_uri", "https:///cb") },
			wantError: ErrorInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q := url.Values{}
			for k, vs := range base {
				q[k] = append([]string(nil), vs...)
			}
			tt.mutate(q)

			rec := e.do(httptest.NewRequest("GET", "/auth/authorize?"+q.Encode(), nil))
			// Validation failures answer directly, never via redirect.
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantError, decodeError(t, rec).Error)
		})
	}
}

func TestAuthorize_RedirectURIPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		uri string
		ok  bool
	}{
		{"http://localhost:8765/callback", true},
		{"http://127.0.0.1:9999/cb", true},
		{"http://[::1]:8080/cb", true},
		{"myapp://localhost/cb", true},
		{"https://client.example/callback", true},
		{"http://client.example/callback", false},
		{"ftp://client.example/cb", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			t.Parallel()
			err := validateRedirectURI(tt.uri)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestPKCERoundTrip(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	code := e.login(t, testRedirect)

	rec := e.exchange(code, testVerifier, testRedirect, "test-client", testBaseURL)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeToken(t, rec)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.Equal(t, "execute_python", resp.Scope)

	claims, err := e.tokens.Validate(resp.AccessToken, testBaseURL, tokens.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "test-client", claims.ClientID)
	assert.Equal(t, testBaseURL, claims.Audience)
}

func TestPKCEWrongVerifier(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	code := e.login(t, testRedirect)

	rec := e.exchange(code, testVerifier+"wrong", testRedirect, "test-client", testBaseURL)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorInvalidGrant, decodeError(t, rec).Error)
}

func TestCodeSingleUse(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	code := e.login(t, testRedirect)

	rec := e.exchange(code, testVerifier, testRedirect, "test-client", testBaseURL)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.exchange(code, testVerifier, testRedirect, "test-client", testBaseURL)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorInvalidGrant, decodeError(t, rec).Error)
}

func TestCodeGrant_BindingChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		exchange  func(e *testEnv, code string) *httptest.ResponseRecorder
		wantError string
	}{
		{
			name: "wrong client id",
			exchange: func(e *testEnv, code string) *httptest.ResponseRecorder {
				return e.exchange(code, testVerifier, testRedirect, "other-client", testBaseURL)
			},
			wantError: ErrorInvalidGrant,
		},
		{
			name: "wrong redirect uri",
			exchange: func(e *testEnv, code string) *httptest.ResponseRecorder {
				return e.exchange(code, testVerifier, "http://localhost:9/other", "test-client", testBaseURL)
			},
			wantError: ErrorInvalidGrant,
		},
		{
			name: "wrong resource",
			exchange: func(e *testEnv, code string) *httptest.ResponseRecorder {
				return e.exchange(code, testVerifier, testRedirect, "test-client", "https://other.example")
			},
			wantError: ErrorInvalidTarget,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newTestEnv(t, nil)
			code := e.login(t, testRedirect)

			rec := tt.exchange(e, code)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantError, decodeError(t, rec).Error)
		})
	}
}

func TestTokenEndpoint_UnsupportedGrant(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)

	req := httptest.NewRequest("POST", "/auth/token",
		strings.NewReader("grant_type=client_credentials"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := e.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorUnsupportedGrantType, decodeError(t, rec).Error)
}

func (e *testEnv) refresh(refreshToken string) *httptest.ResponseRecorder {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req := httptest.NewRequest("POST", "/auth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(req)
}

func TestRefreshRotation(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	code := e.login(t, testRedirect)

	first := decodeToken(t, e.exchange(code, testVerifier, testRedirect, "test-client", testBaseURL))

	rec := e.refresh(first.RefreshToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decodeToken(t, rec)

	ctx := context.Background()

	// The old pair no longer resolves to the session.
	oldAccess, err := e.tokens.Validate(first.AccessToken, testBaseURL, tokens.TokenTypeAccess)
	require.NoError(t, err)
	_, err = e.store.GetSessionByAccessJTI(ctx, oldAccess.JTI)
	require.ErrorIs(t, err, storage.ErrNotFound)

	rec = e.refresh(first.RefreshToken)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorInvalidGrant, decodeError(t, rec).Error)

	// The new pair works and points at one session.
	newAccess, err := e.tokens.Validate(second.AccessToken, testBaseURL, tokens.TokenTypeAccess)
	require.NoError(t, err)
	session, err := e.store.GetSessionByAccessJTI(ctx, newAccess.JTI)
	require.NoError(t, err)

	newRefresh, err := e.tokens.Validate(second.RefreshToken, testBaseURL, tokens.TokenTypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, session.RefreshJTI, newRefresh.JTI)

	assert.Equal(t, 1, e.store.Stats().Sessions)
}

func TestRefresh_OrgRevocation(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, []string{"ethpandaops"})
	code := e.login(t, testRedirect)
	pair := decodeToken(t, e.exchange(code, testVerifier, testRedirect, "test-client", testBaseURL))

	// The user leaves the allowed org.
	e.idp.orgs = []string{"some-other-org"}

	rec := e.refresh(pair.RefreshToken)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorInvalidGrant, decodeError(t, rec).Error)

	// The session is revoked: the previously issued access token no longer
	// resolves either.
	claims, err := e.tokens.Validate(pair.AccessToken, testBaseURL, tokens.TokenTypeAccess)
	require.NoError(t, err)
	_, err = e.store.GetSessionByAccessJTI(context.Background(), claims.JTI)
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, e.store.Stats().Sessions)
}

func TestRefresh_OrgRecheckFallsBackToStoredMembership(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, []string{"ethpandaops"})
	code := e.login(t, testRedirect)
	pair := decodeToken(t, e.exchange(code, testVerifier, testRedirect, "test-client", testBaseURL))

	// GitHub unreachable: the stored membership from login still satisfies
	// the policy, so the refresh succeeds.
	e.idp.orgsErr = fmt.Errorf("github is down")

	rec := e.refresh(pair.RefreshToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCallback_OrgDenialPageRevealsNothing(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, []string{"secret-allowed-org"})
	e.idp.user.Organizations = []string{"user-held-org"}

	state := e.authorize(t, testRedirect)
	rec := e.do(httptest.NewRequest("GET",
		"/auth/github/callback?code=gh-code&state="+url.QueryEscape(state), nil))

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := rec.Body.String()
	assert.NotContains(t, body, "secret-allowed-org")
	assert.NotContains(t, body, "user-held-org")
}

func TestCallback_UnknownState(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)

	rec := e.do(httptest.NewRequest("GET", "/auth/github/callback?code=x&state=bogus", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorInvalidRequest, decodeError(t, rec).Error)
}

func TestCallback_IdPError(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)

	rec := e.do(httptest.NewRequest("GET",
		"/auth/github/callback?error=access_denied&error_description=user+cancelled", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authentication failed")
}

func TestRevoke_AlwaysOK(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	code := e.login(t, testRedirect)
	pair := decodeToken(t, e.exchange(code, testVerifier, testRedirect, "test-client", testBaseURL))

	// Garbage token: still 200.
	req := httptest.NewRequest("POST", "/auth/revoke", strings.NewReader("token=garbage"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, e.do(req).Code)

	// Real refresh token: session revoked, still 200.
	req = httptest.NewRequest("POST", "/auth/revoke",
		strings.NewReader(url.Values{"token": {pair.RefreshToken}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, e.do(req).Code)

	assert.Equal(t, 0, e.store.Stats().Sessions)

	// Revoking again is still 200.
	req = httptest.NewRequest("POST", "/auth/revoke",
		strings.NewReader(url.Values{"token": {pair.RefreshToken}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, e.do(req).Code)
}

func TestUserinfo(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	code := e.login(t, testRedirect)
	pair := decodeToken(t, e.exchange(code, testVerifier, testRedirect, "test-client", testBaseURL))

	req := httptest.NewRequest("GET", "/auth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "octocat", info["preferred_username"])

	// No token: 401 with a challenge.
	rec = e.do(httptest.NewRequest("GET", "/auth/userinfo", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, "Bearer")
	assert.Contains(t, challenge, "resource_metadata=")
}

func TestUserinfo_ExpiredSession(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)
	ctx := context.Background()

	user, err := e.store.UpsertUser(ctx, &storage.User{
		ID:       "user-expired",
		GitHubID: 7,
		Login:    "octocat",
	})
	require.NoError(t, err)

	pair, err := e.tokens.IssuePair(user.ID, "test-client", "execute_python", testBaseURL)
	require.NoError(t, err)

	// The access token is still valid on its own; only the session is dead.
	require.NoError(t, e.store.CreateSession(ctx, &storage.Session{
		ID:         "session-expired",
		UserID:     user.ID,
		ClientID:   "test-client",
		Scope:      "execute_python",
		Resource:   testBaseURL,
		AccessJTI:  pair.AccessJTI,
		RefreshJTI: pair.RefreshJTI,
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt:  time.Now().Add(-time.Hour),
	}))

	req := httptest.NewRequest("GET", "/auth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec := e.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "session has expired")
}

func TestLoginPage(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, nil)

	rec := e.do(httptest.NewRequest("GET", "/auth/login", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "gw.example")
}

func TestFormatWWWAuthenticate(t *testing.T) {
	t.Parallel()

	h := FormatWWWAuthenticate(testBaseURL, "invalid_token", `token "expired"`, nil)
	assert.True(t, strings.HasPrefix(h, "Bearer "))
	assert.Contains(t, h, `resource_metadata="https://gw.example/.well-known/oauth-protected-resource"`)
	assert.Contains(t, h, `error="invalid_token"`)
	assert.Contains(t, h, `error_description="token \"expired\""`)

	withScope := FormatWWWAuthenticate(testBaseURL, "insufficient_scope", "missing scope",
		map[string]string{"scope": "execute_python"})
	assert.Contains(t, withScope, `scope="execute_python"`)
}
