package github

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/xatu-mcp/pkg/config"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(
		&config.GitHubConfig{ClientID: "test-id", ClientSecret: "test-secret"},
		"https://gw.example/auth/github/callback",
		WithHTTPClient(srv.Client()),
		WithBaseURLs(srv.URL+"/login/oauth/authorize", srv.URL+"/login/oauth/access_token", srv.URL),
	)
	require.NoError(t, err)

	return c, srv
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewClient(&config.GitHubConfig{}, "https://gw.example/cb")
	require.Error(t, err)

	_, err = NewClient(&config.GitHubConfig{ClientID: "id"}, "https://gw.example/cb")
	require.Error(t, err)
}

func TestAuthorizationURL(t *testing.T) {
	t.Parallel()

	c, err := NewClient(
		&config.GitHubConfig{ClientID: "test-id", ClientSecret: "test-secret"},
		"https://gw.example/auth/github/callback",
	)
	require.NoError(t, err)

	raw := c.AuthorizationURL("internal-state-123")

	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "github.com", u.Host)
	q := u.Query()
	assert.Equal(t, "test-id", q.Get("client_id"))
	assert.Equal(t, "internal-state-123", q.Get("state"))
	assert.Equal(t, "https://gw.example/auth/github/callback", q.Get("redirect_uri"))
	assert.Equal(t, "false", q.Get("allow_signup"))
	assert.Contains(t, q.Get("scope"), "read:org")
}

func TestExchangeCode(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.FormValue("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad_verification_code","error_description":"The code is incorrect"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gho_test","token_type":"bearer"}`))
	})

	c, _ := newTestClient(t, mux)

	token, err := c.ExchangeCode(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "gho_test", token)

	_, err = c.ExchangeCode(context.Background(), "bad-code")
	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "bad_verification_code", oauthErr.Code)
}

func TestGetUser(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gho_test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))
		assert.Equal(t, apiVersion, r.Header.Get("X-GitHub-Api-Version"))
		_, _ = w.Write([]byte(`{"id":583231,"login":"octocat","name":"The Octocat","email":"octo@example.com","avatar_url":"https://avatars.example/u/583231"}`))
	})
	mux.HandleFunc("/user/orgs", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"login":"ethpandaops"},{"login":"ethereum"}]`))
	})

	c, _ := newTestClient(t, mux)

	user, err := c.GetUser(context.Background(), "gho_test")
	require.NoError(t, err)

	assert.Equal(t, int64(583231), user.ID)
	assert.Equal(t, "octocat", user.Login)
	assert.Equal(t, []string{"ethpandaops", "ethereum"}, user.Organizations)
}

func TestGetUser_UpstreamError(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
	})

	c, _ := newTestClient(t, mux)

	_, err := c.GetUser(context.Background(), "revoked")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestUserOrganizations_Empty(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/user/orgs", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	c, _ := newTestClient(t, mux)

	orgs, err := c.UserOrganizations(context.Background(), "gho_test")
	require.NoError(t, err)
	assert.Empty(t, orgs)
}
