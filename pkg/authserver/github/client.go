// Package github bridges the authorization server to GitHub's OAuth flow.
//
// GitHub is the upstream identity provider: users authenticate there, and the
// gateway mints its own audience-bound tokens afterwards. This package covers
// the three upstream interactions: building the authorize redirect, exchanging
// the callback code, and reading the user profile plus org membership.
//
// Note: this client targets GitHub.com only, not GitHub Enterprise Server.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	oauth2github "golang.org/x/oauth2/github"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/xatu-mcp/pkg/config"
	"github.com/ethpandaops/xatu-mcp/pkg/logger"
)

const (
	apiBaseURL = "https://api.github.com"

	// apiVersion pins the GitHub REST API version.
	apiVersion = "2022-11-28"

	userAgent = "xatu-mcp"

	// maxResponseSize bounds GitHub API response bodies.
	maxResponseSize = 1 << 20 // 1MB
)

// OAuthError is a failure reported by GitHub during the OAuth flow. It is
// kept distinct from transport errors so the callback handler can log the
// provider detail while showing the user a generic page.
type OAuthError struct {
	// Code is GitHub's error identifier, e.g. "bad_verification_code".
	Code string

	// Description is GitHub's human-readable detail.
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("github oauth error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("github oauth error %s", e.Code)
}

// User is the GitHub profile of an authenticated user.
type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`

	// Organizations is the user's org membership, filled by GetUser.
	Organizations []string `json:"-"`
}

// Client talks to GitHub's OAuth and REST APIs.
type Client struct {
	oauth       *oauth2.Config
	httpClient  *http.Client
	apiBaseURL  string
	rateLimiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, for testing.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Client) {
		g.httpClient = c
	}
}

// WithBaseURLs overrides the OAuth and API endpoints, for testing against
// httptest servers.
func WithBaseURLs(authURL, tokenURL, apiURL string) Option {
	return func(g *Client) {
		g.oauth.Endpoint = oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL}
		g.apiBaseURL = apiURL
	}
}

// NewClient creates a GitHub client from the OAuth app credentials.
func NewClient(cfg *config.GitHubConfig, redirectURL string, opts ...Option) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("github client id and secret are required")
	}

	c := &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"read:user", "user:email", "read:org"},
			Endpoint:     oauth2github.Endpoint,
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBaseURL: apiBaseURL,
		// GitHub allows 5,000 requests/hour; limit locally to prevent abuse.
		rateLimiter: rate.NewLimiter(100, 200),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// AuthorizationURL builds the GitHub authorize redirect for the given
// internal state. Signup is disabled: only existing GitHub accounts may
// authenticate.
func (c *Client) AuthorizationURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("allow_signup", "false"))
}

// ExchangeCode exchanges a GitHub callback code for a GitHub access token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (string, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait failed: %w", err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode != "" {
			return "", &OAuthError{
				Code:        retrieveErr.ErrorCode,
				Description: retrieveErr.ErrorDescription,
			}
		}
		return "", fmt.Errorf("github code exchange failed: %w", err)
	}

	if token.AccessToken == "" {
		return "", &OAuthError{Code: "invalid_response", Description: "no access token in response"}
	}

	return token.AccessToken, nil
}

// GetUser fetches the authenticated user's profile and org membership.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if err := c.apiGet(ctx, accessToken, "/user", &user); err != nil {
		return nil, fmt.Errorf("failed to fetch github user: %w", err)
	}

	orgs, err := c.UserOrganizations(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	user.Organizations = orgs

	logger.Debugw("fetched github user", "login", user.Login, "orgs", len(orgs))

	return &user, nil
}

// UserOrganizations fetches the login names of the user's organizations.
// The result reflects only orgs visible to the granted read:org scope.
func (c *Client) UserOrganizations(ctx context.Context, accessToken string) ([]string, error) {
	var orgs []struct {
		Login string `json:"login"`
	}
	if err := c.apiGet(ctx, accessToken, "/user/orgs?per_page=100", &orgs); err != nil {
		return nil, fmt.Errorf("failed to fetch github orgs: %w", err)
	}

	names := make([]string, 0, len(orgs))
	for _, org := range orgs {
		names = append(names, org.Login)
	}

	return names, nil
}

func (c *Client) apiGet(ctx context.Context, accessToken, path string, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debugf("failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		logger.Warnw("github rate limit exceeded",
			"retry_after", resp.Header.Get("Retry-After"),
			"remaining", resp.Header.Get("X-RateLimit-Remaining"),
		)
		return fmt.Errorf("github rate limit exceeded")
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github API returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
