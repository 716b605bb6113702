// Package storage provides storage interfaces and implementations for the
// OAuth authorization server.
package storage

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"time"
)

// Default TTLs for short-lived storage entries.
const (
	// DefaultAuthCodeTTL is how long an authorization code stays exchangeable.
	DefaultAuthCodeTTL = 10 * time.Minute

	// DefaultPendingAuthorizationTTL bounds how long a client's authorization
	// request waits for the upstream IdP callback.
	DefaultPendingAuthorizationTTL = 10 * time.Minute
)

// PKCEMethodS256 is the only code_challenge_method the server accepts.
const PKCEMethodS256 = "S256"

// Storage error kinds distinguished by callers via errors.Is.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExpired indicates the entity exists but its TTL has elapsed.
	ErrExpired = errors.New("expired")

	// ErrCodeAlreadyUsed indicates an authorization code was presented twice.
	// Single-use enforcement is the store's job so the check and the marking
	// happen under one lock.
	ErrCodeAlreadyUsed = errors.New("authorization code already used")
)

// User is an account established through the upstream identity provider.
// The GitHub numeric id is the stable identity; login, name and orgs are
// refreshed on every login.
type User struct {
	// ID is the internal user identifier (UUID).
	ID string

	// GitHubID is the numeric GitHub account id.
	GitHubID int64

	// Login is the GitHub login name at last authentication.
	Login string

	// Name is the GitHub display name, may be empty.
	Name string

	// Email is the GitHub public email, may be empty.
	Email string

	// AvatarURL is the GitHub avatar URL.
	AvatarURL string

	// Organizations is the user's org membership at last refresh. Policy
	// decisions at refresh time read this field, so it must be kept current.
	Organizations []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Organizations = append([]string(nil), u.Organizations...)
	return &c
}

// Session links a live access/refresh token pair to a user. Rotation replaces
// the jtis while the session record itself survives.
type Session struct {
	// ID is the session identifier (UUID).
	ID string

	// UserID is the internal id of the session's subject.
	UserID string

	// ClientID is the OAuth client the tokens were issued to.
	ClientID string

	// Scope is the space-separated granted scope.
	Scope string

	// Resource is the canonical audience the session's tokens are bound to.
	Resource string

	// AccessJTI and RefreshJTI identify the currently live token pair.
	// A token whose jti no longer matches its session is dead.
	AccessJTI  string
	RefreshJTI string

	// IdPToken is the upstream provider's access token, kept so refresh
	// grants can re-fetch org membership for policy re-evaluation.
	IdPToken string

	CreatedAt time.Time

	// RefreshedAt is the time of the last rotation, zero if never refreshed.
	RefreshedAt time.Time

	// ExpiresAt is when the refresh token, and with it the session, expires.
	ExpiresAt time.Time
}

// IsValid reports whether the session can still authenticate requests. A
// session past its expiry is dead even if the sweeper has not evicted it yet
// and its access token has not expired on its own.
func (s *Session) IsValid() bool {
	return s != nil && time.Now().Before(s.ExpiresAt)
}

// Clone returns a copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// PKCEChallenge is the S256 code challenge stored at authorize time and
// checked at token exchange.
type PKCEChallenge struct {
	// Challenge is the base64url-encoded SHA-256 of the verifier.
	Challenge string

	// Method is the challenge method; only S256 is accepted.
	Method string
}

// Verify recomputes the challenge from the presented verifier and compares it
// in constant time.
func (p *PKCEChallenge) Verify(verifier string) bool {
	if p.Method != PKCEMethodS256 || p.Challenge == "" || verifier == "" {
		return false
	}

	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(p.Challenge)) == 1
}

// AuthorizationCode is a single-use grant minted after a successful IdP
// callback, exchangeable at the token endpoint within its TTL.
type AuthorizationCode struct {
	// Code is the opaque code value handed to the client.
	Code string

	// UserID is the authenticated subject the code was minted for.
	UserID string

	// ClientID and RedirectURI must match byte-exact at exchange time.
	ClientID    string
	RedirectURI string

	// Scope is the granted scope carried into the issued tokens.
	Scope string

	// Resource is the canonical resource indicator from the authorize
	// request; mismatch at exchange is invalid_target.
	Resource string

	// PKCE is the challenge the exchange verifier is checked against.
	PKCE PKCEChallenge

	// IdPToken is the upstream provider's access token obtained at the
	// callback, carried into the session created at exchange.
	IdPToken string

	CreatedAt time.Time
	ExpiresAt time.Time

	// Used marks the code as consumed. The store flips this on first
	// exchange; any later exchange fails.
	Used bool
}

// Clone returns a copy of the authorization code.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// PendingAuthorization tracks a client's authorization request while the user
// authenticates with the upstream IdP. It is keyed by the internal state sent
// to the IdP so the callback can correlate.
type PendingAuthorization struct {
	// ClientID is the OAuth client making the authorization request.
	ClientID string

	// RedirectURI is the client's callback URL.
	RedirectURI string

	// State is the client's original state parameter, echoed back on redirect.
	State string

	// PKCE is the client's code challenge, carried into the minted code.
	PKCE PKCEChallenge

	// Scope is the requested scope.
	Scope string

	// Resource is the canonical resource indicator from the request.
	Resource string

	CreatedAt time.Time
}

// Clone returns a copy of the pending authorization.
func (p *PendingAuthorization) Clone() *PendingAuthorization {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Store is the persistence boundary of the authorization server. The server
// depends only on this interface; InMemoryStore is the in-process
// implementation suitable for single-instance deployments.
type Store interface {
	// UpsertUser creates or updates the user identified by GitHubID and
	// returns the stored record. Profile fields and org membership are
	// overwritten on every call.
	UpsertUser(ctx context.Context, user *User) (*User, error)

	// GetUser retrieves a user by internal id.
	GetUser(ctx context.Context, id string) (*User, error)

	// GetUserByGitHubID retrieves a user by GitHub account id.
	GetUserByGitHubID(ctx context.Context, githubID int64) (*User, error)

	// SaveAuthorizationCode stores a freshly minted code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically looks up a code and marks it used.
	// Returns ErrNotFound for unknown codes, ErrExpired past TTL and
	// ErrCodeAlreadyUsed on reuse.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// CreateSession stores a new session and indexes its jtis.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (*Session, error)

	// GetSessionByAccessJTI retrieves the session currently referencing the
	// given access token jti.
	GetSessionByAccessJTI(ctx context.Context, jti string) (*Session, error)

	// GetSessionByRefreshJTI retrieves the session currently referencing the
	// given refresh token jti.
	GetSessionByRefreshJTI(ctx context.Context, jti string) (*Session, error)

	// RotateSessionTokens atomically replaces the session's token pair.
	// After it returns, lookups by the old jtis fail and lookups by the new
	// ones succeed; no interleaving observes both.
	RotateSessionTokens(ctx context.Context, sessionID, accessJTI, refreshJTI string, expiresAt time.Time) error

	// DeleteSession revokes a session and drops its jti indices. Deletion is
	// how revocation is expressed: there is no revoked flag, so a revoked
	// session fails token lookups exactly like an expired one.
	DeleteSession(ctx context.Context, id string) error

	// StorePendingAuthorization stores a pending authorization keyed by the
	// internal state used to correlate the upstream IdP callback.
	StorePendingAuthorization(ctx context.Context, state string, pending *PendingAuthorization) error

	// ConsumePendingAuthorization retrieves and removes a pending
	// authorization by internal state.
	ConsumePendingAuthorization(ctx context.Context, state string) (*PendingAuthorization, error)

	// ActiveSessionCount returns the number of live sessions.
	ActiveSessionCount(ctx context.Context) (int, error)

	// Sweep removes expired codes, sessions and pending authorizations.
	Sweep(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
