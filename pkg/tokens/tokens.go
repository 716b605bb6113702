// Package tokens issues and validates the signed, audience-bound JWTs used
// by the gateway's OAuth authorization server.
//
// Tokens are symmetric (HS256) and carry a fixed claim set: jti, sub, aud,
// iss, iat, exp, scope, client_id and token_type. Validation always checks
// the audience (RFC 8707): the caller must name the resource it expects the
// token to be bound to, and a mismatch is a distinct, inspectable error.
package tokens

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ethpandaops/xatu-mcp/pkg/config"
	"github.com/ethpandaops/xatu-mcp/pkg/logger"
)

// Token types carried in the token_type claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Validation failure kinds. Callers distinguish these with errors.Is and map
// them to OAuth error responses; they are never re-raised across layers.
var (
	// ErrTokenExpired indicates the token's exp claim is in the past.
	ErrTokenExpired = errors.New("token has expired")

	// ErrAudienceMismatch indicates the aud claim does not match the
	// expected resource. Accepting such a token would break audience
	// binding, so this is surfaced separately from generic invalidity.
	ErrAudienceMismatch = errors.New("token audience mismatch")

	// ErrInvalidIssuer indicates the token was minted by another issuer.
	ErrInvalidIssuer = errors.New("invalid token issuer")

	// ErrWrongTokenType indicates an access token was presented where a
	// refresh token was expected, or vice versa.
	ErrWrongTokenType = errors.New("wrong token type")

	// ErrMalformedToken indicates the token could not be parsed or its
	// signature did not verify.
	ErrMalformedToken = errors.New("malformed token")
)

// Claims is the decoded claim set of a gateway token.
type Claims struct {
	JTI       string
	Subject   string
	Audience  string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scope     string
	ClientID  string
	TokenType string
}

// Manager creates and validates gateway tokens.
type Manager struct {
	secretKey  []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewManager creates a token manager from the tokens configuration.
// It refuses to construct without a signing key of sufficient entropy;
// a gateway without one must not start.
func NewManager(cfg *config.TokensConfig) (*Manager, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("token signing key is required; generate one with: openssl rand -base64 32")
	}
	if len(cfg.SecretKey) < config.MinSecretKeyLength {
		return nil, fmt.Errorf("token signing key must be at least %d bytes", config.MinSecretKeyLength)
	}

	logger.Infow("token manager initialized", "issuer", cfg.Issuer)

	return &Manager{
		secretKey:  []byte(cfg.SecretKey),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL(),
		refreshTTL: cfg.RefreshTTL(),
	}, nil
}

// CanonicalAudience normalizes a resource URI for byte-exact audience
// comparison by stripping any trailing slash.
func CanonicalAudience(resource string) string {
	return strings.TrimRight(resource, "/")
}

// AccessTTL returns the configured access token lifetime.
func (m *Manager) AccessTTL() time.Duration {
	return m.accessTTL
}

// RefreshTTL returns the configured refresh token lifetime.
func (m *Manager) RefreshTTL() time.Duration {
	return m.refreshTTL
}

// Issue creates a single signed token of the given type, bound to the given
// resource. It returns the encoded token and its jti.
func (m *Manager) Issue(tokenType, userID, clientID, scope, resource string) (string, string, error) {
	var ttl time.Duration
	switch tokenType {
	case TokenTypeAccess:
		ttl = m.accessTTL
	case TokenTypeRefresh:
		ttl = m.refreshTTL
	default:
		return "", "", fmt.Errorf("unknown token type %q", tokenType)
	}

	jti := uuid.NewString()
	now := time.Now()

	claims := jwt.MapClaims{
		"jti":        jti,
		"sub":        userID,
		"aud":        CanonicalAudience(resource),
		"iss":        m.issuer,
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
		"scope":      scope,
		"client_id":  clientID,
		"token_type": tokenType,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}

	logger.Debugw("issued token",
		"jti", jti,
		"user_id", userID,
		"client_id", clientID,
		"token_type", tokenType,
		"expires_in", ttl.Seconds(),
	)

	return token, jti, nil
}

// TokenPair is the result of issuing an access and refresh token together.
type TokenPair struct {
	AccessToken  string
	AccessJTI    string
	RefreshToken string
	RefreshJTI   string
}

// IssuePair creates an access and refresh token bound to the same audience.
func (m *Manager) IssuePair(userID, clientID, scope, resource string) (*TokenPair, error) {
	accessToken, accessJTI, err := m.Issue(TokenTypeAccess, userID, clientID, scope, resource)
	if err != nil {
		return nil, err
	}

	refreshToken, refreshJTI, err := m.Issue(TokenTypeRefresh, userID, clientID, scope, resource)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		AccessJTI:    accessJTI,
		RefreshToken: refreshToken,
		RefreshJTI:   refreshJTI,
	}, nil
}

// Validate parses and verifies a token, enforcing issuer, expiry, audience
// and token type. expectedAudience is mandatory: passing an empty audience
// is a programmer error, not a request error.
func (m *Manager) Validate(token, expectedAudience, expectedType string) (*Claims, error) {
	if expectedAudience == "" {
		return nil, fmt.Errorf("expected audience is required for token validation")
	}

	parsed, err := jwt.Parse(
		token,
		func(*jwt.Token) (any, error) { return m.secretKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		// Audience is verified manually below so the caller gets a
		// distinct error kind instead of a generic validation failure.
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrInvalidIssuer
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformedToken
	}

	claims, err := claimsFromMap(mapClaims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if claims.TokenType != expectedType {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrWrongTokenType, expectedType, claims.TokenType)
	}

	if claims.Audience != CanonicalAudience(expectedAudience) {
		logger.Warnw("token audience mismatch",
			"expected", CanonicalAudience(expectedAudience),
			"actual", claims.Audience,
		)
		return nil, fmt.Errorf("%w: token audience %q does not match expected audience %q",
			ErrAudienceMismatch, claims.Audience, expectedAudience)
	}

	return claims, nil
}

// DecodeUnsafe decodes a token without verifying its signature or expiry.
// It exists for diagnostics and best-effort revocation lookups only and must
// never be used to authenticate a request.
func (m *Manager) DecodeUnsafe(token string) (map[string]any, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformedToken
	}

	return map[string]any(mapClaims), nil
}

func claimsFromMap(mc jwt.MapClaims) (*Claims, error) {
	jti, _ := mc["jti"].(string)
	if jti == "" {
		return nil, fmt.Errorf("missing jti claim")
	}

	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("missing sub claim")
	}

	aud, _ := mc["aud"].(string)
	if aud == "" {
		return nil, fmt.Errorf("missing aud claim")
	}

	iss, err := mc.GetIssuer()
	if err != nil || iss == "" {
		return nil, fmt.Errorf("missing iss claim")
	}

	iat, err := mc.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, fmt.Errorf("missing iat claim")
	}

	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("missing exp claim")
	}

	scope, _ := mc["scope"].(string)
	clientID, _ := mc["client_id"].(string)

	tokenType, _ := mc["token_type"].(string)
	if tokenType != TokenTypeAccess && tokenType != TokenTypeRefresh {
		return nil, fmt.Errorf("missing or unknown token_type claim")
	}

	return &Claims{
		JTI:       jti,
		Subject:   sub,
		Audience:  aud,
		Issuer:    iss,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
		Scope:     scope,
		ClientID:  clientID,
		TokenType: tokenType,
	}, nil
}
