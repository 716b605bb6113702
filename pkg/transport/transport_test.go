package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/xatu-mcp/pkg/auth"
	"github.com/ethpandaops/xatu-mcp/pkg/authserver"
	"github.com/ethpandaops/xatu-mcp/pkg/authserver/storage"
	"github.com/ethpandaops/xatu-mcp/pkg/config"
	server "github.com/ethpandaops/xatu-mcp/pkg/mcp/server"
	"github.com/ethpandaops/xatu-mcp/pkg/sandbox"
	"github.com/ethpandaops/xatu-mcp/pkg/telemetry"
	"github.com/ethpandaops/xatu-mcp/pkg/tokens"
)

type stubBackend struct{}

func (stubBackend) Name() string { return "docker" }

func (stubBackend) Execute(
	context.Context, string, []string, time.Duration,
) (*sandbox.ExecutionResult, error) {
	return &sandbox.ExecutionResult{}, nil
}

func (stubBackend) Cleanup(context.Context) error { return nil }

func newTestTransport(t *testing.T, mode string, authEnabled bool) *Server {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{BaseURL: "https://gw.example"},
		Auth: config.AuthConfig{
			Enabled: authEnabled,
			Tokens: config.TokensConfig{
				SecretKey:       "0123456789abcdef0123456789abcdef",
				Issuer:          "xatu-mcp",
				AccessTokenTTL:  3600,
				RefreshTokenTTL: 86400,
			},
		},
	}

	tm, err := tokens.NewManager(&cfg.Auth.Tokens)
	require.NoError(t, err)

	store := storage.NewInMemoryStore()
	metrics := telemetry.NewMetrics()
	mcpSrv := server.New(cfg, stubBackend{}, metrics)
	authSrv := authserver.New(cfg, store, tm, nil, metrics)
	mw := auth.NewMiddleware(cfg, store, tm, metrics)

	srv, err := New(cfg, mode, mcpSrv, authSrv, mw, store, metrics)
	require.NoError(t, err)
	return srv
}

func TestNew_UnknownMode(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "websocket", nil, nil, nil, nil, nil)
	require.ErrorIs(t, err, ErrUnknownMode)
}

func TestHandler_Probes(t *testing.T) {
	t.Parallel()

	srv := newTestTransport(t, ModeStreamableHTTP, false)
	handler := srv.Handler()

	for _, path := range []string{"/", "/health", "/ready"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/json", path)
	}
}

func TestHandler_ReadyReportsBackend(t *testing.T) {
	t.Parallel()

	srv := newTestTransport(t, ModeStreamableHTTP, false)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Contains(t, rec.Body.String(), `"backend":"docker"`)
}

func TestHandler_MetadataMounted(t *testing.T) {
	t.Parallel()

	srv := newTestTransport(t, ModeStreamableHTTP, true)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec,
		httptest.NewRequest("GET", "/.well-known/oauth-protected-resource", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resource":"https://gw.example"`)
}

func TestHandler_MCPRequiresToken(t *testing.T) {
	t.Parallel()

	srv := newTestTransport(t, ModeStreamableHTTP, true)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/mcp", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestHandler_SSEMessageEndpointPaths(t *testing.T) {
	t.Parallel()

	srv := newTestTransport(t, ModeSSE, false)
	handler := srv.Handler()

	// Both spellings of the companion endpoint must route to the SSE
	// message handler rather than fall through to a 404.
	for _, path := range []string{"/messages/?sessionId=x", "/messages?sessionId=x"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", path, nil))
		assert.NotEqual(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestHandler_SSEMessageEndpointProtected(t *testing.T) {
	t.Parallel()

	srv := newTestTransport(t, ModeSSE, true)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/messages/?sessionId=x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_MetricsRequiresToken(t *testing.T) {
	t.Parallel()

	srv := newTestTransport(t, ModeSSE, true)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_HealthBypassesAuth(t *testing.T) {
	t.Parallel()

	srv := newTestTransport(t, ModeSSE, true)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
