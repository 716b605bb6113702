// Package transport hosts the gateway on one of three MCP transports:
// stdio for local single-user use, SSE for legacy HTTP clients, and
// streamable HTTP for current ones. The HTTP transports share a single
// listener with the authorization server routes, health probes and the
// metrics endpoint.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/xatu-mcp/pkg/auth"
	"github.com/ethpandaops/xatu-mcp/pkg/authserver"
	"github.com/ethpandaops/xatu-mcp/pkg/authserver/storage"
	"github.com/ethpandaops/xatu-mcp/pkg/config"
	"github.com/ethpandaops/xatu-mcp/pkg/logger"
	server "github.com/ethpandaops/xatu-mcp/pkg/mcp/server"
	"github.com/ethpandaops/xatu-mcp/pkg/telemetry"
	"github.com/ethpandaops/xatu-mcp/pkg/versions"
)

// Transport mode names accepted by the serve command.
const (
	ModeStdio          = "stdio"
	ModeSSE            = "sse"
	ModeStreamableHTTP = "streamable-http"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
	sweepInterval     = time.Minute
)

// ErrUnknownMode is returned for an unrecognized transport name.
var ErrUnknownMode = errors.New("unknown transport mode")

// Server runs the gateway on the selected transport.
type Server struct {
	cfg        *config.Config
	mode       string
	mcp        *server.Server
	authServer *authserver.Server
	middleware *auth.Middleware
	store      storage.Store
	metrics    *telemetry.Metrics
}

// New validates the mode and assembles the transport server.
func New(
	cfg *config.Config,
	mode string,
	mcp *server.Server,
	authServer *authserver.Server,
	middleware *auth.Middleware,
	store storage.Store,
	metrics *telemetry.Metrics,
) (*Server, error) {
	switch mode {
	case ModeStdio, ModeSSE, ModeStreamableHTTP:
	default:
		return nil, fmt.Errorf("%w: %q (supported: %s, %s, %s)",
			ErrUnknownMode, mode, ModeStdio, ModeSSE, ModeStreamableHTTP)
	}

	return &Server{
		cfg:        cfg,
		mode:       mode,
		mcp:        mcp,
		authServer: authServer,
		middleware: middleware,
		store:      store,
		metrics:    metrics,
	}, nil
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.mode == ModeStdio {
		return s.runStdio(ctx)
	}
	return s.runHTTP(ctx)
}

// runStdio serves the MCP protocol over stdin/stdout. Auth does not apply;
// whoever can exec the binary already holds the configuration.
func (s *Server) runStdio(ctx context.Context) error {
	logger.Infow("serving MCP over stdio")

	stdioServer := mcpserver.NewStdioServer(s.mcp.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) runHTTP(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Infow("starting gateway",
		"addr", addr,
		"transport", s.mode,
		"base_url", s.cfg.CanonicalBaseURL(),
		"auth_enabled", s.cfg.Auth.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logger.Info("shutting down gateway")
		return httpServer.Shutdown(shutdownCtx)
	})

	if s.cfg.Auth.Enabled {
		g.Go(func() error {
			s.runSweeper(gctx)
			return nil
		})
	}

	return g.Wait()
}

// runSweeper evicts expired sessions, codes and pending authorizations on a
// ticker and keeps the active-session gauge current.
func (s *Server) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Sweep(ctx); err != nil {
				logger.Warnw("storage sweep failed", "error", err.Error())
				continue
			}
			count, err := s.store.ActiveSessionCount(ctx)
			if err != nil {
				continue
			}
			s.metrics.SetActiveSessions(count)
		}
	}
}

// Handler builds the full HTTP surface: MCP transport, auth routes, probes
// and metrics, all behind the token middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())

	// The auth server is absent when auth is disabled; the MCP surface is
	// then open and no OAuth routes exist.
	if s.authServer != nil {
		s.authServer.Mount(r)
	}

	switch s.mode {
	case ModeSSE:
		sseServer := mcpserver.NewSSEServer(
			s.mcp.MCPServer(),
			mcpserver.WithBaseURL(s.cfg.CanonicalBaseURL()),
			mcpserver.WithSSEEndpoint("/sse"),
			mcpserver.WithMessageEndpoint("/messages/"),
		)
		r.Handle("/sse", sseServer.SSEHandler())
		// The advertised endpoint carries the trailing slash; accept the
		// bare path too for clients that normalize it away.
		r.Handle("/messages", sseServer.MessageHandler())
		r.Handle("/messages/", sseServer.MessageHandler())
	case ModeStreamableHTTP:
		streamableServer := mcpserver.NewStreamableHTTPServer(
			s.mcp.MCPServer(),
			mcpserver.WithEndpointPath("/mcp"),
		)
		r.Handle("/mcp", streamableServer)
	}

	return s.middleware.Handler(r)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "xatu-mcp",
		"version": versions.GetVersionInfo().Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "ready",
		"backend": s.mcp.SandboxName(),
	})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnw("failed to write response", "error", err.Error())
	}
}
