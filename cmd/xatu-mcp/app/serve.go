package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/xatu-mcp/pkg/auth"
	"github.com/ethpandaops/xatu-mcp/pkg/authserver"
	"github.com/ethpandaops/xatu-mcp/pkg/authserver/github"
	"github.com/ethpandaops/xatu-mcp/pkg/authserver/storage"
	"github.com/ethpandaops/xatu-mcp/pkg/config"
	"github.com/ethpandaops/xatu-mcp/pkg/logger"
	mcpserver "github.com/ethpandaops/xatu-mcp/pkg/mcp/server"
	"github.com/ethpandaops/xatu-mcp/pkg/sandbox"
	"github.com/ethpandaops/xatu-mcp/pkg/telemetry"
	"github.com/ethpandaops/xatu-mcp/pkg/tokens"
	"github.com/ethpandaops/xatu-mcp/pkg/transport"
)

const cleanupTimeout = 30 * time.Second

// newServeCommand creates the 'serve' subcommand.
func newServeCommand() *cobra.Command {
	var (
		transportMode string
		host          string
		port          int
		configPath    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the xatu-mcp gateway",
		Long: `Start the gateway on the selected MCP transport.

stdio serves a single local caller over stdin/stdout without authentication.
sse and streamable-http expose an HTTP listener that also hosts the OAuth
authorization server, health probes and the metrics endpoint.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveCmdFunc(cmd, transportMode, host, port, configPath)
		},
	}

	cmd.Flags().StringVar(&transportMode, "transport", transport.ModeStreamableHTTP,
		"MCP transport (stdio, sse, streamable-http)")
	cmd.Flags().StringVar(&host, "host", "", "Host to listen on (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (overrides config)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the configuration file")

	return cmd
}

func serveCmdFunc(cmd *cobra.Command, transportMode, host string, port int, configPath string) error {
	// Re-initialize so --debug takes effect.
	logger.Initialize()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("host") {
		cfg.Server.Host = host
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}

	metrics := telemetry.NewMetrics()

	backend, err := sandbox.New(&cfg.Sandbox, metrics)
	if err != nil {
		return fmt.Errorf("failed to create sandbox backend: %w", err)
	}

	store := storage.NewInMemoryStore()
	defer func() { _ = store.Close() }()

	var (
		tokenManager *tokens.Manager
		authSrv      *authserver.Server
	)
	if cfg.Auth.Enabled {
		tokenManager, err = tokens.NewManager(&cfg.Auth.Tokens)
		if err != nil {
			return fmt.Errorf("failed to create token manager: %w", err)
		}

		idp, err := github.NewClient(&cfg.Auth.GitHub, cfg.CanonicalBaseURL()+"/auth/github/callback")
		if err != nil {
			return fmt.Errorf("failed to create github client: %w", err)
		}

		authSrv = authserver.New(cfg, store, tokenManager, idp, metrics)
	}

	middleware := auth.NewMiddleware(cfg, store, tokenManager, metrics)
	mcpSrv := mcpserver.New(cfg, backend, metrics)

	srv, err := transport.New(cfg, transportMode, mcpSrv, authSrv, middleware, store, metrics)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)

	// Containers outlive a dropped response, not the process.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := backend.Cleanup(cleanupCtx); err != nil {
		logger.Warnw("sandbox cleanup failed", "error", err.Error())
	}

	return runErr
}
