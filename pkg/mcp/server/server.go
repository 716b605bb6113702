// Package server exposes the gateway's MCP tool surface.
//
// The tool catalog is deliberately small: execute_python runs analysis code
// in the sandbox and returns stdout, stderr and artifact names. Data-plane
// access (ClickHouse, Prometheus, Loki, object storage) happens inside the
// sandbox through the pre-installed client library, never through the MCP
// connection itself.
package server

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ethpandaops/xatu-mcp/pkg/config"
	"github.com/ethpandaops/xatu-mcp/pkg/sandbox"
	"github.com/ethpandaops/xatu-mcp/pkg/telemetry"
	"github.com/ethpandaops/xatu-mcp/pkg/versions"
)

// Server wires the gateway's tools onto an MCP server instance.
type Server struct {
	cfg       *config.Config
	sandbox   sandbox.Backend
	metrics   *telemetry.Metrics
	mcpServer *server.MCPServer
}

// New creates the MCP server and registers the tool catalog.
func New(cfg *config.Config, backend sandbox.Backend, metrics *telemetry.Metrics) *Server {
	versionInfo := versions.GetVersionInfo()
	mcpServer := server.NewMCPServer(
		"xatu-mcp",
		versionInfo.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	s := &Server{
		cfg:       cfg,
		sandbox:   backend,
		metrics:   metrics,
		mcpServer: mcpServer,
	}

	s.registerTools()

	return s
}

// MCPServer returns the underlying MCP server for transport hosting.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// SandboxName returns the active sandbox backend's name.
func (s *Server) SandboxName() string {
	return s.sandbox.Name()
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute_python",
		Description: executePythonDescription,
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"code": map[string]interface{}{
					"type":        "string",
					"description": "Python code to execute",
				},
				"timeout": map[string]interface{}{
					"type":        "integer",
					"description": "Execution timeout in seconds (default: 60, max: 300)",
					"minimum":     1,
					"maximum":     300,
					"default":     60,
				},
			},
			Required: []string{"code"},
		},
	}, s.executePython)
}
