package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ethpandaops/xatu-mcp/pkg/auth"
	"github.com/ethpandaops/xatu-mcp/pkg/authserver"
	"github.com/ethpandaops/xatu-mcp/pkg/config"
	"github.com/ethpandaops/xatu-mcp/pkg/logger"
	"github.com/ethpandaops/xatu-mcp/pkg/sandbox"
)

const (
	defaultExecutionTimeout = 60
	maxExecutionTimeout     = 300
)

const executePythonDescription = `Execute Python code in a sandboxed environment.

The xatu library is pre-installed for querying Ethereum network data:

` + "```python" + `
from xatu import clickhouse, prometheus, loki, storage

# Query ClickHouse for blockchain data
df = clickhouse.query("mainnet", "SELECT * FROM beacon_api_eth_v1_events_block LIMIT 10")

# Query Prometheus metrics
result = prometheus.query("up")

# Generate and save charts
import matplotlib.pyplot as plt
plt.figure(figsize=(10, 6))
plt.plot(df['slot'], df['block_root'])
plt.savefig('/output/chart.png')

# Upload to get a URL
url = storage.upload('/output/chart.png')
print(f"Chart: {url}")
` + "```" + `

Available ClickHouse clusters:
- "xatu": Production raw data (mainnet, sepolia, holesky, hoodi)
- "xatu-experimental": Devnet raw data
- "xatu-cbt": Aggregated/CBT tables

All output files should be written to /output/ directory.
Data stays in the sandbox - the model only sees stdout and file URLs.`

// executePython handles the execute_python tool call.
func (s *Server) executePython(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	status := "success"
	defer func() {
		s.metrics.RecordToolCall("execute_python", status, time.Since(start).Seconds())
	}()

	if err := auth.RequireScope(ctx, authserver.ScopeExecutePython); err != nil {
		status = "denied"
		return mcp.NewToolResultError(err.Error()), nil
	}

	args := struct {
		Code    string `json:"code"`
		Timeout int    `json:"timeout,omitempty"`
	}{}
	if err := request.BindArguments(&args); err != nil {
		status = "invalid_arguments"
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
	}

	if args.Code == "" {
		status = "invalid_arguments"
		return mcp.NewToolResultError("Code is required"), nil
	}

	timeout := clampTimeout(args.Timeout)

	logger.Infow("executing python code",
		"code_length", len(args.Code),
		"timeout", timeout,
		"backend", s.sandbox.Name(),
	)

	result, err := s.sandbox.Execute(ctx, args.Code, buildSandboxEnv(s.cfg), time.Duration(timeout)*time.Second)
	if err != nil {
		if errors.Is(err, sandbox.ErrExecutionTimeout) {
			status = "timeout"
			return mcp.NewToolResultText(
				fmt.Sprintf("Execution timed out after %d seconds", timeout)), nil
		}
		status = "error"
		logger.Errorw("execution failed", "error", err.Error())
		return mcp.NewToolResultText(fmt.Sprintf("Execution error: %v", err)), nil
	}

	if result.ExitCode != 0 {
		status = "nonzero_exit"
	}

	return mcp.NewToolResultText(formatResult(result)), nil
}

// clampTimeout applies the schema default and bounds.
func clampTimeout(timeout int) int {
	if timeout == 0 {
		return defaultExecutionTimeout
	}
	if timeout < 1 {
		return 1
	}
	if timeout > maxExecutionTimeout {
		return maxExecutionTimeout
	}
	return timeout
}

// formatResult renders an execution result as the tool's text response.
func formatResult(result *sandbox.ExecutionResult) string {
	var parts []string

	if result.Stdout != "" {
		parts = append(parts, "=== STDOUT ===\n"+result.Stdout)
	}

	if result.Stderr != "" {
		parts = append(parts, "=== STDERR ===\n"+result.Stderr)
	}

	if len(result.OutputFiles) > 0 {
		var files strings.Builder
		files.WriteString("=== OUTPUT FILES ===")
		for _, f := range result.OutputFiles {
			files.WriteString("\n  - " + f)
		}
		parts = append(parts, files.String())
	}

	parts = append(parts, fmt.Sprintf("=== EXIT CODE: %d ===", result.ExitCode))
	parts = append(parts, fmt.Sprintf("=== DURATION: %.2fs ===", result.Duration.Seconds()))

	return strings.Join(parts, "\n\n")
}

// buildSandboxEnv marshals the configured collaborators into the environment
// the sandboxed xatu library reads. Absent collaborators contribute nothing;
// the library raises its own error when asked for an unconfigured backend.
func buildSandboxEnv(cfg *config.Config) []string {
	var env []string

	env = appendClusterEnv(env, "XATU_CLICKHOUSE", cfg.ClickHouse.Xatu)
	env = appendClusterEnv(env, "XATU_EXPERIMENTAL_CLICKHOUSE", cfg.ClickHouse.XatuExperimental)
	env = appendClusterEnv(env, "XATU_CBT_CLICKHOUSE", cfg.ClickHouse.XatuCBT)

	if cfg.Prometheus != nil {
		env = append(env, "XATU_PROMETHEUS_URL="+cfg.Prometheus.URL)
	}

	if cfg.Loki != nil {
		env = append(env, "XATU_LOKI_URL="+cfg.Loki.URL)
	}

	if cfg.Storage != nil {
		env = append(env,
			"XATU_S3_ENDPOINT="+cfg.Storage.Endpoint,
			"XATU_S3_ACCESS_KEY="+cfg.Storage.AccessKey,
			"XATU_S3_SECRET_KEY="+cfg.Storage.SecretKey,
			"XATU_S3_BUCKET="+cfg.Storage.Bucket,
			"XATU_S3_REGION="+cfg.Storage.Region,
		)
		if cfg.Storage.PublicURLPrefix != "" {
			env = append(env, "XATU_S3_PUBLIC_URL_PREFIX="+cfg.Storage.PublicURLPrefix)
		}
	}

	return env
}

func appendClusterEnv(env []string, prefix string, cluster *config.ClickHouseCluster) []string {
	if cluster == nil {
		return env
	}
	return append(env,
		prefix+"_HOST="+cluster.Host,
		prefix+"_PORT="+strconv.Itoa(cluster.Port),
		prefix+"_PROTOCOL="+cluster.Protocol,
		prefix+"_USER="+cluster.User,
		prefix+"_PASSWORD="+cluster.Password,
		prefix+"_DATABASE="+cluster.Database,
	)
}
