// Package app provides the entry point for the xatu-mcp command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ethpandaops/xatu-mcp/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "xatu-mcp",
	DisableAutoGenTag: true,
	Short:             "xatu-mcp is a model-context gateway for Ethereum network data",
	Long: `xatu-mcp is an MCP (Model Context Protocol) gateway that lets models analyze
Ethereum network data without ever seeing the data plane directly.

Callers authenticate with GitHub through the built-in OAuth 2.1 authorization
server, then run Python analysis code in a hardened container sandbox. The
sandbox carries credentials for ClickHouse, Prometheus, Loki and object
storage; only stdout, stderr and artifact names leave it.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the xatu-mcp CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
