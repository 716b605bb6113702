// Package main is the entry point for the xatu-mcp gateway.
package main

import (
	"os"

	"github.com/ethpandaops/xatu-mcp/cmd/xatu-mcp/app"
	"github.com/ethpandaops/xatu-mcp/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
