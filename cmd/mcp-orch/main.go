// Package main is the entry point for the mcp-orch gateway.
package main

import (
	"os"

	"github.com/mcp-orch/mcp-orch/cmd/mcp-orch/app"
	"github.com/mcp-orch/mcp-orch/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
