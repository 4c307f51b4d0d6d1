// Package app provides the entry point for the mcp-orch command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:               "mcp-orch",
	DisableAutoGenTag: true,
	Short:             "mcp-orch is a multi-tenant gateway for MCP servers",
	Long: `mcp-orch federates multiple MCP (Model Context Protocol) servers behind a
single SSE endpoint. Backend servers are defined per project, stored with
their secrets encrypted at rest, spawned or connected on first use, shared
across client channels, and evicted once idle.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		_ = cmd.Help()
	},
}

// NewRootCmd creates a new root command for the mcp-orch CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
