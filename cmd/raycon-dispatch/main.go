// Package main is the raycon-dispatch command. It routes incoming
// conversations to live agents of a tenant and keeps agent presence.
//
// # Basic Usage
//
// Run the dispatch service:
//
//	raycon-dispatch serve --config dispatch.yaml
//
// Serve presence over WebSocket for deployments without a broker:
//
//	raycon-dispatch hub --config dispatch.yaml
//
// Simulate an agent session:
//
//	raycon-dispatch agent --id agent-1 --name Ana
//
// The config path can also be given in RAYCON_DISPATCH_CONFIG.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	tenant     string
}

func buildRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:          "raycon-dispatch",
		Short:        "Conversation routing with agent presence",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("RAYCON_DISPATCH_CONFIG"),
		"Path to YAML configuration file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&flags.tenant, "tenant", "", "Override the configured tenant")

	rootCmd.AddCommand(
		buildServeCmd(&flags),
		buildHubCmd(&flags),
		buildAgentCmd(&flags),
		buildDistributeCmd(&flags),
		buildSweepCmd(&flags),
		buildAgentsCmd(&flags),
	)
	return rootCmd
}
