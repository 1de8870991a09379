package main

import (
	"github.com/spf13/cobra"

	"github.com/roboricindustries/raycon-dispatch/pkg/policy"
)

func buildServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch service",
		Long: `Run the dispatch service for one tenant.

The service:
1. Opens the conversation and agent store
2. Joins the tenant presence channel and keeps it connected
3. Consumes conversation arrivals from RabbitMQ when a broker is configured
4. Sweeps the pending queue on a schedule
5. Serves Prometheus metrics

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), a)
		},
	}
}

func buildHubCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Serve presence channels over WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags)
			if err != nil {
				return err
			}
			if addr != "" {
				a.cfg.Hub.Addr = addr
			}
			return runHub(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides hub.addr)")
	return cmd
}

func buildAgentCmd(flags *globalFlags) *cobra.Command {
	var opts agentOptions
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run an agent session: attach presence, heartbeat and reconnect",
		Example: `  # Attach as agent-1 through the configured presence transport
  raycon-dispatch agent --id agent-1 --name Ana

  # Also register the agent in the store so it can receive conversations
  raycon-dispatch agent --id agent-1 --role agent --sector billing --register`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags)
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "Agent ID (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&opts.Role, "role", string(policy.RoleAgent), "Role used when registering")
	cmd.Flags().StringVar(&opts.Sector, "sector", "", "Sector used when registering")
	cmd.Flags().StringVar(&opts.Status, "status", string(policy.StatusOnline), "Presence status: online|away|offline")
	cmd.Flags().BoolVar(&opts.Register, "register", false, "Upsert the agent into the store and write activity on heartbeat")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func buildDistributeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "distribute <conversation-id>",
		Short: "Route one conversation now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags)
			if err != nil {
				return err
			}
			return runDistribute(cmd.Context(), a, args[0], cmd.OutOrStdout())
		},
	}
}

func buildSweepCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Sweep the pending queue once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags)
			if err != nil {
				return err
			}
			return runSweepOnce(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
}

func buildAgentsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the tenant's agents with liveness, load and capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags)
			if err != nil {
				return err
			}
			return runAgents(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
}
