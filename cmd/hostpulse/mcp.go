package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baikal/hostpulse/internal/config"
	"github.com/baikal/hostpulse/internal/mcp"
	"github.com/baikal/hostpulse/internal/store"
)

// newMCPCmd builds the mcp command. It opens the store read-only-in-
// spirit (queries only) and serves tools over stdio, so stdout stays a
// clean protocol channel.
func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start Model Context Protocol (MCP) server",
		Long: `Starts a JSON-RPC server implementing the Model Context Protocol (MCP).
This allows AI agents (e.g., Claude Desktop, Cursor) to query the host's
telemetry store: current metrics, summaries, anomalies, and a ready-made
context prompt.

Communication happens over standard input/output (stdio).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Store, zap.NewNop())
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return mcp.NewServer(version, st).Start(ctx)
		},
	}
}
