// hostpulse — host-local telemetry agent.
//
// Samples cpu/ram/gpu/disk/network/process/context metrics on a
// multi-rate schedule, persists them to an embedded sqlite store,
// detects threshold violations and spikes against rolling baselines,
// and serves a loopback HTTP API for dashboards plus an MCP stdio
// bridge for local AI assistants.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/baikal/hostpulse/internal/collector"
	"github.com/baikal/hostpulse/internal/config"
	"github.com/baikal/hostpulse/internal/health"
	"github.com/baikal/hostpulse/internal/logging"
	"github.com/baikal/hostpulse/internal/metrics"
	"github.com/baikal/hostpulse/internal/output"
	"github.com/baikal/hostpulse/internal/pipeline"
)

var (
	version = "0.1.0"
)

// Exit codes contract: clean shutdown 0, configuration error 1, storage
// initialization failure 2, bind failure 3, interrupt 130.
const (
	exitConfig    = 1
	exitStore     = 2
	exitBind      = 3
	exitInterrupt = 130
)

func main() {
	os.Exit(execute())
}

func execute() int {
	var configPath string
	code := 0

	rootCmd := &cobra.Command{
		Use:   "hostpulse",
		Short: "Host-local system telemetry agent",
		Long: `hostpulse — single Go binary for continuous host telemetry.

Collects cpu, ram, gpu, disk, network, process and user-context metrics
on a multi-rate schedule, stores them in an embedded sqlite time-series
database, and detects anomalies against rolling baselines. Serves a
loopback-only HTTP API for dashboards and an MCP stdio server for local
AI assistants. All data stays on this machine.`,
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the telemetry agent",
		Long:  "Start the scheduler, collectors, anomaly engine, store writer and HTTP API. Blocks until SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			code = runAgent(configPath)
			return nil
		},
	}

	var collectOutput string
	collectCmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect a single snapshot",
		Long:  "Run every enabled collector once and print the snapshot as indented JSON. No store, no daemon.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return collectOnce(configPath, collectOutput)
		},
	}
	collectCmd.Flags().StringVarP(&collectOutput, "output", "o", "-", "Output file path (- for stdout)")

	rootCmd.AddCommand(runCmd, collectCmd, newMCPCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		return exitConfig
	}
	return code
}

// collectOnce handles the `collect` command: one tick at the slowest
// cadence so every enabled collector contributes, then JSON to stdout
// or a file.
func collectOnce(configPath, outputPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is uninteresting

	cs := collector.Registry(cfg, &collector.ExecCommandRunner{})
	if len(cs) == 0 {
		return fmt.Errorf("no collectors enabled")
	}
	pipe := pipeline.New(cs, cfg.TickBudget(), log, health.NewRegistry(), metrics.New())

	snap, err := pipe.RunTick(context.Background(), collector.CadenceLow)
	if err != nil {
		return err
	}
	return output.WriteJSON(snap, outputPath)
}
