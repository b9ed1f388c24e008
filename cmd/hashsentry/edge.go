package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hashsentry/hashsentry/pkg/edge"
	"github.com/hashsentry/hashsentry/pkg/log"
)

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Run the on-prem edge collector agent",
	Long: `Runs the edge collector: polls the configured miners over the
CGMiner TCP API, uploads telemetry batches to the control plane, and
executes signed commands fetched over the long-poll.`,
	RunE: runEdge,
}

func init() {
	edgeCmd.Flags().String("config", "edge.yaml", "Path to the agent configuration file")
}

func runEdge(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := edge.LoadConfig(configPath)
	if err != nil {
		return err
	}

	agent, err := edge.NewAgent(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agent.Start(ctx)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done

	log.Info("shutdown signal received")
	cancel()
	return agent.Stop()
}
