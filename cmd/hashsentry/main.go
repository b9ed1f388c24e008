package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hashsentry/hashsentry/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hashsentry",
	Short: "HashSentry - mining telemetry and control plane",
	Long: `HashSentry is the bidirectional pipeline between a cloud control
plane and on-premise mining farms: edge agents poll CGMiner-compatible
hardware and upload telemetry, the CDC backbone turns business writes into
an ordered, exactly-once-consumed event stream, and the command queue
dispatches signed miner commands back to the edge.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"HashSentry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(edgeCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(auditCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level: logLevel,
		JSON:  logJSON,
	})
}
