package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hashsentry/hashsentry/pkg/config"
	"github.com/hashsentry/hashsentry/pkg/dlq"
	"github.com/hashsentry/hashsentry/pkg/storage"
	"github.com/hashsentry/hashsentry/pkg/storage/gormstore"
	"github.com/hashsentry/hashsentry/pkg/transport"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered events",
}

var (
	dlqConsumer string
	dlqKind     string
	dlqTenant   string
	dlqSince    string
	dlqLimit    int
	dlqDryRun   bool
)

func init() {
	for _, c := range []*cobra.Command{dlqStatsCmd, dlqListCmd, dlqReplayCmd} {
		c.Flags().StringVar(&dlqConsumer, "consumer", "", "Filter by consumer name")
		c.Flags().StringVar(&dlqKind, "kind", "", "Filter by event kind")
		c.Flags().StringVar(&dlqTenant, "tenant", "", "Filter by tenant")
		c.Flags().StringVar(&dlqSince, "since", "", "Filter by last failure time (RFC3339)")
	}
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "Maximum entries to show")
	dlqReplayCmd.Flags().IntVar(&dlqLimit, "limit", 100, "Maximum entries to replay")
	dlqReplayCmd.Flags().BoolVar(&dlqDryRun, "dry-run", false, "Report what would be replayed without side effects")

	dlqCmd.AddCommand(dlqStatsCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
}

func dlqFilter() (storage.DLQFilter, error) {
	f := storage.DLQFilter{
		ConsumerName: dlqConsumer,
		EventKind:    dlqKind,
		TenantID:     dlqTenant,
	}
	if dlqSince != "" {
		t, err := time.Parse(time.RFC3339, dlqSince)
		if err != nil {
			return f, fmt.Errorf("invalid --since: %w", err)
		}
		f.Since = t
	}
	return f, nil
}

func openOpsStore() (storage.Store, error) {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for DLQ operations")
	}
	return gormstore.Open(cfg.DatabaseURL)
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show counts of dead-lettered events",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openOpsStore()
		if err != nil {
			return err
		}
		defer store.Close()

		f, err := dlqFilter()
		if err != nil {
			return err
		}
		stats, err := store.StatsDLQ(context.Background(), f)
		if err != nil {
			return err
		}

		fmt.Printf("Total: %d\n", stats.Total)
		for bucket, n := range stats.Breakdown {
			fmt.Printf("  %-48s %d\n", bucket, n)
		}
		return nil
	},
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered events",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openOpsStore()
		if err != nil {
			return err
		}
		defer store.Close()

		f, err := dlqFilter()
		if err != nil {
			return err
		}
		entries, err := store.ListDLQ(context.Background(), f, dlqLimit)
		if err != nil {
			return err
		}

		for _, e := range entries {
			replayed := ""
			if e.Replayed {
				replayed = " (replayed)"
			}
			fmt.Printf("%s  %-16s %-24s %-10s retries=%d%s\n  %s\n",
				e.FirstFailedAt.Format(time.RFC3339),
				e.ConsumerName, e.EventKind, e.ErrorKind, e.RetryCount, replayed, e.ErrorDetail)
		}
		fmt.Printf("%d entries\n", len(entries))
		return nil
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-publish dead-lettered events to their original topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		store, err := openOpsStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if len(cfg.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for replay")
		}
		pub, err := transport.NewKafkaPublisher(transport.DefaultKafkaConfig(cfg.KafkaBrokers))
		if err != nil {
			return err
		}
		defer pub.Close()

		f, err := dlqFilter()
		if err != nil {
			return err
		}
		outcome, err := dlq.NewReplayer(store, pub).Replay(context.Background(), f, dlqLimit, dlqDryRun)
		if err != nil {
			return err
		}

		if outcome.DryRun {
			fmt.Printf("Dry run: %d entries would replay\n", outcome.Matched)
		} else {
			fmt.Printf("Replayed %d of %d entries\n", outcome.Replayed, outcome.Matched)
		}
		for bucket, n := range outcome.Breakdown {
			fmt.Printf("  %-48s %d\n", bucket, n)
		}
		return nil
	},
}
