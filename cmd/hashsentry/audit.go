package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hashsentry/hashsentry/pkg/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit chain operations",
}

var auditTenant string

func init() {
	auditVerifyCmd.Flags().StringVar(&auditTenant, "tenant", "", "Tenant whose chain to verify")
	auditCmd.AddCommand(auditVerifyCmd)
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Walk a tenant's audit chain and verify every link",
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditTenant == "" {
			return fmt.Errorf("--tenant is required")
		}
		store, err := openOpsStore()
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := audit.Verify(context.Background(), store, auditTenant)
		if err != nil {
			return err
		}

		if report.VerifyOK {
			fmt.Printf("Chain OK: %d events verified\n", report.Events)
			return nil
		}
		fmt.Printf("CHAIN BROKEN at event %s (%d events walked)\n", report.FirstBrokenEventID, report.Events)
		return fmt.Errorf("audit chain verification failed")
	},
}
