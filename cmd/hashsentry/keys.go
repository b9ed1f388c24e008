package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hashsentry/hashsentry/pkg/registry"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage collector keys and edge devices",
}

var (
	keyTenant string
	keySite   string
	keyActor  string
)

func init() {
	for _, c := range []*cobra.Command{keysGenerateCmd, keysRevokeCmd, keysDeviceCmd} {
		c.Flags().StringVar(&keyTenant, "tenant", "", "Tenant the action belongs to")
		c.Flags().StringVar(&keyActor, "actor", "operator", "Acting operator id")
	}
	keysGenerateCmd.Flags().StringVar(&keySite, "site", "", "Site the key authenticates")
	keysDeviceCmd.Flags().StringVar(&keySite, "site", "", "Site the device serves")

	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysDeviceCmd)
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Mint a collector key for a site",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyTenant == "" || keySite == "" {
			return fmt.Errorf("--tenant and --site are required")
		}
		store, err := openOpsStore()
		if err != nil {
			return err
		}
		defer store.Close()

		plaintext, key, err := registry.NewService(store).CreateCollectorKey(context.Background(), keyTenant, keySite, keyActor)
		if err != nil {
			return err
		}

		fmt.Printf("Key ID:  %s\n", key.ID)
		fmt.Printf("Token:   %s\n", plaintext)
		fmt.Println("Store the token now; only its hash is persisted.")
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke a collector key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyTenant == "" {
			return fmt.Errorf("--tenant is required")
		}
		store, err := openOpsStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := registry.NewService(store).RevokeCollectorKey(context.Background(), keyTenant, args[0], keyActor); err != nil {
			return err
		}
		fmt.Printf("Key %s revoked\n", args[0])
		return nil
	},
}

var keysDeviceCmd = &cobra.Command{
	Use:   "register-device <name>",
	Short: "Register an edge device and print its shared secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyTenant == "" || keySite == "" {
			return fmt.Errorf("--tenant and --site are required")
		}
		store, err := openOpsStore()
		if err != nil {
			return err
		}
		defer store.Close()

		device, err := registry.NewService(store).RegisterDevice(context.Background(), keyTenant, keySite, args[0], keyActor)
		if err != nil {
			return err
		}

		fmt.Printf("Device ID: %s\n", device.ID)
		fmt.Printf("Secret:    %x\n", device.HMACSecret)
		fmt.Println("Copy the secret into the agent configuration; it is shown once.")
		return nil
	},
}
