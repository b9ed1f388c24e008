// Command hashsentry-migrate creates or updates the control-plane schema.
package main

import (
	"fmt"
	"os"

	"github.com/hashsentry/hashsentry/pkg/config"
	"github.com/hashsentry/hashsentry/pkg/storage/gormstore"
)

func main() {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "Error: DATABASE_URL is required")
		os.Exit(1)
	}

	store, err := gormstore.Open(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: migration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Schema up to date")
}
