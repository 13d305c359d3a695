// ABOUTME: Manual full-sync sweep command
// ABOUTME: Runs every source record through the reconciliation pipeline with Ctrl-C abort
package cli

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/relaycrm/bridge/models"
)

// SweepCommand runs a full sync sweep from one platform.
func SweepCommand(database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	source := fs.String("source", "site", "Sweep source platform (site or portal)")
	_ = fs.Parse(args)

	platform := models.Platform(*source)
	if !platform.Valid() {
		return fmt.Errorf("invalid --source %q (want site or portal)", *source)
	}

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	_, engine, listers, err := buildEngine(database, cfg)
	if err != nil {
		return err
	}

	// Ctrl-C stops the sweep after the in-progress record completes.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Sweeping %s contacts...\n", platform)

	stats, err := engine.Sweep(ctx, platform, listers[platform])
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sweep failed: %w", err)
	}

	if errors.Is(err, context.Canceled) {
		fmt.Printf("\n✗ Sweep aborted after %d records\n", stats.Total)
	} else {
		fmt.Printf("\n✓ Swept %d contacts\n", stats.Total)
	}
	if stats.Committed > 0 {
		fmt.Printf("  ✓ Propagated %d changes\n", stats.Committed)
	}
	if stats.Skipped > 0 {
		fmt.Printf("  → Skipped %d (guards or unchanged)\n", stats.Skipped)
	}
	if stats.Failed > 0 {
		fmt.Printf("  ✗ Failed %d (see 'bridge events')\n", stats.Failed)
	}

	return nil
}
