// ABOUTME: Tenant connect and disconnect commands
// ABOUTME: Stores encrypted tokens after OAuth completion and purges state on disconnect
package cli

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"time"

	"github.com/relaycrm/bridge/db"
)

// ConnectCommand stores the token pair produced by the external OAuth flow.
func ConnectCommand(database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Tenant name (default: BRIDGE_TENANT)")
	accessToken := fs.String("access-token", "", "OAuth access token (required)")
	refreshToken := fs.String("refresh-token", "", "OAuth refresh token (required)")
	expiresIn := fs.Duration("expires-in", 6*time.Hour, "Access token lifetime")
	_ = fs.Parse(args)

	if *accessToken == "" || *refreshToken == "" {
		return fmt.Errorf("--access-token and --refresh-token are required")
	}

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *tenant == "" {
		*tenant = cfg.Tenant
	}

	store, _, _, err := buildEngine(database, cfg)
	if err != nil {
		return err
	}

	expiry := time.Now().Add(*expiresIn)
	if err := store.Store(context.Background(), *tenant, *accessToken, *refreshToken, expiry); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	fmt.Printf("✓ Tenant %q connected (token expires %s)\n", *tenant, expiry.Format(time.RFC3339))
	return nil
}

// DisconnectCommand revokes a tenant's credentials and purges its ledger.
func DisconnectCommand(database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("disconnect", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Tenant name (default: BRIDGE_TENANT)")
	keepMappings := fs.Bool("keep-mappings", false, "Keep the contact mapping ledger")
	_ = fs.Parse(args)

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *tenant == "" {
		*tenant = cfg.Tenant
	}

	store, _, _, err := buildEngine(database, cfg)
	if err != nil {
		return err
	}

	if err := store.Revoke(context.Background(), *tenant); err != nil {
		return fmt.Errorf("failed to revoke credentials: %w", err)
	}
	fmt.Printf("✓ Tenant %q disconnected\n", *tenant)

	if !*keepMappings {
		if err := db.DeleteAllMappings(database); err != nil {
			return fmt.Errorf("failed to purge contact mappings: %w", err)
		}
		fmt.Println("✓ Contact mapping ledger purged")
	}

	return nil
}
