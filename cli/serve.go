// ABOUTME: Serve command for the webhook server
// ABOUTME: Wires the engine and HTTP surface and blocks on the listener
package cli

import (
	"database/sql"
	"flag"
	"fmt"

	"github.com/relaycrm/bridge/web"
)

// ServeCommand starts the webhook server.
func ServeCommand(database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8090", "Listen address")
	_ = fs.Parse(args)

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, engine, listers, err := buildEngine(database, cfg)
	if err != nil {
		return err
	}

	server := web.NewServer(database, engine, store, cfg.Tenant, listers)
	return server.Start(*addr)
}
