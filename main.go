// ABOUTME: Entry point for the contact sync bridge
// ABOUTME: Routes to serve, sweep, credential, rule, and audit commands
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"

	"github.com/relaycrm/bridge/cli"
	"github.com/relaycrm/bridge/db"
	"github.com/relaycrm/bridge/rules"
)

const version = "0.2.0"

func main() {
	// Global flags
	showVersion := flag.Bool("version", false, "Show version and exit")
	dbPath := flag.String("db-path", "", "Database path (default: ~/.local/share/bridge/bridge.db)")
	initOnly := flag.Bool("init", false, "Initialize database and exit")

	// A local .env supplies BRIDGE_* settings in development.
	_ = godotenv.Load()

	_ = flag.CommandLine.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("bridge version %s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(0)
	}

	finalDBPath := getDatabasePath(*dbPath)
	database, err := db.OpenDatabase(finalDBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	// The default rule set is always present.
	if err := db.EnsureRules(database, rules.Defaults()); err != nil {
		log.Fatalf("Failed to seed default mapping rules: %v", err)
	}

	if *initOnly {
		log.Printf("Database initialized at %s", finalDBPath)
		os.Exit(0)
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "serve":
		if err := cli.ServeCommand(database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}

	case "sweep":
		if err := cli.SweepCommand(database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}

	case "connect":
		if err := cli.ConnectCommand(database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}

	case "disconnect":
		if err := cli.DisconnectCommand(database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}

	case "rules":
		if len(commandArgs) == 0 {
			fmt.Println("Error: rules requires a subcommand (list or reset)")
			printUsage()
			os.Exit(1)
		}
		switch commandArgs[0] {
		case "list":
			if err := cli.RulesListCommand(database, commandArgs[1:]); err != nil {
				log.Fatalf("Error: %v", err)
			}
		case "reset":
			if err := cli.RulesResetCommand(database, commandArgs[1:]); err != nil {
				log.Fatalf("Error: %v", err)
			}
		default:
			fmt.Printf("Unknown rules command: %s\n\n", commandArgs[0])
			printUsage()
			os.Exit(1)
		}

	case "events":
		if err := cli.EventsCommand(database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}

	case "retry":
		if err := cli.RetryCommand(database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}

	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func getDatabasePath(dbPath string) string {
	if dbPath != "" {
		return dbPath
	}
	return filepath.Join(xdg.DataHome, "bridge", "bridge.db")
}

func printUsage() {
	fmt.Printf(`bridge v%s - bi-directional contact sync bridge

USAGE:
  bridge [global flags] <command> [subcommand] [flags]

GLOBAL FLAGS:
  --version              Show version and exit
  --db-path <path>       Database path (default: ~/.local/share/bridge/bridge.db)
  --init                 Initialize database and exit

COMMANDS:
  serve                  Start the webhook server
    --addr <addr>          Listen address (default :8090)

  sweep                  Run a full sync sweep
    --source <platform>    Sweep source: site or portal (default site)

  connect                Store OAuth tokens for a tenant
    --tenant <name>        Tenant name (default: BRIDGE_TENANT)
    --access-token <tok>   OAuth access token (required)
    --refresh-token <tok>  OAuth refresh token (required)
    --expires-in <dur>     Access token lifetime (default 6h)

  disconnect             Revoke a tenant and purge its ledger
    --tenant <name>        Tenant name (default: BRIDGE_TENANT)
    --keep-mappings        Keep the contact mapping ledger

  rules list             Show the field mapping rules
  rules reset            Restore the default mapping rules

  events                 Show recent sync events
    --limit <n>            Max events (default 25)
    --before <id>          Page to events older than this id

  retry <event-id>       Retry a failed sync event

CONFIGURATION:
  Set via environment or a local .env file:
  BRIDGE_SECRET, BRIDGE_TENANT, BRIDGE_SITE_API_URL, BRIDGE_PORTAL_API_URL,
  BRIDGE_DEDUPE_WINDOW, BRIDGE_REFRESH_MARGIN, BRIDGE_REQUEST_TIMEOUT,
  BRIDGE_OAUTH_CLIENT_ID, BRIDGE_OAUTH_CLIENT_SECRET, BRIDGE_OAUTH_TOKEN_URL

EXAMPLES:
  # Initialize the database
  bridge --init serve

  # Connect the portal tenant after completing OAuth
  bridge connect --access-token AT --refresh-token RT --expires-in 6h

  # Start receiving webhooks
  bridge serve --addr :8090

  # Force a full reconciliation from the site
  bridge sweep --source site

`, version)
}
