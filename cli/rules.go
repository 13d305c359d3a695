// ABOUTME: Mapping rule CLI commands
// ABOUTME: Lists the active rule set and resets the system defaults
package cli

import (
	"database/sql"
	"flag"
	"fmt"

	"github.com/relaycrm/bridge/db"
	"github.com/relaycrm/bridge/rules"
)

// RulesListCommand prints the mapping rule table.
func RulesListCommand(database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	_ = fs.Parse(args)

	all, err := db.ListMappingRules(database)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}

	if len(all) == 0 {
		fmt.Println("No mapping rules configured")
		return nil
	}

	fmt.Printf("%-36s  %-14s  %-14s  %-16s  %-14s  %s\n",
		"ID", "LOCAL FIELD", "REMOTE PROP", "DIRECTION", "TRANSFORM", "FLAGS")
	for _, r := range all {
		flags := ""
		if r.IsDefault {
			flags += "default "
		}
		if !r.Active {
			flags += "inactive"
		}
		fmt.Printf("%-36s  %-14s  %-14s  %-16s  %-14s  %s\n",
			r.ID, r.LocalField, r.RemoteProperty, r.Direction, r.Transform, flags)
	}

	return nil
}

// RulesResetCommand restores every default rule to its seeded configuration.
func RulesResetCommand(database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	_ = fs.Parse(args)

	if err := db.ResetDefaultRules(database, rules.Defaults()); err != nil {
		return fmt.Errorf("failed to reset rules: %w", err)
	}

	fmt.Printf("✓ Restored %d default mapping rules\n", len(rules.Defaults()))
	return nil
}
