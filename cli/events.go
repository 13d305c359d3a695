// ABOUTME: Sync event audit commands
// ABOUTME: Lists recent reconciliation attempts and retries failed ones
package cli

import (
	"context"
	"database/sql"
	"flag"
	"fmt"

	"github.com/relaycrm/bridge/db"
)

// EventsCommand prints recent sync events, newest first.
func EventsCommand(database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	limit := fs.Int("limit", 25, "Max events to show")
	before := fs.String("before", "", "Show events older than this event id")
	_ = fs.Parse(args)

	events, err := db.ListSyncEvents(database, *limit, *before)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No sync events recorded")
		return nil
	}

	for _, ev := range events {
		detail := ev.SkipReason
		if ev.Status == "failed" {
			detail = fmt.Sprintf("%s: %s", ev.ErrorKind, ev.ErrorText)
		}
		fmt.Printf("%s  %-7s  %-7s  %-6s  local=%s remote=%s  %s\n",
			ev.CreatedAt.Format("2006-01-02 15:04:05"),
			ev.Status, ev.Source, ev.Action, ev.LocalID, ev.RemoteID, detail)
	}

	return nil
}

// RetryCommand re-enters one failed event into the pipeline.
func RetryCommand(database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: bridge retry <event-id>")
	}
	eventID := fs.Arg(0)

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	_, engine, _, err := buildEngine(database, cfg)
	if err != nil {
		return err
	}

	se, err := engine.Retry(context.Background(), eventID)
	if err != nil {
		return fmt.Errorf("retry failed: %w", err)
	}

	switch se.Status {
	case "success":
		fmt.Printf("✓ Event %s retried: %s\n", eventID, se.Action)
	case "skipped":
		fmt.Printf("→ Event %s skipped on retry: %s\n", eventID, se.SkipReason)
	default:
		fmt.Printf("✗ Event %s failed again: %s: %s\n", eventID, se.ErrorKind, se.ErrorText)
	}

	return nil
}
