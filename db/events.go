// ABOUTME: Append-only sync event log persistence
// ABOUTME: Records every reconciliation attempt with paginated reads
package db

import (
	"database/sql"
	"fmt"

	"github.com/relaycrm/bridge/models"
)

// AppendSyncEvent writes one audit record. Events are never mutated after
// creation.
func AppendSyncEvent(db *sql.DB, ev *models.SyncEvent) error {
	_, err := db.Exec(`
		INSERT INTO sync_events (id, source, trigger_kind, action, status, local_id, remote_id, skip_reason, error_kind, error_text, fields, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, string(ev.Source), string(ev.Trigger), ev.Action, ev.Status, ev.LocalID, ev.RemoteID,
		ev.SkipReason, string(ev.ErrorKind), ev.ErrorText, ev.Fields, ev.DurationMS, ev.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append sync event: %w", err)
	}

	return nil
}

// GetSyncEvent loads a single event by id. Returns nil when not found.
func GetSyncEvent(db *sql.DB, id string) (*models.SyncEvent, error) {
	ev := &models.SyncEvent{}

	err := db.QueryRow(`
		SELECT id, source, trigger_kind, action, status, local_id, remote_id, skip_reason, error_kind, error_text, fields, duration_ms, created_at
		FROM sync_events WHERE id = ?
	`, id).Scan(
		&ev.ID, &ev.Source, &ev.Trigger, &ev.Action, &ev.Status, &ev.LocalID, &ev.RemoteID,
		&ev.SkipReason, &ev.ErrorKind, &ev.ErrorText, &ev.Fields, &ev.DurationMS, &ev.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync event: %w", err)
	}

	return ev, nil
}

// ListSyncEvents returns up to limit events, newest first. A non-empty
// beforeID cursor returns events older than that id (ULIDs sort by time).
func ListSyncEvents(db *sql.DB, limit int, beforeID string) ([]models.SyncEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error

	if beforeID != "" {
		rows, err = db.Query(`
			SELECT id, source, trigger_kind, action, status, local_id, remote_id, skip_reason, error_kind, error_text, fields, duration_ms, created_at
			FROM sync_events
			WHERE id < ?
			ORDER BY id DESC
			LIMIT ?
		`, beforeID, limit)
	} else {
		rows, err = db.Query(`
			SELECT id, source, trigger_kind, action, status, local_id, remote_id, skip_reason, error_kind, error_text, fields, duration_ms, created_at
			FROM sync_events
			ORDER BY id DESC
			LIMIT ?
		`, limit)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query sync events: %w", err)
	}
	defer rows.Close()

	var events []models.SyncEvent
	for rows.Next() {
		var ev models.SyncEvent
		if err := rows.Scan(&ev.ID, &ev.Source, &ev.Trigger, &ev.Action, &ev.Status, &ev.LocalID, &ev.RemoteID,
			&ev.SkipReason, &ev.ErrorKind, &ev.ErrorText, &ev.Fields, &ev.DurationMS, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync event: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// CountEventsByStatus returns event totals keyed by status.
func CountEventsByStatus(db *sql.DB) (map[string]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM sync_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[status] = n
	}

	return counts, rows.Err()
}
