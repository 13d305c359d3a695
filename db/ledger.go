// ABOUTME: Contact mapping ledger persistence
// ABOUTME: Durable 1:1 cross-reference between site and portal contact identities
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relaycrm/bridge/models"
)

// ErrLedgerConflict is returned when an upsert would violate the 1:1 mapping
// invariant. Per-identity locking should make this unreachable; hitting it is
// a bug-class condition.
var ErrLedgerConflict = errors.New("ledger write conflict")

// FindMappingByLocalID looks up a ledger entry by the site-side contact id.
func FindMappingByLocalID(db *sql.DB, localID string) (*models.ContactMapping, error) {
	return findMapping(db, "local_id", localID)
}

// FindMappingByRemoteID looks up a ledger entry by the portal-side contact id.
func FindMappingByRemoteID(db *sql.DB, remoteID string) (*models.ContactMapping, error) {
	return findMapping(db, "remote_id", remoteID)
}

func findMapping(db *sql.DB, column, value string) (*models.ContactMapping, error) {
	m := &models.ContactMapping{}

	err := db.QueryRow(`
		SELECT id, local_id, remote_id, last_sync_source, last_synced_at, last_known_hash, created_at, updated_at
		FROM contact_mappings WHERE `+column+` = ?
	`, value).Scan(
		&m.ID,
		&m.LocalID,
		&m.RemoteID,
		&m.LastSyncSource,
		&m.LastSyncedAt,
		&m.LastKnownHash,
		&m.CreatedAt,
		&m.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find contact mapping: %w", err)
	}

	return m, nil
}

// UpsertMapping creates the ledger entry for a contact pair, or refreshes the
// provenance columns when the pair is already linked. It is the only write
// path that can create a mapping row. Linking either id to a second partner
// fails with ErrLedgerConflict.
func UpsertMapping(db *sql.DB, m *models.ContactMapping) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // Safe even after commit
	}()

	var existingID, existingLocal, existingRemote string
	err = tx.QueryRow(`
		SELECT id, local_id, remote_id FROM contact_mappings
		WHERE local_id = ? OR remote_id = ?
	`, m.LocalID, m.RemoteID).Scan(&existingID, &existingLocal, &existingRemote)

	now := time.Now()

	switch {
	case err == sql.ErrNoRows:
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.CreatedAt = now
		m.UpdatedAt = now
		_, err = tx.Exec(`
			INSERT INTO contact_mappings (id, local_id, remote_id, last_sync_source, last_synced_at, last_known_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID.String(), m.LocalID, m.RemoteID, string(m.LastSyncSource), m.LastSyncedAt, m.LastKnownHash, m.CreatedAt, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLedgerConflict, err)
		}

	case err != nil:
		return fmt.Errorf("failed to check existing mapping: %w", err)

	case existingLocal != m.LocalID || existingRemote != m.RemoteID:
		// One side of the pair is already linked to a different partner.
		return fmt.Errorf("%w: (%s, %s) collides with existing (%s, %s)",
			ErrLedgerConflict, m.LocalID, m.RemoteID, existingLocal, existingRemote)

	default:
		m.ID, err = uuid.Parse(existingID)
		if err != nil {
			return fmt.Errorf("failed to parse mapping id: %w", err)
		}
		m.UpdatedAt = now
		_, err = tx.Exec(`
			UPDATE contact_mappings
			SET last_sync_source = ?, last_synced_at = ?, last_known_hash = ?, updated_at = ?
			WHERE id = ?
		`, string(m.LastSyncSource), m.LastSyncedAt, m.LastKnownHash, m.UpdatedAt, existingID)
		if err != nil {
			return fmt.Errorf("failed to update mapping: %w", err)
		}
	}

	return tx.Commit()
}

// TouchMapping records a successful propagation on an existing ledger entry.
func TouchMapping(db *sql.DB, id uuid.UUID, source models.SyncSource, hash string, at time.Time) error {
	res, err := db.Exec(`
		UPDATE contact_mappings
		SET last_sync_source = ?, last_synced_at = ?, last_known_hash = ?, updated_at = ?
		WHERE id = ?
	`, string(source), at, hash, time.Now(), id.String())
	if err != nil {
		return fmt.Errorf("failed to touch mapping: %w", err)
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("contact mapping not found: %s", id)
	}

	return nil
}

// CountMappings returns the number of linked contact pairs.
func CountMappings(db *sql.DB) (int, error) {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM contact_mappings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return count, nil
}

// DeleteAllMappings purges the ledger. Only used on tenant disconnect or
// data reset.
func DeleteAllMappings(db *sql.DB) error {
	_, err := db.Exec(`DELETE FROM contact_mappings`)
	if err != nil {
		return fmt.Errorf("failed to delete mappings: %w", err)
	}
	return nil
}
