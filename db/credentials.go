// ABOUTME: Tenant credential persistence
// ABOUTME: Stores encrypted OAuth token blobs per connected portal
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/relaycrm/bridge/models"
)

// GetCredential loads the credential row for a tenant. Returns nil when the
// tenant has never connected.
func GetCredential(db *sql.DB, tenant string) (*models.TenantCredential, error) {
	cred := &models.TenantCredential{}

	err := db.QueryRow(`
		SELECT tenant, access_token_enc, refresh_token_enc, expires_at, sync_enabled, created_at, updated_at
		FROM tenant_credentials WHERE tenant = ?
	`, tenant).Scan(
		&cred.Tenant,
		&cred.AccessTokenEnc,
		&cred.RefreshTokenEnc,
		&cred.ExpiresAt,
		&cred.SyncEnabled,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return cred, nil
}

// UpsertCredential stores or replaces the encrypted tokens for a tenant and
// re-enables sync for it.
func UpsertCredential(db *sql.DB, tenant string, accessEnc, refreshEnc []byte, expiresAt time.Time) error {
	_, err := db.Exec(`
		INSERT INTO tenant_credentials (tenant, access_token_enc, refresh_token_enc, expires_at, sync_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(tenant) DO UPDATE SET
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = excluded.refresh_token_enc,
			expires_at = excluded.expires_at,
			sync_enabled = 1,
			updated_at = excluded.updated_at
	`, tenant, accessEnc, refreshEnc, expiresAt, time.Now(), time.Now())

	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}

	return nil
}

// SetSyncEnabled flips the sync flag for a tenant. A refresh failure disables
// sync until the tenant reconnects.
func SetSyncEnabled(db *sql.DB, tenant string, enabled bool) error {
	_, err := db.Exec(`
		UPDATE tenant_credentials SET sync_enabled = ?, updated_at = ? WHERE tenant = ?
	`, enabled, time.Now(), tenant)

	if err != nil {
		return fmt.Errorf("failed to update sync flag: %w", err)
	}

	return nil
}

// DeleteCredential removes a tenant's credential row on disconnect.
func DeleteCredential(db *sql.DB, tenant string) error {
	_, err := db.Exec(`DELETE FROM tenant_credentials WHERE tenant = ?`, tenant)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
