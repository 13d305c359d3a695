// ABOUTME: Tests for tenant credential persistence
// ABOUTME: Covers upsert re-enabling sync, the sync-enabled flag, and deletion
package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialLifecycle(t *testing.T) {
	database := openTestDB(t)

	cred, err := GetCredential(database, "acme")
	require.NoError(t, err)
	assert.Nil(t, cred, "unknown tenants return nil, not an error")

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, UpsertCredential(database, "acme", []byte("enc-a"), []byte("enc-r"), expiry))

	cred, err = GetCredential(database, "acme")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, []byte("enc-a"), cred.AccessTokenEnc)
	assert.Equal(t, []byte("enc-r"), cred.RefreshTokenEnc)
	assert.True(t, cred.SyncEnabled)
	assert.WithinDuration(t, expiry, cred.ExpiresAt, time.Second)

	require.NoError(t, SetSyncEnabled(database, "acme", false))
	cred, err = GetCredential(database, "acme")
	require.NoError(t, err)
	assert.False(t, cred.SyncEnabled)

	// Storing a new token pair reconnects the tenant
	require.NoError(t, UpsertCredential(database, "acme", []byte("enc-a2"), []byte("enc-r2"), expiry))
	cred, err = GetCredential(database, "acme")
	require.NoError(t, err)
	assert.True(t, cred.SyncEnabled, "a fresh credential re-enables sync")
	assert.Equal(t, []byte("enc-a2"), cred.AccessTokenEnc)

	require.NoError(t, DeleteCredential(database, "acme"))
	cred, err = GetCredential(database, "acme")
	require.NoError(t, err)
	assert.Nil(t, cred)
}
