// ABOUTME: Credential store with encrypted OAuth tokens and proactive refresh
// ABOUTME: Serializes refresh per tenant so concurrent syncs share one refresh call
package creds

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/relaycrm/bridge/db"
)

// DefaultRefreshMargin is how long before expiry a token is refreshed instead
// of handed out. Configurable via Options.
const DefaultRefreshMargin = 5 * time.Minute

var (
	// ErrNotConnected means the tenant has no usable credential. Callers
	// should fail fast without attempting remote calls.
	ErrNotConnected = errors.New("tenant is not connected")

	// ErrRefreshFailed wraps a failed token refresh. The tenant is marked
	// disconnected when this is returned.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Options configures a Store.
type Options struct {
	// Secret keys the at-rest token encryption. Required.
	Secret string

	// OAuth is the portal's OAuth2 client config used for refresh grants.
	// May be nil for stores that only hold long-lived tokens.
	OAuth *oauth2.Config

	// RefreshMargin overrides DefaultRefreshMargin when positive.
	RefreshMargin time.Duration
}

// Store hands out valid bearer tokens for connected tenants. Tokens are kept
// encrypted at rest and only decrypted at the point of use.
type Store struct {
	db     *sql.DB
	key    [32]byte
	oauth  *oauth2.Config
	margin time.Duration

	mu       sync.Mutex
	inflight map[string]*refreshCall
}

type refreshCall struct {
	done chan struct{}
	err  error
}

// NewStore creates a credential store over the given database.
func NewStore(database *sql.DB, opts Options) (*Store, error) {
	if opts.Secret == "" {
		return nil, fmt.Errorf("credential store requires a secret")
	}

	margin := opts.RefreshMargin
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}

	return &Store{
		db:       database,
		key:      deriveKey(opts.Secret),
		oauth:    opts.OAuth,
		margin:   margin,
		inflight: make(map[string]*refreshCall),
	}, nil
}

// GetValidToken returns a decrypted access token for the tenant, refreshing
// it first when it is within the refresh margin of expiry.
func (s *Store) GetValidToken(ctx context.Context, tenant string) (string, error) {
	cred, err := db.GetCredential(s.db, tenant)
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil || !cred.SyncEnabled {
		return "", ErrNotConnected
	}

	if time.Until(cred.ExpiresAt) < s.margin {
		if err := s.Refresh(ctx, tenant); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		cred, err = db.GetCredential(s.db, tenant)
		if err != nil {
			return "", fmt.Errorf("failed to reload credential: %w", err)
		}
		if cred == nil || !cred.SyncEnabled {
			return "", ErrNotConnected
		}
	}

	access, err := open(s.key, cred.AccessTokenEnc)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt access token: %w", err)
	}

	return string(access), nil
}

// Refresh exchanges the tenant's refresh token for a new access token.
// Concurrent callers for the same tenant wait for the in-flight refresh and
// share its result instead of issuing a second grant.
func (s *Store) Refresh(ctx context.Context, tenant string) error {
	s.mu.Lock()
	if call, ok := s.inflight[tenant]; ok {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	s.inflight[tenant] = call
	s.mu.Unlock()

	call.err = s.doRefresh(ctx, tenant)

	s.mu.Lock()
	delete(s.inflight, tenant)
	s.mu.Unlock()
	close(call.done)

	return call.err
}

func (s *Store) doRefresh(ctx context.Context, tenant string) error {
	if s.oauth == nil {
		return fmt.Errorf("%w: no OAuth config", ErrRefreshFailed)
	}

	cred, err := db.GetCredential(s.db, tenant)
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return ErrNotConnected
	}

	refresh, err := open(s.key, cred.RefreshTokenEnc)
	if err != nil {
		return fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	ts := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: string(refresh)})
	tok, err := ts.Token()
	if err != nil {
		// A revoked grant will never succeed on retry. Mark the tenant
		// disconnected so pending events fail fast until reconnection.
		log.Printf("creds: refresh failed for tenant %q, disabling sync: %v", tenant, err)
		if derr := db.SetSyncEnabled(s.db, tenant, false); derr != nil {
			log.Printf("creds: failed to disable sync for tenant %q: %v", tenant, derr)
		}
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = string(refresh)
	}

	if err := s.Store(ctx, tenant, tok.AccessToken, newRefresh, tok.Expiry); err != nil {
		return fmt.Errorf("failed to store refreshed token: %w", err)
	}

	return nil
}

// Store encrypts and persists a token pair for a tenant, enabling sync.
func (s *Store) Store(ctx context.Context, tenant, accessToken, refreshToken string, expiry time.Time) error {
	accessEnc, err := seal(s.key, []byte(accessToken))
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	refreshEnc, err := seal(s.key, []byte(refreshToken))
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	return db.UpsertCredential(s.db, tenant, accessEnc, refreshEnc, expiry)
}

// Revoke deletes the tenant's credential on disconnect.
func (s *Store) Revoke(ctx context.Context, tenant string) error {
	return db.DeleteCredential(s.db, tenant)
}

// Connected reports whether the tenant has a usable credential.
func (s *Store) Connected(ctx context.Context, tenant string) (bool, error) {
	cred, err := db.GetCredential(s.db, tenant)
	if err != nil {
		return false, err
	}
	return cred != nil && cred.SyncEnabled, nil
}
