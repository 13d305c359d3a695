// ABOUTME: Environment-driven configuration for the bridge
// ABOUTME: Reads BRIDGE_* variables with documented defaults and builds shared components
package cli

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"

	"github.com/relaycrm/bridge/creds"
	"github.com/relaycrm/bridge/models"
	"github.com/relaycrm/bridge/sync"
)

// Config collects everything the engine and credential store need.
// Environment variables (a local .env is loaded by main):
//   - BRIDGE_SECRET              token encryption secret (required)
//   - BRIDGE_TENANT              tenant name (default "default")
//   - BRIDGE_SITE_API_URL        site contact API base URL
//   - BRIDGE_PORTAL_API_URL      portal contact API base URL
//   - BRIDGE_DEDUPE_WINDOW       loop-prevention window (default 30s)
//   - BRIDGE_REFRESH_MARGIN      proactive token refresh margin (default 5m)
//   - BRIDGE_REQUEST_TIMEOUT     remote call timeout (default 15s)
//   - BRIDGE_OAUTH_CLIENT_ID     portal OAuth client id
//   - BRIDGE_OAUTH_CLIENT_SECRET portal OAuth client secret
//   - BRIDGE_OAUTH_TOKEN_URL     portal OAuth token endpoint
type Config struct {
	Tenant            string
	Secret            string
	SiteAPIURL        string
	PortalAPIURL      string
	DedupeWindow      time.Duration
	RefreshMargin     time.Duration
	RequestTimeout    time.Duration
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Tenant:            envOr("BRIDGE_TENANT", "default"),
		Secret:            os.Getenv("BRIDGE_SECRET"),
		SiteAPIURL:        os.Getenv("BRIDGE_SITE_API_URL"),
		PortalAPIURL:      os.Getenv("BRIDGE_PORTAL_API_URL"),
		DedupeWindow:      sync.DefaultDedupeWindow,
		RefreshMargin:     creds.DefaultRefreshMargin,
		RequestTimeout:    sync.DefaultRequestTimeout,
		OAuthClientID:     os.Getenv("BRIDGE_OAUTH_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("BRIDGE_OAUTH_CLIENT_SECRET"),
		OAuthTokenURL:     os.Getenv("BRIDGE_OAUTH_TOKEN_URL"),
	}

	if cfg.Secret == "" {
		return nil, fmt.Errorf("BRIDGE_SECRET is not set")
	}

	var err error
	if cfg.DedupeWindow, err = envDuration("BRIDGE_DEDUPE_WINDOW", cfg.DedupeWindow); err != nil {
		return nil, err
	}
	if cfg.RefreshMargin, err = envDuration("BRIDGE_REFRESH_MARGIN", cfg.RefreshMargin); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = envDuration("BRIDGE_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return nil, err
	}

	return cfg, nil
}

// OAuthConfig builds the portal refresh-grant config, or nil when no token
// endpoint is configured.
func (c *Config) OAuthConfig() *oauth2.Config {
	if c.OAuthTokenURL == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     c.OAuthClientID,
		ClientSecret: c.OAuthClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: c.OAuthTokenURL},
	}
}

// buildEngine wires the credential store, platform clients, engine, and sweep
// listers from configuration.
func buildEngine(database *sql.DB, cfg *Config) (*creds.Store, *sync.Engine, map[models.Platform]sync.Lister, error) {
	store, err := creds.NewStore(database, creds.Options{
		Secret:        cfg.Secret,
		OAuth:         cfg.OAuthConfig(),
		RefreshMargin: cfg.RefreshMargin,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create credential store: %w", err)
	}

	siteClient := sync.NewHTTPClient(cfg.SiteAPIURL, cfg.RequestTimeout)
	portalClient := sync.NewHTTPClient(cfg.PortalAPIURL, cfg.RequestTimeout)

	engine := sync.NewEngine(database, store, siteClient, portalClient, sync.Options{
		Tenant:       cfg.Tenant,
		DedupeWindow: cfg.DedupeWindow,
	})

	listers := map[models.Platform]sync.Lister{
		models.PlatformSite:   sync.NewTokenLister(siteClient, store, cfg.Tenant),
		models.PlatformPortal: sync.NewTokenLister(portalClient, store, cfg.Tenant),
	}

	return store, engine, listers, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
