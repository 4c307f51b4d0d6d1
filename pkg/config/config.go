// Package config loads the gateway configuration from the environment.
//
// All recognized options are environment-backed; viper supplies defaults and
// type coercion. The loaded Config is an explicit value threaded through
// construction — only the CLI entry point uses the package-level singleton.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Environment keys recognized by the gateway.
const (
	// KeySessionTimeoutMinutes controls the idle eviction threshold.
	KeySessionTimeoutMinutes = "MCP_SESSION_TIMEOUT_MINUTES"

	// KeyCleanupIntervalMinutes controls the janitor tick period.
	KeyCleanupIntervalMinutes = "MCP_SESSION_CLEANUP_INTERVAL_MINUTES"

	// KeyEncryptionKey is the symmetric key protecting server secrets at rest.
	KeyEncryptionKey = "MCP_ENCRYPTION_KEY"

	// KeyDatabaseURL is the connection string for the server registry.
	KeyDatabaseURL = "DATABASE_URL"

	// KeyAuthSecret verifies inbound bearer tokens.
	KeyAuthSecret = "AUTH_SECRET"

	// KeyAllowPrivateBackends permits SSE backend URLs on loopback and
	// private networks.
	KeyAllowPrivateBackends = "MCP_ALLOW_PRIVATE_BACKENDS"

	// KeyInitialAdminEmail is consumed by the external user-management collaborator.
	KeyInitialAdminEmail = "INITIAL_ADMIN_EMAIL"

	// KeyHost is the listen address of the SSE bridge.
	KeyHost = "MCP_ORCH_HOST"

	// KeyPort is the listen port of the SSE bridge.
	KeyPort = "MCP_ORCH_PORT"
)

// Config holds the gateway configuration.
type Config struct {
	// SessionTimeout is the idle eviction threshold for backend sessions.
	SessionTimeout time.Duration

	// CleanupInterval is the janitor tick period.
	CleanupInterval time.Duration

	// EncryptionKey is the raw symmetric key material for the crypto envelope.
	// Losing it renders encrypted fields unrecoverable.
	EncryptionKey string

	// DatabaseURL is the registry data source.
	DatabaseURL string

	// AuthSecret verifies inbound bearer tokens. Empty disables verification.
	AuthSecret string

	// AllowPrivateBackends opens the SSE dialer to loopback and private
	// backend hosts. Off by default: backend URLs are tenant-supplied.
	AllowPrivateBackends bool

	// InitialAdminEmail is passed through to the user-management collaborator.
	InitialAdminEmail string

	// Host is the bridge listen address.
	Host string

	// Port is the bridge listen port.
	Port int
}

// Load reads the configuration from the environment.
// It returns an error if a required option is missing.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(KeySessionTimeoutMinutes, 30)
	v.SetDefault(KeyCleanupIntervalMinutes, 5)
	v.SetDefault(KeyDatabaseURL, "mcp-orch.db")
	v.SetDefault(KeyHost, "127.0.0.1")
	v.SetDefault(KeyPort, 8000)

	cfg := &Config{
		SessionTimeout:       time.Duration(v.GetInt(KeySessionTimeoutMinutes)) * time.Minute,
		CleanupInterval:      time.Duration(v.GetInt(KeyCleanupIntervalMinutes)) * time.Minute,
		EncryptionKey:        v.GetString(KeyEncryptionKey),
		DatabaseURL:          v.GetString(KeyDatabaseURL),
		AuthSecret:           v.GetString(KeyAuthSecret),
		AllowPrivateBackends: v.GetBool(KeyAllowPrivateBackends),
		InitialAdminEmail:    v.GetString(KeyInitialAdminEmail),
		Host:                 v.GetString(KeyHost),
		Port:                 v.GetInt(KeyPort),
	}

	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("%s is required", KeyEncryptionKey)
	}
	if cfg.SessionTimeout <= 0 {
		return nil, fmt.Errorf("%s must be positive", KeySessionTimeoutMinutes)
	}
	if cfg.CleanupInterval <= 0 {
		return nil, fmt.Errorf("%s must be positive", KeyCleanupIntervalMinutes)
	}

	return cfg, nil
}
