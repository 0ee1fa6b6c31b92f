package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/clawdeck/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int               `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string            `mapstructure:"state_dir" yaml:"state_dir"`
	Gateway       GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	Dashboard     DashboardConfig   `mapstructure:"dashboard" yaml:"dashboard"`
	HTTP          HTTPConfig        `mapstructure:"http" yaml:"http"`
	Credentials   CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// GatewayConfig controls how the gateway is reached.
type GatewayConfig struct {
	// Endpoint is used by commands when no saved connection exists.
	Endpoint                string `mapstructure:"endpoint" yaml:"endpoint"`
	CallTimeoutSeconds      int    `mapstructure:"call_timeout_seconds" yaml:"call_timeout_seconds"`
	HandshakeTimeoutSeconds int    `mapstructure:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
	ClientID                string `mapstructure:"client_id" yaml:"client_id"`
}

// DashboardConfig controls the connection-state store.
type DashboardConfig struct {
	AutoRefreshSeconds int `mapstructure:"auto_refresh_seconds" yaml:"auto_refresh_seconds"`
	HealthHistory      int `mapstructure:"health_history" yaml:"health_history"`
	SessionListLimit   int `mapstructure:"session_list_limit" yaml:"session_list_limit"`
	HistoryLimit       int `mapstructure:"history_limit" yaml:"history_limit"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// CredentialsConfig locates the encrypted credential file and its key store.
type CredentialsConfig struct {
	StorePath    string `mapstructure:"store_path" yaml:"store_path"`
	KeyStorePath string `mapstructure:"key_store_path" yaml:"key_store_path"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	base := filepath.Join(home, ".clawdeck")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(base, "state"),
		Gateway: GatewayConfig{
			Endpoint:                "",
			CallTimeoutSeconds:      15,
			HandshakeTimeoutSeconds: 5,
			ClientID:                "clawdeck",
		},
		Dashboard: DashboardConfig{
			AutoRefreshSeconds: 30,
			HealthHistory:      schema.DefaultHealthHistory,
			SessionListLimit:   schema.DefaultSessionListLimit,
			HistoryLimit:       schema.DefaultHistoryLimit,
		},
		HTTP: HTTPConfig{
			Addr:     "127.0.0.1:27580",
			BasePath: "",
		},
		Credentials: CredentialsConfig{
			StorePath:    filepath.Join(base, "state", "credentials.enc"),
			KeyStorePath: filepath.Join(base, "state", "keys.bundle"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".clawdeck", "config.yaml"), nil
}

// StoreConfig converts the dashboard section into store limits.
func (c Config) StoreConfig() schema.StoreConfig {
	return schema.NormalizeStoreConfig(schema.StoreConfig{
		HealthHistory:    c.Dashboard.HealthHistory,
		SessionListLimit: c.Dashboard.SessionListLimit,
		HistoryLimit:     c.Dashboard.HistoryLimit,
	})
}

// AutoRefresh returns the configured auto-refresh interval; zero disables it.
func (c Config) AutoRefresh() time.Duration {
	if c.Dashboard.AutoRefreshSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Dashboard.AutoRefreshSeconds) * time.Second
}

// CallTimeout bounds one gateway exchange.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Gateway.CallTimeoutSeconds) * time.Second
}

// HandshakeTimeout bounds the WebSocket upgrade.
func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Gateway.HandshakeTimeoutSeconds) * time.Second
}
