package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/clawdeck/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("gateway.endpoint", cfg.Gateway.Endpoint)
	v.SetDefault("gateway.call_timeout_seconds", cfg.Gateway.CallTimeoutSeconds)
	v.SetDefault("gateway.handshake_timeout_seconds", cfg.Gateway.HandshakeTimeoutSeconds)
	v.SetDefault("gateway.client_id", cfg.Gateway.ClientID)
	v.SetDefault("dashboard.auto_refresh_seconds", cfg.Dashboard.AutoRefreshSeconds)
	v.SetDefault("dashboard.health_history", cfg.Dashboard.HealthHistory)
	v.SetDefault("dashboard.session_list_limit", cfg.Dashboard.SessionListLimit)
	v.SetDefault("dashboard.history_limit", cfg.Dashboard.HistoryLimit)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("credentials.store_path", cfg.Credentials.StorePath)
	v.SetDefault("credentials.key_store_path", cfg.Credentials.KeyStorePath)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if v.IsSet("gateway.token") {
			return Config{}, fmt.Errorf("gateway.token is not supported; use `clawdeck connect` to store the credential encrypted")
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if endpoint := strings.TrimSpace(cfg.Gateway.Endpoint); endpoint != "" {
		if _, err := schema.NormalizeEndpoint(endpoint); err != nil {
			return fmt.Errorf("gateway.endpoint: %w", err)
		}
	}
	if cfg.Gateway.CallTimeoutSeconds <= 0 {
		return fmt.Errorf("gateway.call_timeout_seconds must be positive")
	}
	if cfg.Gateway.HandshakeTimeoutSeconds <= 0 {
		return fmt.Errorf("gateway.handshake_timeout_seconds must be positive")
	}
	if cfg.Dashboard.AutoRefreshSeconds < 0 {
		return fmt.Errorf("dashboard.auto_refresh_seconds must not be negative")
	}
	basePath := strings.TrimSpace(cfg.HTTP.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	if strings.TrimSpace(cfg.Credentials.StorePath) == "" || strings.TrimSpace(cfg.Credentials.KeyStorePath) == "" {
		return fmt.Errorf("credentials.store_path and credentials.key_store_path are required")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Gateway.Endpoint = expandEnv(cfg.Gateway.Endpoint)
	cfg.Credentials.StorePath = expandEnv(cfg.Credentials.StorePath)
	cfg.Credentials.KeyStorePath = expandEnv(cfg.Credentials.KeyStorePath)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
