package schema

import "time"

// StoreConfig defines limits and defaults for the connection-state store.
type StoreConfig struct {
	// HealthHistory caps the number of retained health entries.
	HealthHistory    int
	SessionListLimit int
	HistoryLimit     int
	// MinAutoRefresh is the smallest accepted auto-refresh interval; shorter requests are raised to it.
	MinAutoRefresh time.Duration
}

const (
	// DefaultSessionListLimit is the sessions.list page size.
	DefaultSessionListLimit = 100
	// DefaultHistoryLimit is the sessions.history default limit.
	DefaultHistoryLimit = 50
	// DefaultMinAutoRefresh bounds auto-refresh frequency.
	DefaultMinAutoRefresh = 100 * time.Millisecond
)

// NormalizeStoreConfig applies defaults.
func NormalizeStoreConfig(cfg StoreConfig) StoreConfig {
	if cfg.HealthHistory <= 0 {
		cfg.HealthHistory = DefaultHealthHistory
	}
	if cfg.SessionListLimit <= 0 {
		cfg.SessionListLimit = DefaultSessionListLimit
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.MinAutoRefresh <= 0 {
		cfg.MinAutoRefresh = DefaultMinAutoRefresh
	}
	return cfg
}
