// Package config loads and normalizes daemon configuration from
// <home>/config.yaml, with environment variable overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// StorageConfig selects and locates the persistence backend.
type StorageConfig struct {
	// Backend is "file" (JSON document) or "sqlite".
	Backend string `yaml:"backend"`
	// Path overrides the backend's default location under HomeDir.
	Path string `yaml:"path"`
}

// TelemetryConfig controls the optional OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins lists Origin headers accepted for cross-origin browser
	// requests (CORS and WebSocket). Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// OfflineTimeoutSeconds is how long after its last report a machine
	// still counts as online.
	OfflineTimeoutSeconds int `yaml:"offline_timeout_seconds"`

	// HistoryMaxEntries caps the append-only history ledger; oldest
	// entries are discarded first.
	HistoryMaxEntries int `yaml:"history_max_entries"`

	// Preview image constraints applied to inbound task entries.
	PreviewMaxImages int `yaml:"preview_max_images"`
	PreviewMaxBytes  int `yaml:"preview_max_bytes"`

	// HeartbeatIntervalSeconds paces keep-alive comments on live streams.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// MaxBodyBytes limits inbound request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:                 "127.0.0.1:8787",
		LogLevel:                 "info",
		OfflineTimeoutSeconds:    70,
		HistoryMaxEntries:        1000,
		PreviewMaxImages:         3,
		PreviewMaxBytes:          2 << 20,
		HeartbeatIntervalSeconds: 15,
		MaxBodyBytes:             10 << 20,
		Storage:                  StorageConfig{Backend: BackendFile},
	}
}

// HomeDir resolves the data directory: $AGENTDECK_HOME or ~/.agentdeck.
func HomeDir() string {
	if override := os.Getenv("AGENTDECK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentdeck")
}

// ConfigPath returns the config.yaml path within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml (a missing file is fine: defaults apply), layers
// env overrides on top, and normalizes out-of-range values.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentdeck home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8787"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.OfflineTimeoutSeconds <= 0 {
		cfg.OfflineTimeoutSeconds = 70
	}
	if cfg.HistoryMaxEntries <= 0 {
		cfg.HistoryMaxEntries = 1000
	}
	if cfg.PreviewMaxImages <= 0 {
		cfg.PreviewMaxImages = 3
	}
	if cfg.PreviewMaxBytes <= 0 {
		cfg.PreviewMaxBytes = 2 << 20
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 15
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Backend)) {
	case BackendSQLite:
		cfg.Storage.Backend = BackendSQLite
	default:
		cfg.Storage.Backend = BackendFile
	}
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Backend {
		case BackendSQLite:
			cfg.Storage.Path = filepath.Join(cfg.HomeDir, "agentdeck.db")
		default:
			cfg.Storage.Path = filepath.Join(cfg.HomeDir, "dashboard.json")
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTDECK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTDECK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTDECK_STORAGE_BACKEND"); raw != "" {
		cfg.Storage.Backend = raw
	}
	if raw := os.Getenv("AGENTDECK_STORAGE_PATH"); raw != "" {
		cfg.Storage.Path = raw
	}
	if raw := os.Getenv("AGENTDECK_OFFLINE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.OfflineTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTDECK_HISTORY_MAX_ENTRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HistoryMaxEntries = v
		}
	}
	if raw := os.Getenv("AGENTDECK_HEARTBEAT_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatIntervalSeconds = v
		}
	}
}

// OfflineTimeout returns the presence timeout as a duration.
func (c Config) OfflineTimeout() time.Duration {
	return time.Duration(c.OfflineTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the stream keep-alive pace as a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the tunables that affect observable
// behavior, exposed on /healthz for drift checks.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|timeout=%d|history=%d|images=%d/%d|backend=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.OfflineTimeoutSeconds, c.HistoryMaxEntries,
		c.PreviewMaxImages, c.PreviewMaxBytes, c.Storage.Backend, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
