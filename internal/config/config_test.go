package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTDECK_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8787" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.OfflineTimeoutSeconds != 70 {
		t.Fatalf("OfflineTimeoutSeconds = %d", cfg.OfflineTimeoutSeconds)
	}
	if cfg.HistoryMaxEntries != 1000 {
		t.Fatalf("HistoryMaxEntries = %d", cfg.HistoryMaxEntries)
	}
	if cfg.Storage.Backend != BackendFile {
		t.Fatalf("Storage.Backend = %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Path != filepath.Join(home, "dashboard.json") {
		t.Fatalf("Storage.Path = %q", cfg.Storage.Path)
	}
}

func TestLoadReadsYAMLAndEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTDECK_HOME", home)

	yaml := `
bind_addr: "0.0.0.0:9999"
offline_timeout_seconds: 30
storage:
  backend: sqlite
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGENTDECK_OFFLINE_TIMEOUT_SECONDS", "45")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9999" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.OfflineTimeoutSeconds != 45 {
		t.Fatalf("env override lost: OfflineTimeoutSeconds = %d", cfg.OfflineTimeoutSeconds)
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Fatalf("Storage.Backend = %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Path != filepath.Join(home, "agentdeck.db") {
		t.Fatalf("Storage.Path = %q", cfg.Storage.Path)
	}
}

func TestNormalizeClampsNonsense(t *testing.T) {
	cfg := Config{
		HomeDir:                  t.TempDir(),
		OfflineTimeoutSeconds:    -5,
		HistoryMaxEntries:        0,
		PreviewMaxImages:         -1,
		HeartbeatIntervalSeconds: 0,
		Storage:                  StorageConfig{Backend: "bolt"},
	}
	normalize(&cfg)
	if cfg.OfflineTimeoutSeconds != 70 || cfg.HistoryMaxEntries != 1000 || cfg.PreviewMaxImages != 3 {
		t.Fatalf("normalize kept nonsense: %+v", cfg)
	}
	if cfg.Storage.Backend != BackendFile {
		t.Fatalf("unknown backend should fall back to file, got %q", cfg.Storage.Backend)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.OfflineTimeoutSeconds = 30
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with tunables")
	}
}
