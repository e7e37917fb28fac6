package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesJSONL(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("report applied", "machine_id", "m1", "tasks_updated", 3)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	if rec["msg"] != "report applied" {
		t.Fatalf("msg = %v", rec["msg"])
	}
	if rec["machine_id"] != "m1" {
		t.Fatalf("machine_id = %v", rec["machine_id"])
	}
	if _, ok := rec["timestamp"]; !ok {
		t.Fatal("expected renamed timestamp key")
	}
}

func TestNewLogger_RedactsSensitiveKeys(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("config", "api_key", "super-secret-value")
	closer.Close()

	data, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if strings.Contains(string(data), "super-secret-value") {
		t.Fatal("secret value leaked into log file")
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Fatal("expected redaction marker")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
