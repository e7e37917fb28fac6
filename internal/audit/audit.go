// Package audit keeps an append-only jsonl record of inbound data the
// engine rejected or silently dropped. The ingest path prefers partial
// success over failing a whole report, so this file is the only place a
// malformed task entry leaves a trace.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Actions recorded by the ingest path.
const (
	ActionReportRejected = "report.rejected"
	ActionTaskSkipped    = "task.skipped"
	ActionImageDropped   = "image.dropped"
	ActionStartupFailed  = "startup.failed"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	dropCount atomic.Int64
)

// Init opens (or creates) logs/audit.jsonl under homeDir. Idempotent.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close releases the audit file. Safe without a prior Init.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DropCount returns how many entries were recorded since startup.
func DropCount() int64 {
	return dropCount.Load()
}

// Record appends one audit entry. A no-op before Init, apart from the
// counter, so library code can call it unconditionally.
func Record(action, reason, subject string) {
	dropCount.Add(1)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Reason:    reason,
		Subject:   subject,
	}
	if b, err := json.Marshal(ev); err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
