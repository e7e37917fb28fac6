package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/agentdeck/internal/model"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "ad-v1-2026-08-dashboard-document"
)

// SQLiteStore persists the document across three tables. SaveDB replaces
// all rows in one transaction, which keeps the whole-document contract:
// readers always see a complete snapshot.
type SQLiteStore struct {
	path string
	db   *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", s.path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s.db = db

	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS machines (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			fingerprint TEXT NOT NULL DEFAULT '',
			aliases TEXT NOT NULL DEFAULT '',
			last_seen DATETIME,
			online_since DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT NOT NULL,
			card_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			raw_status TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			created_at DATETIME,
			updated_at DATETIME,
			preview_images TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (id, card_id)
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			event TEXT NOT NULL,
			card_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL DEFAULT '',
			changed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_card ON tasks(card_id, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_history_card ON history(card_id, seq DESC);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with
// exponential backoff and bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

const recordSep = "\x1e"

func joinList(items []string) string {
	return strings.Join(items, recordSep)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, recordSep)
}

func (s *SQLiteStore) LoadDB(ctx context.Context) (*model.DB, error) {
	db := model.NewDB()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_name, display_name, fingerprint, aliases, last_seen, online_since
		FROM machines ORDER BY id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query machines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var card model.Card
		var aliases string
		var lastSeen, onlineSince sql.NullTime
		if err := rows.Scan(&card.ID, &card.AgentName, &card.DisplayName, &card.Fingerprint, &aliases, &lastSeen, &onlineSince); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		card.Aliases = splitList(aliases)
		if lastSeen.Valid {
			card.LastSeen = lastSeen.Time
		}
		if onlineSince.Valid {
			card.OnlineSince = onlineSince.Time
		}
		db.Machines = append(db.Machines, &card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("machine rows: %w", err)
	}

	taskRows, err := s.db.QueryContext(ctx, `
		SELECT id, card_id, title, status, raw_status, source, created_at, updated_at, preview_images
		FROM tasks ORDER BY card_id, id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var task model.Task
		var status, images string
		var created, updated sql.NullTime
		if err := taskRows.Scan(&task.ID, &task.CardID, &task.Title, &status, &task.RawStatus, &task.Source, &created, &updated, &images); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.Status = model.Status(status)
		task.PreviewImages = splitList(images)
		if created.Valid {
			task.CreatedAt = created.Time
		}
		if updated.Valid {
			task.UpdatedAt = updated.Time
		}
		db.Tasks = append(db.Tasks, &task)
	}
	if err := taskRows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}

	histRows, err := s.db.QueryContext(ctx, `
		SELECT id, event, card_id, task_id, title, from_status, to_status, changed_at
		FROM history ORDER BY seq;
	`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer histRows.Close()
	for histRows.Next() {
		var ev model.HistoryEvent
		var from, to string
		if err := histRows.Scan(&ev.ID, &ev.Event, &ev.CardID, &ev.TaskID, &ev.Title, &from, &to, &ev.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan history event: %w", err)
		}
		ev.FromStatus = model.Status(from)
		ev.ToStatus = model.Status(to)
		db.History = append(db.History, &ev)
	}
	if err := histRows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) SaveDB(ctx context.Context, db *model.DB) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, table := range []string{"machines", "tasks", "history"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+";"); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		for _, card := range db.Machines {
			lastSeen := sql.NullTime{Time: card.LastSeen, Valid: !card.LastSeen.IsZero()}
			onlineSince := sql.NullTime{Time: card.OnlineSince, Valid: !card.OnlineSince.IsZero()}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO machines (id, agent_name, display_name, fingerprint, aliases, last_seen, online_since)
				VALUES (?, ?, ?, ?, ?, ?, ?);
			`, card.ID, card.AgentName, card.DisplayName, card.Fingerprint, joinList(card.Aliases), lastSeen, onlineSince); err != nil {
				return fmt.Errorf("insert machine %s: %w", card.ID, err)
			}
		}

		for _, task := range db.Tasks {
			created := sql.NullTime{Time: task.CreatedAt, Valid: !task.CreatedAt.IsZero()}
			updated := sql.NullTime{Time: task.UpdatedAt, Valid: !task.UpdatedAt.IsZero()}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, card_id, title, status, raw_status, source, created_at, updated_at, preview_images)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, task.ID, task.CardID, task.Title, string(task.Status), task.RawStatus, task.Source, created, updated, joinList(task.PreviewImages)); err != nil {
				return fmt.Errorf("insert task %s: %w", task.ID, err)
			}
		}

		for _, ev := range db.History {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO history (id, event, card_id, task_id, title, from_status, to_status, changed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?);
			`, ev.ID, ev.Event, ev.CardID, ev.TaskID, ev.Title, string(ev.FromStatus), string(ev.ToStatus), ev.ChangedAt); err != nil {
				return fmt.Errorf("insert history event %s: %w", ev.ID, err)
			}
		}
		return tx.Commit()
	})
}
