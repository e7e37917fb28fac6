package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/agentdeck/internal/model"
)

// FileStore keeps the document as one pretty-printed JSON file. Saves go
// through a temp file and rename so a crash never leaves a torn document.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Init(ctx context.Context) error {
	return os.MkdirAll(filepath.Dir(s.path), 0o755)
}

func (s *FileStore) LoadDB(ctx context.Context) (*model.DB, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return model.NewDB(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	db := model.NewDB()
	if len(data) == 0 {
		return db, nil
	}
	if err := json.Unmarshal(data, db); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if db.Machines == nil {
		db.Machines = []*model.Card{}
	}
	if db.Tasks == nil {
		db.Tasks = []*model.Task{}
	}
	if db.History == nil {
		db.History = []*model.HistoryEvent{}
	}
	return db, nil
}

func (s *FileStore) SaveDB(ctx context.Context, db *model.DB) error {
	data, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return fmt.Errorf("encode dashboard: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
