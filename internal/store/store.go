// Package store persists the dashboard document. Two backends share one
// whole-document contract: LoadDB returns the full state, SaveDB replaces
// it. The ingest engine serializes writers, so backends only need to make
// each save atomic, not concurrent.
package store

import (
	"context"
	"fmt"

	"github.com/basket/agentdeck/internal/config"
	"github.com/basket/agentdeck/internal/model"
)

// Store is the persistence collaborator for the ingest engine.
type Store interface {
	// Init prepares the backend (directories, schema). Idempotent.
	Init(ctx context.Context) error
	// LoadDB returns the entire dashboard document. A fresh backend
	// returns an empty document, not an error.
	LoadDB(ctx context.Context) (*model.DB, error)
	// SaveDB atomically replaces the stored document.
	SaveDB(ctx context.Context, db *model.DB) error
	Close() error
}

// Open constructs the backend named by cfg.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return NewSQLiteStore(cfg.Path), nil
	case config.BackendFile:
		return NewFileStore(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
