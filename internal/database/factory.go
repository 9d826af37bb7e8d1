package database

import (
	"fmt"
	"os"
	"path/filepath"

	"photobak/internal/config"
)

// NewStoreFromConfig opens the ledger store described by cfg. The store
// file is named after the user so several users can share a data dir. An
// in-memory store is migrated immediately since it starts empty.
func NewStoreFromConfig(cfg config.DatabaseConfig, userID string) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, userID+".db"))
	case "memory":
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrating in-memory store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
