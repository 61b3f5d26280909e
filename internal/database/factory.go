package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"labport/internal/config"
)

// dbFileName is the SQLite file created under data_dir.
const dbFileName = "labport.db"

// NewStoreFromConfig creates a Store based on the database config type.
func NewStoreFromConfig(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return OpenSQLite(filepath.Join(cfg.DataDir, dbFileName))
	case "memory":
		return OpenMemory()
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("dsn required for postgres database")
		}
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
