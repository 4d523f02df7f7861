package database

import (
	"fmt"
	"os"
	"path/filepath"

	"bsr-go/internal/config"
)

// NewStoreFromConfig creates an operation log based on the database config
// type. For sqlite the file is named after the device so several devices
// sharing a home directory do not collide.
func NewStoreFromConfig(cfg config.DatabaseConfig, deviceName string) (*Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return Open(filepath.Join(cfg.DataDir, deviceName+".db"))
	case "memory":
		return Open(":memory:")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
