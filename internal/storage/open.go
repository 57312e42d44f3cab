package storage

import (
	"fmt"
	"path/filepath"

	"github.com/daryltucker/prompt-harness/internal/config"
	"github.com/daryltucker/prompt-harness/internal/output"
)

// Open builds the backend selected in cfg.
func Open(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryBackend(cfg.QuotaBytes), nil
	case config.BackendFile:
		return NewFileBackend(filepath.Join(cfg.Dir, "records"), cfg.QuotaBytes)
	case config.BackendSQLite:
		return NewSQLiteBackend(filepath.Join(cfg.Dir, "harness.db"), cfg.QuotaBytes)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// OpenStore opens the configured backend. If it cannot be opened the store
// falls back to memory so the harness keeps working for this process.
func OpenStore(cfg config.StorageConfig) *Store {
	b, err := Open(cfg)
	if err != nil {
		output.Logger.Warn("Durable storage unavailable, using in-memory store", "backend", cfg.Backend, "error", err)
		b = NewMemoryBackend(cfg.QuotaBytes)
	}
	return New(b)
}
