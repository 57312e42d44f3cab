package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const fileSuffix = ".json"

// FileBackend stores one file per key in a directory.
// Key names are base64url encoded so any key maps to a safe file name.
type FileBackend struct {
	dir   string
	quota int64
	mu    sync.Mutex
}

// NewFileBackend creates dir if needed. quota <= 0 means unlimited.
func NewFileBackend(dir string, quota int64) (*FileBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &FileBackend{dir: dir, quota: quota}, nil
}

// Dir returns the storage directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+fileSuffix)
}

func (b *FileBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (b *FileBackend) Set(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.path(key)
	if b.quota > 0 {
		used, err := b.usage(target)
		if err != nil {
			return err
		}
		if used+int64(len(value)) > b.quota {
			return ErrQuotaExceeded
		}
	}
	return atomicWriteFile(target, value, 0644)
}

func (b *FileBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *FileBackend) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue // not ours
		}
		keys = append(keys, string(raw))
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FileBackend) Close() error { return nil }

// usage sums the size of stored values, excluding the file about to be replaced.
func (b *FileBackend) usage(exclude string) (int64, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		if filepath.Join(b.dir, e.Name()) == exclude {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// atomicWriteFile writes to a temp file in the same directory and renames it
// over filename, so readers never observe a partial record.
func atomicWriteFile(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, ".tmp-record-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	var success bool
	defer func() {
		if !success {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

var _ Backend = (*FileBackend)(nil)
