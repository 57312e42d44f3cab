/*
PURPOSE:
  Durable Store Adapter. Persists JSON records under namespaced keys in a
  pluggable key-value Backend (file directory, SQLite, memory).

REQUIREMENTS:
  User-specified:
  - save / load / remove of JSON values.
  - Quota exceeded on save triggers a cleanup pass and one retry.
  - Load never throws on corrupt data.

  Implementation-discovered:
  - Callers decide whether a failure matters. Save returns *StorageError and
    every caller in this repo logs it and carries on.
  - Cleanup hooks call back into Save (history re-persists after eviction),
    so nested quota failures must not recurse into cleanup again.

ARCHITECTURE INTEGRATION:
  - Used by: internal/session, internal/uistate, internal/history,
    internal/reconcile
  - Backends: memory.go, file.go, sqlite.go

ERROR HANDLING:
  - ErrQuotaExceeded sentinel from backends.
  - *StorageError wraps every failure with op and key.

USAGE:
  st := storage.New(backend)
  st.RegisterCleanup(history.Cleanup)
  err := st.Save(ctx, storage.KeyUIState, state)
*/

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/daryltucker/prompt-harness/internal/output"
)

// Namespaced keys for the five persisted records.
const (
	KeyPrefix          = "prompt-harness:"
	KeyUIState         = KeyPrefix + "ui-state"
	KeyNavigationState = KeyPrefix + "navigation-state"
	KeyTestResults     = KeyPrefix + "test-results"
	KeyModelOutputs    = KeyPrefix + "model-outputs"
	KeySession         = KeyPrefix + "session"
)

// ErrQuotaExceeded is returned by a Backend when a write would exceed its quota.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Backend is a byte-oriented key-value store.
// Get returns (nil, false, nil) when the key does not exist.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// StorageError describes a failed store operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// CleanupFunc evicts aged data to free space. It may call Save.
type CleanupFunc func(ctx context.Context) error

// Store serializes values to JSON on top of a Backend.
type Store struct {
	backend Backend

	mu       sync.Mutex
	cleanups []CleanupFunc
	cleaning atomic.Bool
}

// New wraps a backend.
func New(b Backend) *Store {
	return &Store{backend: b}
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// RegisterCleanup adds a hook run on quota pressure and by the scheduler.
func (s *Store) RegisterCleanup(fn CleanupFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// Cleanup runs every registered hook. All hooks run even if some fail.
func (s *Store) Cleanup(ctx context.Context) error {
	if !s.cleaning.CompareAndSwap(false, true) {
		return nil
	}
	defer s.cleaning.Store(false)

	s.mu.Lock()
	hooks := append([]CleanupFunc(nil), s.cleanups...)
	s.mu.Unlock()

	var errs []error
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Save encodes value as JSON and writes it under key.
// On ErrQuotaExceeded it runs the cleanup hooks and retries once.
func (s *Store) Save(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return &StorageError{Op: "encode", Key: key, Err: err}
	}

	err = s.backend.Set(ctx, key, data)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrQuotaExceeded) || s.cleaning.Load() {
		return &StorageError{Op: "save", Key: key, Err: err}
	}

	output.Logger.Warn("Storage quota exceeded, running cleanup", "key", key, "bytes", len(data))
	if cerr := s.Cleanup(ctx); cerr != nil {
		output.Logger.Warn("Cleanup reported errors", "error", cerr)
	}

	if err := s.backend.Set(ctx, key, data); err != nil {
		return &StorageError{Op: "save", Key: key, Err: err}
	}
	return nil
}

// Load decodes the value under key into dst.
// It returns false with a nil error when the key does not exist.
func (s *Store) Load(ctx context.Context, key string, dst any) (bool, error) {
	data, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return false, &StorageError{Op: "load", Key: key, Err: err}
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, &StorageError{Op: "decode", Key: key, Err: err}
	}
	return true, nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return &StorageError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// LogFailure is the best-effort policy used by the state services: a storage
// failure is reported and then ignored.
func LogFailure(err error, msg string, args ...any) {
	if err == nil {
		return
	}
	output.Logger.Warn(msg, append(args, "error", err)...)
}
