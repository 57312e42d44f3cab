package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps values in a map. It is used for tests, for
// `storage.backend: memory`, and as the fallback when a durable backend
// cannot be opened.
type MemoryBackend struct {
	mu    sync.RWMutex
	data  map[string][]byte
	quota int64
	used  int64
}

// NewMemoryBackend creates a backend. quota <= 0 means unlimited.
func NewMemoryBackend(quota int64) *MemoryBackend {
	return &MemoryBackend{
		data:  make(map[string][]byte),
		quota: quota,
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.used + entrySize(key, value)
	if old, ok := m.data[key]; ok {
		next -= entrySize(key, old)
	}
	if m.quota > 0 && next > m.quota {
		return ErrQuotaExceeded
	}
	m.data[key] = append([]byte(nil), value...)
	m.used = next
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		m.used -= entrySize(key, old)
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Used returns the bytes counted against the quota.
func (m *MemoryBackend) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

func (m *MemoryBackend) Close() error { return nil }

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

var _ Backend = (*MemoryBackend)(nil)
