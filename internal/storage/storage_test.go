package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	fb, err := NewFileBackend(filepath.Join(dir, "files"), 0)
	require.NoError(t, err)
	sb, err := NewSQLiteBackend(filepath.Join(dir, "kv.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { sb.Close() })

	return map[string]Backend{
		"memory": NewMemoryBackend(0),
		"file":   fb,
		"sqlite": sb,
	}
}

func TestStore_SaveLoadRemove(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := New(b)

			var got record
			ok, err := st.Load(ctx, KeyUIState, &got)
			require.NoError(t, err)
			assert.False(t, ok, "missing key must report absent")

			require.NoError(t, st.Save(ctx, KeyUIState, record{Name: "a", Count: 1}))
			require.NoError(t, st.Save(ctx, KeyUIState, record{Name: "b", Count: 2}))

			ok, err = st.Load(ctx, KeyUIState, &got)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, record{Name: "b", Count: 2}, got)

			keys, err := b.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{KeyUIState}, keys)

			require.NoError(t, st.Remove(ctx, KeyUIState))
			require.NoError(t, st.Remove(ctx, KeyUIState), "removing twice is fine")
			ok, err = st.Load(ctx, KeyUIState, &got)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_LoadCorruptValue(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(0)
	require.NoError(t, b.Set(ctx, KeySession, []byte("{not json")))

	st := New(b)
	var got record
	ok, err := st.Load(ctx, KeySession, &got)
	assert.False(t, ok)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "decode", se.Op)
	assert.Equal(t, KeySession, se.Key)

	// Reads have no side effects: the corrupt value is still there.
	_, present, _ := b.Get(ctx, KeySession)
	assert.True(t, present)
}

func TestStore_QuotaTriggersCleanupAndRetry(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend(64)
	st := New(b)

	require.NoError(t, b.Set(ctx, "old", make([]byte, 40)))

	calls := 0
	st.RegisterCleanup(func(ctx context.Context) error {
		calls++
		return st.Remove(ctx, "old")
	})

	require.NoError(t, st.Save(ctx, KeyUIState, record{Name: "ok"}))
	assert.Equal(t, 1, calls)

	_, present, _ := b.Get(ctx, "old")
	assert.False(t, present)
}

func TestStore_QuotaSecondFailureReturned(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryBackend(8))

	calls := 0
	st.RegisterCleanup(func(context.Context) error {
		calls++
		return nil
	})

	err := st.Save(ctx, KeyTestResults, record{Name: "far too large for the quota"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Equal(t, 1, calls, "cleanup runs once per save")
}

func TestStore_CleanupDoesNotRecurse(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryBackend(8))

	calls := 0
	st.RegisterCleanup(func(ctx context.Context) error {
		calls++
		// A hook that itself hits the quota must not trigger another cleanup.
		return st.Save(ctx, KeyModelOutputs, record{Name: "still too large"})
	})

	err := st.Save(ctx, KeyTestResults, record{Name: "too large"})
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, 1, calls)
}

func TestBackends_Quota(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fb, err := NewFileBackend(filepath.Join(dir, "files"), 32)
	require.NoError(t, err)
	sb, err := NewSQLiteBackend(filepath.Join(dir, "kv.db"), 32)
	require.NoError(t, err)
	defer sb.Close()

	for name, b := range map[string]Backend{"memory": NewMemoryBackend(32), "file": fb, "sqlite": sb} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Set(ctx, "k", make([]byte, 10)))
			// Replacing a key only counts the new value.
			require.NoError(t, b.Set(ctx, "k", make([]byte, 12)))
			err := b.Set(ctx, "other", make([]byte, 40))
			require.ErrorIs(t, err, ErrQuotaExceeded)
		})
	}
}
