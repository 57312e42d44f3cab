package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/storage"
)

func result(id string, ts time.Time) model.TestResult {
	return model.TestResult{ID: id, ModelID: "m1", UserPrompt: "hello", Response: "resp " + id, Timestamp: ts}
}

func TestStore_BoundedInsertionOrderEviction(t *testing.T) {
	ctx := context.Background()
	h := NewStore(storage.New(storage.NewMemoryBackend(0)), Options{})
	now := time.Now()

	for i := 1; i <= 51; i++ {
		h.Save(ctx, result(fmt.Sprintf("run-%d", i), now))
		require.LessOrEqual(t, h.Len(), DefaultMaxEntries)
	}

	assert.Equal(t, 50, h.Len())
	_, ok := h.Get("run-1")
	assert.False(t, ok, "first inserted id is evicted")
	_, ok = h.Get("run-51")
	assert.True(t, ok)

	list := h.List()
	assert.Equal(t, "run-2", list[0].ID)
	assert.Equal(t, "run-51", list[len(list)-1].ID)
}

func TestStore_UpsertKeepsInsertionPosition(t *testing.T) {
	ctx := context.Background()
	h := NewStore(nil, Options{MaxEntries: 3})
	now := time.Now()

	h.Save(ctx, result("a", now))
	h.Save(ctx, result("b", now))
	h.Save(ctx, result("c", now))
	// Reading or re-saving "a" does not protect it: eviction is not LRU.
	h.Save(ctx, result("a", now))
	h.Save(ctx, result("d", now))

	ids := []string{}
	for _, r := range h.List() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"b", "c", "d"}, ids)
}

func TestStore_SaveFillsIDAndTimestamp(t *testing.T) {
	h := NewStore(nil, Options{})
	r := h.Save(context.Background(), model.TestResult{ModelID: "m1"})
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.Timestamp.IsZero())

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, r.ID, latest.ID)
}

func TestStore_RestoreFallsBackToLatest(t *testing.T) {
	ctx := context.Background()
	h := NewStore(nil, Options{})

	_, ok := h.Restore("nothing")
	assert.False(t, ok)

	h.Save(ctx, result("a", time.Now()))
	h.Save(ctx, result("b", time.Now()))

	got, ok := h.Restore("a")
	require.True(t, ok)
	assert.True(t, got.FromHistory)
	assert.Equal(t, "a", got.Result.ID)

	got, ok = h.Restore("unknown")
	require.True(t, ok)
	assert.False(t, got.FromHistory)
	assert.Equal(t, "b", got.Result.ID)
}

func TestStore_CleanupRemovesAgedEntries(t *testing.T) {
	ctx := context.Background()
	st := storage.New(storage.NewMemoryBackend(0))
	h := NewStore(st, Options{})
	now := time.Now()
	h.SetClock(func() time.Time { return now })

	h.Save(ctx, result("old", now.Add(-25*time.Hour)))
	h.Save(ctx, result("fresh", now.Add(-time.Hour)))

	assert.Equal(t, 1, h.Cleanup(ctx))
	assert.Equal(t, 0, h.Cleanup(ctx))
	_, ok := h.Get("old")
	assert.False(t, ok)

	// Not resurrected by reloading the persisted record.
	reloaded := NewStore(st, Options{})
	reloaded.SetClock(func() time.Time { return now })
	reloaded.Load(ctx)
	_, ok = reloaded.Get("old")
	assert.False(t, ok)
	_, ok = reloaded.Get("fresh")
	assert.True(t, ok)
}

func TestStore_LoadDropsExpired(t *testing.T) {
	ctx := context.Background()
	st := storage.New(storage.NewMemoryBackend(0))
	start := time.Now()

	h := NewStore(st, Options{})
	h.Save(ctx, result("a", start))
	h.Save(ctx, result("b", start.Add(2*time.Hour)))

	later := NewStore(st, Options{})
	later.SetClock(func() time.Time { return start.Add(25 * time.Hour) })
	later.Load(ctx)

	assert.Equal(t, 1, later.Len())
	latest, ok := later.Latest()
	require.True(t, ok)
	assert.Equal(t, "b", latest.ID)
}

func TestStore_AttachDeterminismGrade(t *testing.T) {
	ctx := context.Background()
	st := storage.New(storage.NewMemoryBackend(0))
	h := NewStore(st, Options{})
	h.Save(ctx, result("a", time.Now()))

	require.NoError(t, h.AttachDeterminismGrade(ctx, "a", model.DeterminismGrade{Grade: "A", Score: 0.97, Runs: 5}))
	require.ErrorIs(t, h.AttachDeterminismGrade(ctx, "zzz", model.DeterminismGrade{}), ErrNotFound)

	reloaded := NewStore(st, Options{})
	reloaded.Load(ctx)
	got, ok := reloaded.Get("a")
	require.True(t, ok)
	require.NotNil(t, got.DeterminismGrade)
	assert.Equal(t, "A", got.DeterminismGrade.Grade)
	assert.Equal(t, "resp a", got.Response, "other fields untouched")
}

func TestStore_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	h := NewStore(storage.New(storage.NewMemoryBackend(0)), Options{})
	h.Save(ctx, result("a", time.Now()))
	h.Save(ctx, result("b", time.Now()))

	require.NoError(t, h.Delete(ctx, "b"))
	require.ErrorIs(t, h.Delete(ctx, "b"), ErrNotFound)
	latest, _ := h.Latest()
	assert.Equal(t, "a", latest.ID)

	h.Clear(ctx)
	assert.Zero(t, h.Len())
	_, ok := h.Latest()
	assert.False(t, ok)
}

func TestStore_QuotaCleanupDuringPersist(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	big := result("old", now.Add(-48*time.Hour))
	big.Response = string(make([]byte, 2048))

	// The next write only fits once the expired "old" entry is evicted.
	limited := storage.New(storage.NewMemoryBackend(1500))
	h2 := NewStore(limited, Options{})
	h2.SetClock(func() time.Time { return now })
	limited.RegisterCleanup(h2.CleanupFunc())
	h2.results.entries.Put("old", big)

	done := make(chan struct{})
	go func() {
		h2.Save(ctx, result("new", now))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("save deadlocked while cleanup ran inside persistence")
	}

	_, ok := h2.Get("old")
	assert.False(t, ok)

	reloaded := NewStore(limited, Options{})
	reloaded.SetClock(func() time.Time { return now })
	reloaded.Load(ctx)
	_, ok = reloaded.Get("new")
	assert.True(t, ok, "the record written after cleanup includes the new result")
}
