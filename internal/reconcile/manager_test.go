package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/storage"
)

type updateLog struct {
	mu      sync.Mutex
	updates []Update
}

func (l *updateLog) add(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, u)
}

func (l *updateLog) deltas() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	for _, u := range l.updates {
		b.WriteString(u.Delta)
	}
	return b.String()
}

func (l *updateLog) finals() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, u := range l.updates {
		if u.Final {
			n++
		}
	}
	return n
}

func newManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	st := storage.New(storage.NewMemoryBackend(0))
	return NewManager(st, Options{CoalesceWindow: 50 * time.Millisecond, MaxPending: 1 << 20}), st
}

func TestManager_StreamThreeChunks(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	log := &updateLog{}
	defer m.Subscribe(log.add)()

	require.NoError(t, m.Initialize(ctx, "run-1", RunConfig{ModelID: "m1", Streaming: true}))
	for _, c := range []string{"a", "b", "c"} {
		require.NoError(t, m.Update(ctx, c, UpdateOptions{IsChunk: true}))
	}

	mid := m.State()
	assert.Equal(t, "abc", mid.Output.Output, "accumulated output is updated synchronously")
	assert.True(t, mid.Output.Streaming.IsStreaming)
	assert.Equal(t, 3, mid.Output.Streaming.StreamingProgress.TokensReceived)

	require.NoError(t, m.CompleteStreaming(ctx, model.StreamingMetrics{}))

	final := m.State()
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "abc", final.Output.Output)
	assert.False(t, final.Output.Streaming.IsStreaming)
	require.NotNil(t, final.Metadata.StreamingMetrics)
	assert.Equal(t, 3, final.Metadata.StreamingMetrics.TokensReceived)

	assert.Equal(t, "abc", log.deltas(), "subscribers receive every chunk by completion")
	assert.Equal(t, 1, log.finals())
}

func TestManager_NonStreamingPath(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	require.NoError(t, m.Initialize(ctx, "run-1", RunConfig{ModelID: "m1"}))
	usage := &model.Usage{InputTokens: 3, OutputTokens: 5, TotalTokens: 8}
	require.NoError(t, m.Update(ctx, "full response", UpdateOptions{IsComplete: true, Metadata: &Metadata{Usage: usage}}))

	s := m.State()
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, "full response", s.Output.Output)
	assert.Equal(t, usage, s.Metadata.Usage)
}

func TestManager_CompleteWithStreamedContentKeepsAccumulated(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	require.NoError(t, m.Initialize(ctx, "run-1", RunConfig{Streaming: true}))
	require.NoError(t, m.Update(ctx, "par", UpdateOptions{IsChunk: true}))
	require.NoError(t, m.Update(ctx, "tial", UpdateOptions{IsChunk: true}))
	// The completion event's text does not replace what was streamed.
	require.NoError(t, m.Update(ctx, "something else", UpdateOptions{IsComplete: true}))
	assert.Equal(t, "partial", m.State().Output.Output)
}

func TestManager_RejectsSecondActiveRun(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	require.NoError(t, m.Initialize(ctx, "run-1", RunConfig{Streaming: true}))
	require.ErrorIs(t, m.Initialize(ctx, "run-2", RunConfig{}), ErrRunActive)

	require.NoError(t, m.Update(ctx, "x", UpdateOptions{IsChunk: true}))
	require.ErrorIs(t, m.Initialize(ctx, "run-2", RunConfig{}), ErrRunActive)
	assert.Equal(t, "run-1", m.State().Output.TestID, "in-flight state is not overwritten")
	assert.Equal(t, "x", m.State().Output.Output)

	require.NoError(t, m.CompleteStreaming(ctx, model.StreamingMetrics{}))
	require.NoError(t, m.Initialize(ctx, "run-2", RunConfig{}))
	assert.Empty(t, m.State().Output.Output)
}

func TestManager_OutputFrozenAfterCompletion(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	require.ErrorIs(t, m.Update(ctx, "x", UpdateOptions{IsChunk: true}), ErrNoRun)

	require.NoError(t, m.Initialize(ctx, "run-1", RunConfig{Streaming: true}))
	require.NoError(t, m.Update(ctx, "done", UpdateOptions{IsChunk: true}))
	require.NoError(t, m.CompleteStreaming(ctx, model.StreamingMetrics{}))

	require.ErrorIs(t, m.Update(ctx, "more", UpdateOptions{IsChunk: true}), ErrRunFinished)
	require.ErrorIs(t, m.CompleteStreaming(ctx, model.StreamingMetrics{}), ErrRunFinished)
	assert.Equal(t, "done", m.State().Output.Output)
}

func TestManager_StreamingErrorKeepsPartialOutput(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)

	require.NoError(t, m.Initialize(ctx, "run-1", RunConfig{Streaming: true}))
	require.NoError(t, m.Update(ctx, "half an ", UpdateOptions{IsChunk: true}))
	require.NoError(t, m.Update(ctx, "answer", UpdateOptions{IsChunk: true}))

	snap, err := m.HandleStreamingError(ctx, errors.New("connection reset"))
	require.NoError(t, err)
	assert.Equal(t, StatusErrored, snap.Status)
	assert.Equal(t, "half an answer", snap.Output.Output)
	assert.Equal(t, "connection reset", snap.Output.LastError)
	assert.False(t, snap.Output.Streaming.IsStreaming)

	// Persisted as a partial result.
	other := NewManager(st, Options{})
	other.Load(ctx)
	require.True(t, other.RestoreState(ctx, "run-1"))
	assert.Equal(t, "half an answer", other.State().Output.Output)
	assert.Equal(t, StatusErrored, other.State().Status)

	// A new run may start after an error.
	require.NoError(t, m.Initialize(ctx, "run-2", RunConfig{}))
}

func TestManager_FailWithOutput(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)

	require.NoError(t, m.Initialize(ctx, "run-1", RunConfig{}))
	snap, err := m.FailWithOutput(ctx, "stopped at iteration 2", errors.New("tool failed"))
	require.NoError(t, err)
	assert.Equal(t, StatusErrored, snap.Status)
	assert.Equal(t, "stopped at iteration 2", snap.Output.Output)
	assert.Equal(t, "tool failed", snap.Output.LastError)

	other := NewManager(st, Options{})
	other.Load(ctx)
	require.True(t, other.RestoreState(ctx, "run-1"))
	assert.Equal(t, "stopped at iteration 2", other.State().Output.Output)

	// Streamed text wins over the one-piece partial.
	require.NoError(t, m.Initialize(ctx, "run-2", RunConfig{Streaming: true}))
	require.NoError(t, m.Update(ctx, "streamed", UpdateOptions{IsChunk: true}))
	snap, err = m.FailWithOutput(ctx, "ignored", errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, "streamed", snap.Output.Output)

	_, err = m.FailWithOutput(ctx, "late", errors.New("boom"))
	assert.ErrorIs(t, err, ErrRunFinished)
}

func TestManager_RestoreState(t *testing.T) {
	ctx := context.Background()
	m, st := newManager(t)

	for _, id := range []string{"run-1", "run-2"} {
		require.NoError(t, m.Initialize(ctx, id, RunConfig{}))
		require.NoError(t, m.Update(ctx, "output of "+id, UpdateOptions{IsComplete: true}))
	}

	fresh := NewManager(st, Options{})
	fresh.Load(ctx)
	require.True(t, fresh.RestoreState(ctx, ""), "empty id restores the most recent")
	assert.Equal(t, "output of run-2", fresh.State().Output.Output)

	require.True(t, fresh.RestoreState(ctx, "run-1"))
	assert.Equal(t, "run-1", fresh.State().Output.TestID)

	assert.False(t, fresh.RestoreState(ctx, "no-such-run"), "unknown id restores nothing")
	assert.Equal(t, "run-1", fresh.State().Output.TestID)
	assert.Equal(t, "output of run-1", fresh.State().Output.Output)

	empty := NewManager(storage.New(storage.NewMemoryBackend(0)), Options{})
	assert.False(t, empty.RestoreState(ctx, "run-1"))
}

func TestManager_RestoreRefusesActiveRun(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	require.NoError(t, m.Initialize(ctx, "run-1", RunConfig{}))
	require.NoError(t, m.Update(ctx, "old", UpdateOptions{IsComplete: true}))

	require.NoError(t, m.Initialize(ctx, "run-2", RunConfig{Streaming: true}))
	require.NoError(t, m.Update(ctx, "live", UpdateOptions{IsChunk: true}))
	assert.False(t, m.RestoreState(ctx, "run-1"))
	assert.Equal(t, "live", m.State().Output.Output)
	require.NoError(t, m.CompleteStreaming(ctx, model.StreamingMetrics{}))
}

func TestManager_HandleDisplayError(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	log := &updateLog{}
	defer m.Subscribe(log.add)()

	assert.False(t, m.HandleDisplayError(ctx, errors.New("render failed"), "markdown"),
		"nothing to recover from yet")

	require.NoError(t, m.Initialize(ctx, "run-1", RunConfig{}))
	require.NoError(t, m.Update(ctx, "good output", UpdateOptions{IsComplete: true}))

	assert.True(t, m.HandleDisplayError(ctx, errors.New("render failed"), "markdown"))
	s := m.State()
	assert.Equal(t, "good output", s.Output.Output)


	log.mu.Lock()
	last := log.updates[len(log.updates)-1]
	log.mu.Unlock()
	assert.True(t, last.Replace)
	assert.Equal(t, "good output", last.Output)

	// During a run the live buffer is resent instead.
	require.NoError(t, m.Initialize(ctx, "run-2", RunConfig{Streaming: true}))
	require.NoError(t, m.Update(ctx, "stream", UpdateOptions{IsChunk: true}))
	assert.True(t, m.HandleDisplayError(ctx, errors.New("render failed"), "progress"))
	assert.Equal(t, "stream", m.State().Output.Output)
	require.NoError(t, m.CompleteStreaming(ctx, model.StreamingMetrics{}))
}

func TestManager_HandleDisplayErrorAfterEviction(t *testing.T) {
	ctx := context.Background()
	st := storage.New(storage.NewMemoryBackend(0))
	a := NewManager(st, Options{MaxRecords: 1})
	require.NoError(t, a.Initialize(ctx, "run-1", RunConfig{}))
	require.NoError(t, a.Update(ctx, "first", UpdateOptions{IsComplete: true}))

	b := NewManager(st, Options{MaxRecords: 1})
	b.Load(ctx)
	require.NoError(t, b.Initialize(ctx, "run-2", RunConfig{}))
	require.NoError(t, b.Update(ctx, "second", UpdateOptions{IsComplete: true}))

	a.Load(ctx)
	assert.False(t, a.RestoreState(ctx, "run-1"))
	require.True(t, a.HandleDisplayError(ctx, errors.New("render failed"), "markdown"),
		"falls back to the most recent record")
	assert.Equal(t, "run-2", a.State().Output.TestID)
	assert.Equal(t, "second", a.State().Output.Output)
}

func TestManager_FirstTokenLatency(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.Initialize(ctx, "run-1", RunConfig{Streaming: true}))
	now = now.Add(300 * time.Millisecond)
	require.NoError(t, m.Update(ctx, "a", UpdateOptions{IsChunk: true, Metadata: &Metadata{Tokens: 2}}))
	now = now.Add(700 * time.Millisecond)
	require.NoError(t, m.Update(ctx, "b", UpdateOptions{IsChunk: true}))
	require.NoError(t, m.CompleteStreaming(ctx, model.StreamingMetrics{}))

	metrics := m.State().Metadata.StreamingMetrics
	require.NotNil(t, metrics)
	assert.Equal(t, 300*time.Millisecond, metrics.FirstTokenLatency)
	assert.Equal(t, time.Second, metrics.Duration)
	assert.Equal(t, 3, metrics.TokensReceived)
	assert.InDelta(t, 3.0, metrics.TokensPerSecond, 0.001)
}
