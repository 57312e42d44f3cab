/*
PURPOSE:
  Test-Result History Store. Bounded, insertion-ordered map of finished runs
  keyed by run id, with age-based eviction.

REQUIREMENTS:
  User-specified:
  - At most MaxEntries results; overflow evicts the oldest-inserted entry.
  - Entries older than MaxAge are dropped by Cleanup.
  - Restore falls back to the most recent result when the id is unknown.

  Implementation-discovered:
  - Eviction is by insertion order, not recency of access.
  - A finished result is immutable apart from its determinism grade.

ERROR HANDLING:
  - Persistence failures are logged; the in-memory map stays authoritative
    for the life of the process.

RELATED FILES:
  - internal/history/bounded.go
  - internal/storage/storage.go
*/

package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/storage"
)

const (
	DefaultMaxEntries = 50
	DefaultMaxAge     = 24 * time.Hour
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("test result not found")

// Restored is a result returned by Restore.
type Restored struct {
	Result model.TestResult
	// FromHistory is false when the requested id was unknown and the most
	// recent result was returned instead.
	FromHistory bool
}

// Options configures a Store.
type Options struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Store is the bounded result history.
type Store struct {
	results *Bounded[model.TestResult]
	now     func() time.Time
}

// NewStore creates an empty history. Call Load to restore persisted results.
func NewStore(st *storage.Store, opts Options) *Store {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	return &Store{
		results: NewBounded(st, storage.KeyTestResults, opts.MaxEntries, opts.MaxAge,
			func(r model.TestResult) string { return r.ID },
			func(r model.TestResult) time.Time { return r.Timestamp }),
		now: time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (h *Store) SetClock(now func() time.Time) {
	h.now = now
	h.results.SetClock(now)
}

// Load restores persisted results.
func (h *Store) Load(ctx context.Context) {
	h.results.Load(ctx)
}

// Save upserts result and makes it the current result. A missing id or
// timestamp is filled in. The stored copy is returned.
func (h *Store) Save(ctx context.Context, result model.TestResult) model.TestResult {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = h.now()
	}
	h.results.Put(ctx, result)
	return result
}

// Restore returns the result for id, or the current result when id is not
// in the history.
func (h *Store) Restore(id string) (Restored, bool) {
	if r, ok := h.results.Get(id); ok {
		return Restored{Result: r, FromHistory: true}, true
	}
	if r, ok := h.results.Current(); ok {
		return Restored{Result: r, FromHistory: false}, true
	}
	return Restored{}, false
}

// Get returns the result for id only.
func (h *Store) Get(id string) (model.TestResult, bool) {
	return h.results.Get(id)
}

// Latest returns the most recently saved result.
func (h *Store) Latest() (model.TestResult, bool) {
	return h.results.Current()
}

// List returns all results, oldest-inserted first.
func (h *Store) List() []model.TestResult {
	return h.results.Values()
}

// Len returns the number of stored results.
func (h *Store) Len() int {
	return h.results.Len()
}

// AttachDeterminismGrade sets the grade of a stored result.
func (h *Store) AttachDeterminismGrade(ctx context.Context, id string, grade model.DeterminismGrade) error {
	if !h.results.Update(ctx, id, func(r *model.TestResult) { r.DeterminismGrade = &grade }) {
		return ErrNotFound
	}
	return nil
}

// Delete removes one result.
func (h *Store) Delete(ctx context.Context, id string) error {
	if !h.results.Delete(ctx, id) {
		return ErrNotFound
	}
	return nil
}

// Clear removes every result.
func (h *Store) Clear(ctx context.Context) {
	h.results.Clear(ctx)
}

// Cleanup evicts results older than MaxAge and returns how many were removed.
func (h *Store) Cleanup(ctx context.Context) int {
	return h.results.Cleanup(ctx)
}

// CleanupFunc adapts Cleanup for storage.Store.RegisterCleanup.
func (h *Store) CleanupFunc() storage.CleanupFunc {
	return func(ctx context.Context) error {
		h.Cleanup(ctx)
		return nil
	}
}
