package history

import (
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/linkedhashmap"

	"github.com/daryltucker/prompt-harness/internal/storage"
)

// Bounded is an insertion-ordered map capped by size and age, persisted as a
// single record. Overflow evicts the oldest-inserted entry; replacing an
// entry keeps its original position.
//
// Persistence runs without holding the lock. A mutation made while a write is
// in flight (including one made by a quota cleanup nested inside that write)
// marks the map dirty and the writer loops until the stored record is current.
type Bounded[T any] struct {
	store      *storage.Store
	key        string
	maxEntries int
	maxAge     time.Duration
	idOf       func(T) string
	timeOf     func(T) time.Time
	now        func() time.Time

	mu         sync.Mutex
	entries    *linkedhashmap.Map // id -> T
	currentID  string
	dirty      bool
	persisting bool
}

type boundedRecord[T any] struct {
	Entries   []T    `json:"entries"`
	CurrentID string `json:"current_id,omitempty"`
}

// NewBounded creates an empty map persisted under key. A nil store keeps it
// in memory only.
func NewBounded[T any](st *storage.Store, key string, maxEntries int, maxAge time.Duration,
	idOf func(T) string, timeOf func(T) time.Time) *Bounded[T] {
	return &Bounded[T]{
		store:      st,
		key:        key,
		maxEntries: maxEntries,
		maxAge:     maxAge,
		idOf:       idOf,
		timeOf:     timeOf,
		now:        time.Now,
		entries:    linkedhashmap.New(),
	}
}

// SetClock replaces the time source.
func (b *Bounded[T]) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Load replaces the contents with the persisted record, skipping expired
// entries and re-applying the size bound.
func (b *Bounded[T]) Load(ctx context.Context) {
	if b.store == nil {
		return
	}
	var rec boundedRecord[T]
	ok, err := b.store.Load(ctx, b.key, &rec)
	storage.LogFailure(err, "Failed to restore history, starting empty", "key", b.key)
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Clear()
	cutoff := b.now().Add(-b.maxAge)
	for _, v := range rec.Entries {
		if b.idOf(v) == "" || b.timeOf(v).Before(cutoff) {
			continue
		}
		b.entries.Put(b.idOf(v), v)
	}
	b.trimLocked()
	if _, found := b.entries.Get(rec.CurrentID); found {
		b.currentID = rec.CurrentID
	} else {
		b.currentID = b.lastIDLocked()
	}
}

// Put upserts v and makes it current.
func (b *Bounded[T]) Put(ctx context.Context, v T) {
	b.mutate(ctx, func() bool {
		id := b.idOf(v)
		b.entries.Put(id, v)
		b.currentID = id
		b.trimLocked()
		return true
	})
}

// Update applies fn to the entry with id. It reports whether the entry exists.
func (b *Bounded[T]) Update(ctx context.Context, id string, fn func(*T)) bool {
	found := false
	b.mutate(ctx, func() bool {
		raw, ok := b.entries.Get(id)
		if !ok {
			return false
		}
		v := raw.(T)
		fn(&v)
		b.entries.Put(id, v)
		found = true
		return true
	})
	return found
}

// Delete removes id. It reports whether the entry existed.
func (b *Bounded[T]) Delete(ctx context.Context, id string) bool {
	found := false
	b.mutate(ctx, func() bool {
		if _, ok := b.entries.Get(id); !ok {
			return false
		}
		b.entries.Remove(id)
		if b.currentID == id {
			b.currentID = b.lastIDLocked()
		}
		found = true
		return true
	})
	return found
}

// Clear removes every entry.
func (b *Bounded[T]) Clear(ctx context.Context) {
	b.mutate(ctx, func() bool {
		b.entries.Clear()
		b.currentID = ""
		return true
	})
}

// Cleanup removes entries older than the max age and returns the count.
func (b *Bounded[T]) Cleanup(ctx context.Context) int {
	removed := 0
	b.mutate(ctx, func() bool {
		cutoff := b.now().Add(-b.maxAge)
		var expired []any
		it := b.entries.Iterator()
		for it.Next() {
			if b.timeOf(it.Value().(T)).Before(cutoff) {
				expired = append(expired, it.Key())
			}
		}
		for _, k := range expired {
			b.entries.Remove(k)
		}
		if _, ok := b.entries.Get(b.currentID); !ok {
			b.currentID = b.lastIDLocked()
		}
		removed = len(expired)
		return removed > 0
	})
	return removed
}

// Get returns the entry for id.
func (b *Bounded[T]) Get(id string) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.entries.Get(id)
	if !ok {
		var zero T
		return zero, false
	}
	return raw.(T), true
}

// Current returns the most recently put entry.
func (b *Bounded[T]) Current() (T, bool) {
	b.mu.Lock()
	id := b.currentID
	b.mu.Unlock()
	return b.Get(id)
}

// Values returns all entries, oldest-inserted first.
func (b *Bounded[T]) Values() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.valuesLocked()
}

// Len returns the entry count.
func (b *Bounded[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Size()
}

// mutate runs fn under the lock; when fn reports a change the record is
// persisted by this goroutine unless another write is already in flight.
func (b *Bounded[T]) mutate(ctx context.Context, fn func() bool) {
	b.mu.Lock()
	changed := fn()
	run := false
	if changed && b.store != nil {
		b.dirty = true
		if !b.persisting {
			b.persisting = true
			run = true
		}
	}
	b.mu.Unlock()

	if run {
		b.persistLoop(ctx)
	}
}

func (b *Bounded[T]) persistLoop(ctx context.Context) {
	for {
		b.mu.Lock()
		if !b.dirty {
			b.persisting = false
			b.mu.Unlock()
			return
		}
		b.dirty = false
		rec := boundedRecord[T]{Entries: b.valuesLocked(), CurrentID: b.currentID}
		b.mu.Unlock()

		storage.LogFailure(b.store.Save(ctx, b.key, rec), "Failed to persist history", "key", b.key, "entries", len(rec.Entries))
	}
}

func (b *Bounded[T]) trimLocked() {
	for b.entries.Size() > b.maxEntries {
		it := b.entries.Iterator()
		if !it.First() {
			return
		}
		b.entries.Remove(it.Key())
	}
}

func (b *Bounded[T]) lastIDLocked() string {
	it := b.entries.Iterator()
	if !it.Last() {
		return ""
	}
	return it.Key().(string)
}

func (b *Bounded[T]) valuesLocked() []T {
	out := make([]T, 0, b.entries.Size())
	it := b.entries.Iterator()
	for it.Next() {
		out = append(out, it.Value().(T))
	}
	return out
}
