/*
PURPOSE:
  Session Tracker. Continues the previous session when the last activity is
  recent enough, otherwise starts a new one, and counts tests and
  navigations within it.

ERROR HANDLING:
  - Storage failures are logged; the session then lives in memory only.
    Callers are never blocked by persistence.

RELATED FILES:
  - internal/storage/storage.go
*/

package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/storage"
)

// DefaultTimeout is how long a session survives without activity.
const DefaultTimeout = 24 * time.Hour

// Activity selects which counter UpdateActivity increments.
type Activity string

const (
	ActivityTest       Activity = "test"
	ActivityNavigation Activity = "navigation"
	ActivityGeneral    Activity = "general"
)

// Tracker owns the current session.
type Tracker struct {
	store   *storage.Store
	timeout time.Duration
	now     func() time.Time

	mu          sync.Mutex
	current     model.Session
	initialized bool
}

// NewTracker creates a tracker. A nil store keeps the session in memory.
func NewTracker(store *storage.Store, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		store:   store,
		timeout: timeout,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Initialize loads the previous session and continues it, or mints a new one.
func (t *Tracker) Initialize(ctx context.Context) model.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initializeLocked(ctx)
}

func (t *Tracker) initializeLocked(ctx context.Context) model.Session {
	now := t.now()

	var prior model.Session
	found := false
	if t.store != nil {
		ok, err := t.store.Load(ctx, storage.KeySession, &prior)
		storage.LogFailure(err, "Failed to load session, starting a new one")
		found = ok && prior.SessionID != ""
	}

	if found && now.Sub(prior.LastActivity) < t.timeout {
		prior.NavigationCount++
		prior.LastActivity = now
		t.current = prior
	} else {
		t.current = model.Session{
			SessionID:    NewSessionID(now),
			StartTime:    now,
			LastActivity: now,
		}
	}
	t.initialized = true
	t.persistLocked(ctx)
	return t.current
}

// UpdateActivity refreshes LastActivity and bumps the counter for kind.
// An expired session is replaced first.
func (t *Tracker) UpdateActivity(ctx context.Context, kind Activity) model.Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.initialized || t.now().Sub(t.current.LastActivity) >= t.timeout {
		t.initializeLocked(ctx)
	}

	t.current.LastActivity = t.now()
	switch kind {
	case ActivityTest:
		t.current.TestCount++
	case ActivityNavigation:
		t.current.NavigationCount++
	}
	t.persistLocked(ctx)
	return t.current
}

// Current returns a snapshot of the session.
func (t *Tracker) Current() model.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *Tracker) persistLocked(ctx context.Context) {
	if t.store == nil {
		return
	}
	storage.LogFailure(t.store.Save(ctx, storage.KeySession, t.current),
		"Failed to persist session, keeping it in memory", "session", t.current.SessionID)
}

// NewSessionID returns session_<unix millis>_<9 random chars>.
func NewSessionID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), random)
}
