/*
PURPOSE:
  UI / Navigation State Cache. Small structured records (active tab,
  comparison selection, validation errors, touched fields, route history)
  merged, persisted on every change and restored once at startup.

IMPLEMENTATION RULES:
  - Partial updates merge onto the cached state; they never replace it.
  - History lists drop the oldest entry on overflow and never repeat the
    previous entry.

ERROR HANDLING:
  - Persistence failures are logged; the cached copy stays authoritative.
*/

package uistate

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/storage"
)

const (
	MaxNavigationHistory = 20
	MaxTabHistory        = 10
	MaxComparison        = 2
)

// UIStatePatch holds the fields to change. Nil fields are left untouched.
type UIStatePatch struct {
	ActiveTab             *model.Tab
	SelectedForComparison []string
	ValidationErrors      map[string]string
	TouchedFields         map[string]bool
}

// NavigationPatch holds the navigation fields to change.
type NavigationPatch struct {
	CurrentRoute *string
	ActiveTab    *model.Tab
}

// Cache owns the UI and navigation records.
type Cache struct {
	store *storage.Store
	now   func() time.Time

	mu        sync.Mutex
	ui        model.UIState
	nav       model.NavigationState
	uiLoaded  bool
	navLoaded bool
}

// NewCache creates a cache backed by store. A nil store keeps state in memory.
func NewCache(store *storage.Store) *Cache {
	return &Cache{store: store, now: time.Now}
}

// DefaultUIState is the state on first run.
func DefaultUIState() model.UIState {
	return model.UIState{
		ActiveTab:             model.TabTest,
		SelectedForComparison: []string{},
		ValidationErrors:      map[string]string{},
		TouchedFields:         map[string]bool{},
	}
}

// DefaultNavigationState is the navigation state on first run.
func DefaultNavigationState() model.NavigationState {
	return model.NavigationState{
		CurrentRoute:      "/",
		NavigationHistory: []string{},
		TabHistory:        []model.Tab{},
	}
}

// RestoreUIState returns the cached UI state, loading it on first use.
func (c *Cache) RestoreUIState(ctx context.Context) model.UIState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadUILocked(ctx)
	return cloneUI(c.ui)
}

// SaveUIState merges patch into the cached state and persists it.
func (c *Cache) SaveUIState(ctx context.Context, patch UIStatePatch) model.UIState {
	c.mu.Lock()
	c.loadUILocked(ctx)

	if patch.ActiveTab != nil {
		c.ui.ActiveTab = *patch.ActiveTab
	}
	if patch.SelectedForComparison != nil {
		c.ui.SelectedForComparison = slices.Clone(patch.SelectedForComparison)
	}
	if patch.ValidationErrors != nil {
		c.ui.ValidationErrors = maps.Clone(patch.ValidationErrors)
	}
	if patch.TouchedFields != nil {
		c.ui.TouchedFields = maps.Clone(patch.TouchedFields)
	}
	c.ui.LastUpdated = c.now()
	snapshot := cloneUI(c.ui)
	c.mu.Unlock()

	c.persist(ctx, storage.KeyUIState, snapshot)
	return snapshot
}

// RestoreNavigationState returns the cached navigation state.
func (c *Cache) RestoreNavigationState(ctx context.Context) model.NavigationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadNavLocked(ctx)
	return cloneNav(c.nav)
}

// SaveNavigationState merges patch and records route / tab changes.
func (c *Cache) SaveNavigationState(ctx context.Context, patch NavigationPatch) model.NavigationState {
	c.mu.Lock()
	c.loadNavLocked(ctx)

	if patch.CurrentRoute != nil && *patch.CurrentRoute != c.nav.CurrentRoute {
		c.nav.PreviousRoute = c.nav.CurrentRoute
		c.nav.CurrentRoute = *patch.CurrentRoute
		c.nav.NavigationHistory = appendBounded(c.nav.NavigationHistory, *patch.CurrentRoute, MaxNavigationHistory)
	}
	if patch.ActiveTab != nil {
		c.nav.TabHistory = appendBounded(c.nav.TabHistory, *patch.ActiveTab, MaxTabHistory)
	}
	c.nav.LastUpdated = c.now()
	snapshot := cloneNav(c.nav)
	c.mu.Unlock()

	c.persist(ctx, storage.KeyNavigationState, snapshot)
	return snapshot
}

// SetActiveTab switches tabs, updating both records.
func (c *Cache) SetActiveTab(ctx context.Context, tab model.Tab) error {
	if !tab.Valid() {
		return fmt.Errorf("unknown tab %q", tab)
	}
	route := "/" + string(tab)
	c.SaveUIState(ctx, UIStatePatch{ActiveTab: &tab})
	c.SaveNavigationState(ctx, NavigationPatch{CurrentRoute: &route, ActiveTab: &tab})
	return nil
}

// ToggleComparison adds runID to the comparison selection, or removes it if
// already selected. At most MaxComparison runs stay selected; the oldest
// selection is dropped.
func (c *Cache) ToggleComparison(ctx context.Context, runID string) []string {
	c.mu.Lock()
	c.loadUILocked(ctx)
	sel := slices.Clone(c.ui.SelectedForComparison)
	c.mu.Unlock()

	if i := slices.Index(sel, runID); i >= 0 {
		sel = slices.Delete(sel, i, i+1)
	} else {
		sel = append(sel, runID)
		if len(sel) > MaxComparison {
			sel = sel[len(sel)-MaxComparison:]
		}
	}
	return c.SaveUIState(ctx, UIStatePatch{SelectedForComparison: sel}).SelectedForComparison
}

func (c *Cache) loadUILocked(ctx context.Context) {
	if c.uiLoaded {
		return
	}
	c.uiLoaded = true
	c.ui = DefaultUIState()
	if c.store == nil {
		return
	}

	var stored model.UIState
	ok, err := c.store.Load(ctx, storage.KeyUIState, &stored)
	storage.LogFailure(err, "Failed to restore UI state, using defaults")
	if !ok {
		return
	}
	if stored.ActiveTab.Valid() {
		c.ui.ActiveTab = stored.ActiveTab
	}
	if stored.SelectedForComparison != nil {
		c.ui.SelectedForComparison = stored.SelectedForComparison
	}
	if stored.ValidationErrors != nil {
		c.ui.ValidationErrors = stored.ValidationErrors
	}
	if stored.TouchedFields != nil {
		c.ui.TouchedFields = stored.TouchedFields
	}
	c.ui.LastUpdated = stored.LastUpdated
}

func (c *Cache) loadNavLocked(ctx context.Context) {
	if c.navLoaded {
		return
	}
	c.navLoaded = true
	c.nav = DefaultNavigationState()
	if c.store == nil {
		return
	}

	var stored model.NavigationState
	ok, err := c.store.Load(ctx, storage.KeyNavigationState, &stored)
	storage.LogFailure(err, "Failed to restore navigation state, using defaults")
	if !ok {
		return
	}
	if stored.CurrentRoute != "" {
		c.nav.CurrentRoute = stored.CurrentRoute
	}
	c.nav.PreviousRoute = stored.PreviousRoute
	if stored.NavigationHistory != nil {
		c.nav.NavigationHistory = trimOldest(stored.NavigationHistory, MaxNavigationHistory)
	}
	if stored.TabHistory != nil {
		c.nav.TabHistory = trimOldest(stored.TabHistory, MaxTabHistory)
	}
	c.nav.LastUpdated = stored.LastUpdated
}

func (c *Cache) persist(ctx context.Context, key string, value any) {
	if c.store == nil {
		return
	}
	storage.LogFailure(c.store.Save(ctx, key, value), "Failed to persist UI state", "key", key)
}

// appendBounded appends v unless it repeats the last entry, then trims the
// oldest entries beyond limit.
func appendBounded[T comparable](list []T, v T, limit int) []T {
	if n := len(list); n > 0 && list[n-1] == v {
		return list
	}
	return trimOldest(append(list, v), limit)
}

func trimOldest[T any](list []T, limit int) []T {
	if len(list) <= limit {
		return list
	}
	return slices.Clone(list[len(list)-limit:])
}

func cloneUI(s model.UIState) model.UIState {
	s.SelectedForComparison = slices.Clone(s.SelectedForComparison)
	s.ValidationErrors = maps.Clone(s.ValidationErrors)
	s.TouchedFields = maps.Clone(s.TouchedFields)
	return s
}

func cloneNav(s model.NavigationState) model.NavigationState {
	s.NavigationHistory = slices.Clone(s.NavigationHistory)
	s.TabHistory = slices.Clone(s.TabHistory)
	return s
}
