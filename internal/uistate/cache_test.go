package uistate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/storage"
)

func tabPtr(t model.Tab) *model.Tab { return &t }
func strPtr(s string) *string       { return &s }

func TestRestoreUIState_Default(t *testing.T) {
	c := NewCache(storage.New(storage.NewMemoryBackend(0)))
	s := c.RestoreUIState(context.Background())
	assert.Equal(t, model.TabTest, s.ActiveTab)
	assert.Empty(t, s.SelectedForComparison)
	assert.NotNil(t, s.ValidationErrors)
	assert.NotNil(t, s.TouchedFields)
}

func TestSaveUIState_MergesPartialUpdates(t *testing.T) {
	ctx := context.Background()
	st := storage.New(storage.NewMemoryBackend(0))
	c := NewCache(st)

	c.SaveUIState(ctx, UIStatePatch{
		ActiveTab:     tabPtr(model.TabHistory),
		TouchedFields: map[string]bool{"userPrompt": true},
	})
	c.SaveUIState(ctx, UIStatePatch{
		ValidationErrors: map[string]string{"modelId": "Please select a model"},
	})

	got := c.RestoreUIState(ctx)
	assert.Equal(t, model.TabHistory, got.ActiveTab, "earlier patch survives a later one")
	assert.Equal(t, map[string]bool{"userPrompt": true}, got.TouchedFields)
	assert.Equal(t, "Please select a model", got.ValidationErrors["modelId"])
	assert.False(t, got.LastUpdated.IsZero())

	// A fresh cache over the same store restores the merged record.
	restored := NewCache(st).RestoreUIState(ctx)
	assert.Equal(t, got.ActiveTab, restored.ActiveTab)
	assert.Equal(t, got.TouchedFields, restored.TouchedFields)
	assert.Equal(t, got.ValidationErrors, restored.ValidationErrors)
}

func TestRestoreUIState_MissingFieldsDefault(t *testing.T) {
	ctx := context.Background()
	b := storage.NewMemoryBackend(0)
	require.NoError(t, b.Set(ctx, storage.KeyUIState, []byte(`{"active_tab":"bogus"}`)))

	s := NewCache(storage.New(b)).RestoreUIState(ctx)
	assert.Equal(t, model.TabTest, s.ActiveTab)
	assert.NotNil(t, s.SelectedForComparison)
	assert.NotNil(t, s.TouchedFields)
}

func TestReturnedStateIsACopy(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil)
	s := c.SaveUIState(ctx, UIStatePatch{TouchedFields: map[string]bool{"a": true}})
	s.TouchedFields["b"] = true

	assert.NotContains(t, c.RestoreUIState(ctx).TouchedFields, "b")
}

func TestSaveNavigationState_History(t *testing.T) {
	ctx := context.Background()
	c := NewCache(storage.New(storage.NewMemoryBackend(0)))

	c.SaveNavigationState(ctx, NavigationPatch{CurrentRoute: strPtr("/history")})
	c.SaveNavigationState(ctx, NavigationPatch{CurrentRoute: strPtr("/history")})
	nav := c.SaveNavigationState(ctx, NavigationPatch{CurrentRoute: strPtr("/comparison")})

	assert.Equal(t, "/comparison", nav.CurrentRoute)
	assert.Equal(t, "/history", nav.PreviousRoute)
	assert.Equal(t, []string{"/history", "/comparison"}, nav.NavigationHistory)

	for i := 0; i < 30; i++ {
		c.SaveNavigationState(ctx, NavigationPatch{CurrentRoute: strPtr(fmt.Sprintf("/r%d", i))})
	}
	nav = c.RestoreNavigationState(ctx)
	require.Len(t, nav.NavigationHistory, MaxNavigationHistory)
	assert.Equal(t, "/r10", nav.NavigationHistory[0])
	assert.Equal(t, "/r29", nav.NavigationHistory[MaxNavigationHistory-1])
}

func TestSaveNavigationState_TabHistoryBounded(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil)
	tabs := []model.Tab{model.TabTest, model.TabHistory, model.TabComparison}
	for i := 0; i < 15; i++ {
		c.SaveNavigationState(ctx, NavigationPatch{ActiveTab: tabPtr(tabs[i%3])})
	}
	c.SaveNavigationState(ctx, NavigationPatch{ActiveTab: tabPtr(model.TabComparison)})

	nav := c.RestoreNavigationState(ctx)
	require.Len(t, nav.TabHistory, MaxTabHistory)
	for i := 1; i < len(nav.TabHistory); i++ {
		assert.NotEqual(t, nav.TabHistory[i-1], nav.TabHistory[i], "no consecutive duplicates")
	}
}

func TestSetActiveTab(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil)

	require.NoError(t, c.SetActiveTab(ctx, model.TabComparison))
	assert.Equal(t, model.TabComparison, c.RestoreUIState(ctx).ActiveTab)
	nav := c.RestoreNavigationState(ctx)
	assert.Equal(t, "/comparison", nav.CurrentRoute)
	assert.Equal(t, []model.Tab{model.TabComparison}, nav.TabHistory)

	require.Error(t, c.SetActiveTab(ctx, "settings"))
}

func TestToggleComparison(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil)

	assert.Equal(t, []string{"r1"}, c.ToggleComparison(ctx, "r1"))
	assert.Equal(t, []string{"r1", "r2"}, c.ToggleComparison(ctx, "r2"))
	assert.Equal(t, []string{"r2", "r3"}, c.ToggleComparison(ctx, "r3"))
	assert.Equal(t, []string{"r3"}, c.ToggleComparison(ctx, "r2"))
}
