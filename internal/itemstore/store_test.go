package itemstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/logger"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	// Generous limits so tests never wait on the bucket.
	return NewMemoryStore(Config{RateLimit: 1000, RateBurst: 1000}, logger.NewNop())
}

func seedFixture(s *MemoryStore) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Seed(
		domain.Item{ID: "item-1", ProjectID: "alpha", State: "active", UpdatedAt: base},
		domain.Item{ID: "item-2", ProjectID: "alpha", State: "done", UpdatedAt: base.Add(time.Hour)},
		domain.Item{ID: "item-3", ProjectID: "beta", State: "active", UpdatedAt: base.Add(2 * time.Hour)},
	)
}

func TestLoadItemsByProject(t *testing.T) {
	store := newTestStore(t)
	seedFixture(store)

	items, err := store.LoadItems(context.Background(), domain.ScopeFilter{ProjectID: "alpha"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "item-1", items[0].ID)
	assert.Equal(t, "item-2", items[1].ID)
}

func TestLoadItemsByExplicitIDs(t *testing.T) {
	store := newTestStore(t)
	seedFixture(store)

	items, err := store.LoadItems(context.Background(), domain.ScopeFilter{
		ItemIDs: []string{"item-3", "item-1", "missing"},
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "item-1", items[0].ID)
	assert.Equal(t, "item-3", items[1].ID)
}

func TestLoadItemsFilters(t *testing.T) {
	store := newTestStore(t)
	seedFixture(store)
	since := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		scope   domain.ScopeFilter
		wantIDs []string
	}{
		{
			name:    "state filter",
			scope:   domain.ScopeFilter{ProjectID: "alpha", States: []string{"active"}},
			wantIDs: []string{"item-1"},
		},
		{
			name:    "updated since",
			scope:   domain.ScopeFilter{ProjectID: "alpha", UpdatedSince: &since},
			wantIDs: []string{"item-2"},
		},
		{
			name:    "ids narrowed by project",
			scope:   domain.ScopeFilter{ProjectID: "beta", ItemIDs: []string{"item-1", "item-3"}},
			wantIDs: []string{"item-3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := store.LoadItems(context.Background(), tt.scope)
			require.NoError(t, err)
			ids := make([]string, len(items))
			for i, item := range items {
				ids[i] = item.ID
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestSaveScoresRejectsUnknownItems(t *testing.T) {
	store := newTestStore(t)
	seedFixture(store)

	report, err := store.SaveScores(context.Background(), []domain.Score{
		{ItemID: "item-1", Value: 90},
		{ItemID: "ghost", Value: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Saved)
	assert.Contains(t, report.Failed, "ghost")

	score, err := store.GetScore(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, 90.0, score.Value)
}

func TestGetScoreNotFound(t *testing.T) {
	store := newTestStore(t)
	seedFixture(store)

	_, err := store.GetScore(context.Background(), "item-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRateLimiterHonorsContext(t *testing.T) {
	// One token per second, burst 1: the second call has to wait and the
	// context deadline must end that wait.
	store := NewMemoryStore(Config{RateLimit: 1, RateBurst: 1, Timeout: time.Minute}, logger.NewNop())

	_, err := store.CountItems(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = store.CountItems(ctx)
	assert.Error(t, err)
}
