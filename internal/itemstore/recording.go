package itemstore

import (
	"context"

	"github.com/quantvalue/qvf/internal/domain"
)

// RecordingStore wraps a Store and reports every outbound call to a recorder,
// typically the resource monitor's sliding call window. The engine's
// admission throttling reasons about external-call rate, so every store call
// has to be accounted for at the boundary that makes it.
type RecordingStore struct {
	inner  Store
	record func()
}

// WithCallRecorder wraps a store so each call invokes record once.
func WithCallRecorder(inner Store, record func()) *RecordingStore {
	return &RecordingStore{inner: inner, record: record}
}

// LoadItems records one call and delegates.
func (r *RecordingStore) LoadItems(ctx context.Context, scope domain.ScopeFilter) ([]domain.Item, error) {
	r.record()
	return r.inner.LoadItems(ctx, scope)
}

// SaveScores records one call and delegates. A chunked persist stage records
// one call per chunk, which matches how a remote store would be billed.
func (r *RecordingStore) SaveScores(ctx context.Context, scores []domain.Score) (*SaveReport, error) {
	r.record()
	return r.inner.SaveScores(ctx, scores)
}

// GetScore records one call and delegates.
func (r *RecordingStore) GetScore(ctx context.Context, itemID string) (domain.Score, error) {
	r.record()
	return r.inner.GetScore(ctx, itemID)
}

// CountItems records one call and delegates.
func (r *RecordingStore) CountItems(ctx context.Context) (int, error) {
	r.record()
	return r.inner.CountItems(ctx)
}
