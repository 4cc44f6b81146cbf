// Package enhance augments portfolio items with model-derived criteria
// estimates before scoring. Enhancement is strictly best-effort: callers fall
// back to the unenhanced items on any failure.
package enhance

import (
	"context"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/logger"
)

// Enhancer fills in missing item fields. Implementations must not mutate the
// input slice; they return a new slice with enriched copies.
type Enhancer interface {
	Enhance(ctx context.Context, items []domain.Item) ([]domain.Item, error)
}

// NopEnhancer returns items unchanged. Used when enhancement is disabled.
type NopEnhancer struct{}

// NewNopEnhancer creates the disabled enhancer.
func NewNopEnhancer() *NopEnhancer { return &NopEnhancer{} }

// Enhance returns the input as-is.
func (NopEnhancer) Enhance(_ context.Context, items []domain.Item) ([]domain.Item, error) {
	return items, nil
}

// BreakerEnhancer wraps an Enhancer with a circuit breaker so a struggling
// upstream stops being hammered.
type BreakerEnhancer struct {
	inner   Enhancer
	breaker *Breaker
	logger  logger.Logger
}

// WithBreaker protects an enhancer with the given circuit breaker.
func WithBreaker(inner Enhancer, breaker *Breaker, log logger.Logger) *BreakerEnhancer {
	return &BreakerEnhancer{inner: inner, breaker: breaker, logger: log}
}

// Enhance rejects the call while the circuit is open and feeds every outcome
// back into the breaker.
func (b *BreakerEnhancer) Enhance(ctx context.Context, items []domain.Item) ([]domain.Item, error) {
	if err := b.breaker.Allow(); err != nil {
		b.logger.Warn("enhancement skipped", logger.Error(err))
		return nil, err
	}

	enhanced, err := b.inner.Enhance(ctx, items)
	b.breaker.Record(err)
	if err != nil {
		b.logger.Warn("enhancement failed",
			logger.Int("items", len(items)),
			logger.String("breaker_state", b.breaker.State().String()),
			logger.Error(err),
		)
		return nil, err
	}
	return enhanced, nil
}

// BreakerState exposes the circuit state for health reporting.
func (b *BreakerEnhancer) BreakerState() BreakerState {
	return b.breaker.State()
}
