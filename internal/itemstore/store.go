// Package itemstore abstracts the system of record for portfolio items and
// their computed scores.
package itemstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/logger"
)

const (
	// DefaultRateLimit is the store call budget in requests per second.
	DefaultRateLimit = 10
	// DefaultRateBurst is the token bucket burst size.
	DefaultRateBurst = 20
	// DefaultTimeout bounds a single store call.
	DefaultTimeout = 10 * time.Second
)

// SaveReport carries the outcome of one score batch write. Failed maps item
// ID to the reason that single write was rejected; the batch itself still
// succeeded.
type SaveReport struct {
	Saved  int
	Failed map[string]string
}

// Store is the persistence boundary for items and scores. Implementations
// must be safe for concurrent use.
type Store interface {
	// LoadItems returns all items matching the scope, ordered by ID.
	LoadItems(ctx context.Context, scope domain.ScopeFilter) ([]domain.Item, error)
	// SaveScores writes a batch of scores. Individual item rejections are
	// reported in the SaveReport; a non-nil error means the whole batch
	// failed.
	SaveScores(ctx context.Context, scores []domain.Score) (*SaveReport, error)
	// GetScore returns the latest stored score for one item, or
	// domain.ErrNotFound.
	GetScore(ctx context.Context, itemID string) (domain.Score, error)
	// CountItems reports how many items the store holds.
	CountItems(ctx context.Context) (int, error)
}

// Config tunes the reference store.
type Config struct {
	RateLimit int
	RateBurst int
	Timeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = DefaultRateBurst
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// MemoryStore is the in-memory reference implementation. Every call passes
// through a token bucket so workloads exercise the same backpressure a remote
// store would impose.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]domain.Item
	scores  map[string]domain.Score
	limiter *rate.Limiter
	timeout time.Duration
	logger  logger.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg Config, log logger.Logger) *MemoryStore {
	cfg.setDefaults()
	return &MemoryStore{
		items:   make(map[string]domain.Item),
		scores:  make(map[string]domain.Score),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		timeout: cfg.Timeout,
		logger:  log,
	}
}

// Seed inserts or replaces items. Intended for startup fixtures and tests.
func (s *MemoryStore) Seed(items ...domain.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.items[item.ID] = item
	}
}

// LoadItems applies the scope filter to the full item set.
func (s *MemoryStore) LoadItems(ctx context.Context, scope domain.ScopeFilter) ([]domain.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("item load rate limit: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []domain.Item
	if len(scope.ItemIDs) > 0 {
		for _, id := range scope.ItemIDs {
			item, ok := s.items[id]
			if ok && matchesScope(item, scope) {
				matched = append(matched, item)
			}
		}
	} else {
		for _, item := range s.items {
			if matchesScope(item, scope) {
				matched = append(matched, item)
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	s.logger.Debug("items loaded",
		logger.Int("matched", len(matched)),
		logger.String("project_id", scope.ProjectID),
	)
	return matched, nil
}

// SaveScores stores each score keyed by item ID. Scores for unknown items
// are rejected individually so one bad reference cannot sink a batch.
func (s *MemoryStore) SaveScores(ctx context.Context, scores []domain.Score) (*SaveReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("score save rate limit: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	report := &SaveReport{Failed: make(map[string]string)}
	for _, score := range scores {
		if _, ok := s.items[score.ItemID]; !ok {
			report.Failed[score.ItemID] = "unknown item"
			continue
		}
		s.scores[score.ItemID] = score
		report.Saved++
	}
	return report, nil
}

// GetScore returns the stored score for one item.
func (s *MemoryStore) GetScore(ctx context.Context, itemID string) (domain.Score, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.limiter.Wait(ctx); err != nil {
		return domain.Score{}, fmt.Errorf("score read rate limit: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.scores[itemID]
	if !ok {
		return domain.Score{}, fmt.Errorf("score for item %q: %w", itemID, domain.ErrNotFound)
	}
	return score, nil
}

// CountItems reports the store population.
func (s *MemoryStore) CountItems(ctx context.Context) (int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("item count rate limit: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items), nil
}

// matchesScope evaluates one item against every populated filter field.
func matchesScope(item domain.Item, scope domain.ScopeFilter) bool {
	if scope.ProjectID != "" && item.ProjectID != scope.ProjectID {
		return false
	}
	if len(scope.States) > 0 {
		found := false
		for _, state := range scope.States {
			if item.State == state {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if scope.UpdatedSince != nil && item.UpdatedAt.Before(*scope.UpdatedSince) {
		return false
	}
	return true
}
