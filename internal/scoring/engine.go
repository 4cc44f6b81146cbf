// Package scoring computes prioritization scores for portfolio items.
package scoring

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/logger"
)

const (
	// Normalized scores span 0-100.
	maxNormalizedScore = 100.0

	// Financial impact joins the weighted sum only when the request asks
	// for it and the caller has not already weighted the field.
	financialField        = "financial_impact"
	defaultFinancialShare = 0.25
)

// DefaultWeights is the criteria mix applied when a request carries no
// explicit CriteriaConfig.
var DefaultWeights = map[string]float64{
	"business_value":   0.35,
	"time_criticality": 0.25,
	"risk_reduction":   0.20,
	"strategic_fit":    0.20,
}

// Engine computes scores for a batch of items under one criteria
// configuration. Implementations must be safe for concurrent use.
type Engine interface {
	Score(ctx context.Context, items []domain.Item, criteria *domain.CriteriaConfig) ([]domain.Score, error)
}

// WeightedEngine is the reference engine: a weighted sum over numeric item
// fields, optionally normalized to 0-100 across the batch, ranked
// highest-first.
type WeightedEngine struct {
	logger logger.Logger
	now    func() time.Time
}

// NewWeightedEngine creates the reference scoring engine.
func NewWeightedEngine(log logger.Logger) *WeightedEngine {
	return &WeightedEngine{
		logger: log,
		now:    time.Now,
	}
}

// Score computes one score per item. Items missing a weighted field simply
// contribute zero for that component; computation itself never fails a
// single item.
func (e *WeightedEngine) Score(ctx context.Context, items []domain.Item, criteria *domain.CriteriaConfig) ([]domain.Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	weights := e.resolveWeights(criteria)
	computedAt := e.now()

	scores := make([]domain.Score, len(items))
	for i, item := range items {
		components := make(map[string]float64, len(weights))
		total := 0.0
		for field, weight := range weights {
			contribution := fieldValue(item, field) * weight
			components[field] = contribution
			total += contribution
		}
		scores[i] = domain.Score{
			ItemID:     item.ID,
			Value:      total,
			Components: components,
			ComputedAt: computedAt,
		}
	}

	if criteria == nil || criteria.NormalizeScores {
		normalize(scores)
	}
	rank(scores)

	e.logger.Debug("scores computed",
		logger.Int("items", len(items)),
		logger.Int("criteria", len(weights)),
	)
	return scores, nil
}

// resolveWeights picks the request's weights or the defaults, folding in the
// financial component when requested.
func (e *WeightedEngine) resolveWeights(criteria *domain.CriteriaConfig) map[string]float64 {
	base := DefaultWeights
	if criteria != nil && len(criteria.Weights) > 0 {
		base = criteria.Weights
	}

	weights := make(map[string]float64, len(base)+1)
	for field, weight := range base {
		weights[field] = weight
	}
	if criteria != nil && criteria.IncludeFinancial {
		if _, ok := weights[financialField]; !ok {
			weights[financialField] = defaultFinancialShare
		}
	}
	return weights
}

// fieldValue extracts a numeric field from the item, tolerating the types a
// JSON round trip can produce. Missing or non-numeric fields count as zero.
func fieldValue(item domain.Item, field string) float64 {
	raw, ok := item.Fields[field]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// normalize rescales values against the batch maximum so the best item lands
// on 100 and relative order is preserved. An all-zero batch stays at zero.
func normalize(scores []domain.Score) {
	maxValue := 0.0
	for _, s := range scores {
		if s.Value > maxValue {
			maxValue = s.Value
		}
	}
	if maxValue <= 0 {
		return
	}
	for i := range scores {
		scores[i].Value = scores[i].Value / maxValue * maxNormalizedScore
	}
}

// rank assigns 1-based ranks, highest value first, item ID as a
// deterministic tie-break.
func rank(scores []domain.Score) {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		sa, sb := scores[order[a]], scores[order[b]]
		if sa.Value != sb.Value {
			return sa.Value > sb.Value
		}
		return sa.ItemID < sb.ItemID
	})
	for position, idx := range order {
		scores[idx].Rank = position + 1
	}
}

// Summarize computes the distribution summary for a set of scores.
func Summarize(scores []domain.Score) domain.ScoreSummary {
	if len(scores) == 0 {
		return domain.ScoreSummary{}
	}

	summary := domain.ScoreSummary{
		Count: len(scores),
		Min:   scores[0].Value,
		Max:   scores[0].Value,
	}
	sum := 0.0
	for _, s := range scores {
		if s.Value < summary.Min {
			summary.Min = s.Value
		}
		if s.Value > summary.Max {
			summary.Max = s.Value
		}
		sum += s.Value
	}
	summary.Mean = sum / float64(len(scores))

	variance := 0.0
	for _, s := range scores {
		d := s.Value - summary.Mean
		variance += d * d
	}
	summary.StdDev = math.Sqrt(variance / float64(len(scores)))
	return summary
}
