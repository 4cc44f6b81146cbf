package monitor

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OperationMetrics is one finished operation's record. It is mutated only
// through its Tracking handle and becomes immutable once finalized.
type OperationMetrics struct {
	ID            string `json:"id"`
	OperationName string `json:"operation_name"`
	ProjectID     string `json:"project_id,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	ItemsProcessed int     `json:"items_processed"`
	ItemsSucceeded int     `json:"items_succeeded"`
	ItemsFailed    int     `json:"items_failed"`
	SuccessRate    float64 `json:"success_rate"`
	Throughput     float64 `json:"throughput"` // items per second
	QualityScore   float64 `json:"quality_score,omitempty"`

	Context map[string]any `json:"context,omitempty"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ErrorRate is the complement of the item-level success rate.
func (o OperationMetrics) ErrorRate() float64 {
	return 1 - o.SuccessRate
}

// Tracking is the live handle for one tracked operation. The caller records
// counts and context during execution and calls Finish on exit; deferring
// Finish covers the error path too. Only the first Finish takes effect.
type Tracking struct {
	mon  *Monitor
	span trace.Span

	mu   sync.Mutex
	rec  OperationMetrics
	err  error
	done bool
}

// ID returns the record id assigned at Track time.
func (t *Tracking) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec.ID
}

// AddItems accumulates item outcome counts.
func (t *Tracking) AddItems(succeeded, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.rec.ItemsProcessed += succeeded + failed
	t.rec.ItemsSucceeded += succeeded
	t.rec.ItemsFailed += failed
}

// SetQuality records the operation's aggregate quality score. Scores are
// positive by convention; zero means the operation never reported one.
func (t *Tracking) SetQuality(score float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.rec.QualityScore = score
}

// SetContext attaches a business-context value to the record.
func (t *Tracking) SetContext(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.rec.Context[key] = value
}

// Fail marks the operation failed. The most recent error wins.
func (t *Tracking) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || err == nil {
		return
	}
	t.err = err
}

// Finish finalizes timing and derived rates and hands the record to the
// monitor for storage, alert evaluation, and analysis.
func (t *Tracking) Finish() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true

	now := t.mon.now()
	t.rec.CompletedAt = now
	t.rec.Duration = now.Sub(t.rec.StartedAt)
	t.rec.Success = t.err == nil
	if t.err != nil {
		t.rec.Error = t.err.Error()
	}
	t.rec.SuccessRate = finalSuccessRate(t.rec)
	if secs := t.rec.Duration.Seconds(); secs > 0 {
		t.rec.Throughput = float64(t.rec.ItemsProcessed) / secs
	}
	rec := t.rec
	t.mu.Unlock()

	t.span.SetAttributes(
		attribute.Bool("success", rec.Success),
		attribute.Int("items.processed", rec.ItemsProcessed),
		attribute.Int("items.failed", rec.ItemsFailed),
	)
	t.span.End()

	t.mon.finalize(rec)
}

// finalSuccessRate derives the item-level rate. An operation that processed
// nothing counts as fully successful unless it failed outright.
func finalSuccessRate(rec OperationMetrics) float64 {
	if rec.ItemsProcessed == 0 {
		if rec.Success {
			return 1.0
		}
		return 0
	}
	return float64(rec.ItemsSucceeded) / float64(rec.ItemsProcessed)
}
