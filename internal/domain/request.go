package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExecutionMode selects how a scoring request is carried out.
type ExecutionMode string

const (
	// ModeImmediate scores the requested items right away.
	ModeImmediate ExecutionMode = "immediate"

	// ModeBatch scores the requested items in chunked batches.
	ModeBatch ExecutionMode = "batch"

	// ModeIncremental rescores only items changed since the last run.
	ModeIncremental ExecutionMode = "incremental"

	// ModeFull recalculates every item in scope from scratch.
	ModeFull ExecutionMode = "full"
)

// IsValid returns true if the mode is a known execution mode.
func (m ExecutionMode) IsValid() bool {
	switch m {
	case ModeImmediate, ModeBatch, ModeIncremental, ModeFull:
		return true
	default:
		return false
	}
}

// ParseExecutionMode converts a string into an ExecutionMode.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	m := ExecutionMode(strings.ToLower(s))
	if s == "" {
		return ModeBatch, nil
	}
	if !m.IsValid() {
		return "", fmt.Errorf("invalid execution mode %q: must be immediate, batch, incremental, or full", s)
	}
	return m, nil
}

// ScopeFilter narrows which items a request covers. Either ItemIDs or
// ProjectID must be set; the remaining fields tighten the selection.
type ScopeFilter struct {
	ProjectID    string     `json:"project_id,omitempty"`
	ItemIDs      []string   `json:"item_ids,omitempty"`
	States       []string   `json:"states,omitempty"`
	UpdatedSince *time.Time `json:"updated_since,omitempty"`
}

// IsEmpty returns true when the filter selects nothing.
func (s ScopeFilter) IsEmpty() bool {
	return s.ProjectID == "" && len(s.ItemIDs) == 0
}

// CriteriaConfig is the scoring configuration handed to the scoring engine.
// The engine treats it as opaque; the orchestration core only validates it.
type CriteriaConfig struct {
	// Weights maps criterion name to its relative weight.
	Weights map[string]float64 `json:"weights"`
	// NormalizeScores rescales final scores into [0, 100].
	NormalizeScores bool `json:"normalize_scores"`
	// IncludeFinancial enables financial valuation inputs when available.
	IncludeFinancial bool `json:"include_financial"`
}

// Validate checks that the configuration is usable.
func (c *CriteriaConfig) Validate() error {
	if c == nil {
		return nil
	}
	if len(c.Weights) == 0 {
		return NewValidationError("criteria", "at least one criterion weight is required")
	}
	var total float64
	for name, w := range c.Weights {
		if w < 0 {
			return NewValidationError("criteria", fmt.Sprintf("criterion %q has negative weight", name))
		}
		total += w
	}
	if total == 0 {
		return NewValidationError("criteria", "criterion weights sum to zero")
	}
	return nil
}

// Default request tuning values.
const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 5
)

// ScoringRequest describes one scoring operation. Immutable once created;
// owned by whichever workflow or queue entry wraps it.
type ScoringRequest struct {
	ID          string          `json:"id"`
	Scope       ScopeFilter     `json:"scope"`
	Mode        ExecutionMode   `json:"mode"`
	Criteria    *CriteriaConfig `json:"criteria,omitempty"`
	BatchSize   int             `json:"batch_size"`
	Concurrency int             `json:"concurrency"`
	Priority    Priority        `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewScoringRequest builds a validated request. Invalid input is rejected
// here, synchronously, before anything is queued.
func NewScoringRequest(scope ScopeFilter, mode ExecutionMode, opts ...RequestOption) (*ScoringRequest, error) {
	req := &ScoringRequest{
		ID:          uuid.New().String(),
		Scope:       scope,
		Mode:        mode,
		BatchSize:   DefaultBatchSize,
		Concurrency: DefaultConcurrency,
		Priority:    PriorityNormal,
		CreatedAt:   time.Now(),
	}

	for _, opt := range opts {
		opt(req)
	}

	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *ScoringRequest) validate() error {
	if r.Scope.IsEmpty() {
		return NewValidationError("scope", "a project id or explicit item ids are required")
	}
	if !r.Mode.IsValid() {
		return NewValidationError("mode", fmt.Sprintf("unknown execution mode %q", r.Mode))
	}
	if r.BatchSize <= 0 {
		return NewValidationError("batch_size", "must be positive")
	}
	if r.Concurrency <= 0 {
		return NewValidationError("concurrency", "must be positive")
	}
	if !r.Priority.IsValid() {
		return NewValidationError("priority", "must be low, normal, high, or critical")
	}
	if err := r.Criteria.Validate(); err != nil {
		return err
	}
	return nil
}

// RequestOption customizes a ScoringRequest at construction time.
type RequestOption func(*ScoringRequest)

// WithCriteria attaches a scoring configuration.
func WithCriteria(c *CriteriaConfig) RequestOption {
	return func(r *ScoringRequest) { r.Criteria = c }
}

// WithBatchSize overrides the default chunk size.
func WithBatchSize(n int) RequestOption {
	return func(r *ScoringRequest) { r.BatchSize = n }
}

// WithConcurrency overrides the default chunk concurrency cap.
func WithConcurrency(n int) RequestOption {
	return func(r *ScoringRequest) { r.Concurrency = n }
}

// WithPriority overrides the default normal priority.
func WithPriority(p Priority) RequestOption {
	return func(r *ScoringRequest) { r.Priority = p }
}
