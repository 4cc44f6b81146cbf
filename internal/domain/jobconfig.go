package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind discriminates the scheduled-job configuration variants.
type JobKind string

const (
	// KindBatchScoring rescoring of a full scope in chunked batches.
	KindBatchScoring JobKind = "batch_scoring"
	// KindIncrementalUpdate rescoring of items changed since the last run.
	KindIncrementalUpdate JobKind = "incremental_update"
	// KindMaintenance housekeeping runs such as full recalculation.
	KindMaintenance JobKind = "maintenance"
)

// JobConfig is the per-kind configuration of a scheduled job. Each variant
// carries a fixed field set and is validated at construction, not at use.
type JobConfig interface {
	Kind() JobKind
	Validate() error
	// BuildRequest materializes the scoring request for one run of the job.
	BuildRequest(now time.Time) (*ScoringRequest, error)
}

// BatchScoringConfig scores every item in scope in fixed-size chunks.
type BatchScoringConfig struct {
	Scope       ScopeFilter     `json:"scope"`
	Criteria    *CriteriaConfig `json:"criteria,omitempty"`
	BatchSize   int             `json:"batch_size,omitempty"`
	Concurrency int             `json:"concurrency,omitempty"`
}

// Kind implements JobConfig.
func (c *BatchScoringConfig) Kind() JobKind { return KindBatchScoring }

// Validate implements JobConfig.
func (c *BatchScoringConfig) Validate() error {
	if c.Scope.IsEmpty() {
		return NewValidationError("scope", "batch scoring requires a project id or item ids")
	}
	if c.BatchSize < 0 {
		return NewValidationError("batch_size", "cannot be negative")
	}
	if c.Concurrency < 0 {
		return NewValidationError("concurrency", "cannot be negative")
	}
	return c.Criteria.Validate()
}

// BuildRequest implements JobConfig.
func (c *BatchScoringConfig) BuildRequest(time.Time) (*ScoringRequest, error) {
	opts := []RequestOption{WithPriority(PriorityCritical)}
	if c.Criteria != nil {
		opts = append(opts, WithCriteria(c.Criteria))
	}
	if c.BatchSize > 0 {
		opts = append(opts, WithBatchSize(c.BatchSize))
	}
	if c.Concurrency > 0 {
		opts = append(opts, WithConcurrency(c.Concurrency))
	}
	return NewScoringRequest(c.Scope, ModeBatch, opts...)
}

// IncrementalUpdateConfig rescoring of items updated within the lookback window.
type IncrementalUpdateConfig struct {
	Scope    ScopeFilter     `json:"scope"`
	Lookback time.Duration   `json:"lookback"`
	Criteria *CriteriaConfig `json:"criteria,omitempty"`
}

// Kind implements JobConfig.
func (c *IncrementalUpdateConfig) Kind() JobKind { return KindIncrementalUpdate }

// Validate implements JobConfig.
func (c *IncrementalUpdateConfig) Validate() error {
	if c.Scope.IsEmpty() {
		return NewValidationError("scope", "incremental update requires a project id or item ids")
	}
	if c.Lookback <= 0 {
		return NewValidationError("lookback", "must be positive")
	}
	return c.Criteria.Validate()
}

// BuildRequest implements JobConfig.
func (c *IncrementalUpdateConfig) BuildRequest(now time.Time) (*ScoringRequest, error) {
	scope := c.Scope
	since := now.Add(-c.Lookback)
	scope.UpdatedSince = &since

	opts := []RequestOption{WithPriority(PriorityCritical)}
	if c.Criteria != nil {
		opts = append(opts, WithCriteria(c.Criteria))
	}
	return NewScoringRequest(scope, ModeIncremental, opts...)
}

// MaintenanceTask selects what a maintenance job does.
type MaintenanceTask string

const (
	// TaskFullRecalculation recomputes every score in scope from scratch.
	TaskFullRecalculation MaintenanceTask = "full_recalculation"
	// TaskRankRefresh rescoring pass without criteria overrides, used to
	// restore rank consistency after manual edits.
	TaskRankRefresh MaintenanceTask = "rank_refresh"
)

// MaintenanceConfig runs a housekeeping pass over a scope.
type MaintenanceConfig struct {
	Task  MaintenanceTask `json:"task"`
	Scope ScopeFilter     `json:"scope"`
}

// Kind implements JobConfig.
func (c *MaintenanceConfig) Kind() JobKind { return KindMaintenance }

// Validate implements JobConfig.
func (c *MaintenanceConfig) Validate() error {
	switch c.Task {
	case TaskFullRecalculation, TaskRankRefresh:
	default:
		return NewValidationError("task", fmt.Sprintf("unknown maintenance task %q", c.Task))
	}
	if c.Scope.IsEmpty() {
		return NewValidationError("scope", "maintenance requires a project id or item ids")
	}
	return nil
}

// BuildRequest implements JobConfig.
func (c *MaintenanceConfig) BuildRequest(time.Time) (*ScoringRequest, error) {
	mode := ModeFull
	if c.Task == TaskRankRefresh {
		mode = ModeBatch
	}
	return NewScoringRequest(c.Scope, mode, WithPriority(PriorityCritical))
}

// UnmarshalJobConfig decodes a job configuration of the given kind.
// Unknown kinds and invalid payloads are rejected here so a malformed job
// definition never reaches the scheduler.
func UnmarshalJobConfig(kind JobKind, raw json.RawMessage) (JobConfig, error) {
	var cfg JobConfig
	switch kind {
	case KindBatchScoring:
		cfg = &BatchScoringConfig{}
	case KindIncrementalUpdate:
		cfg = &IncrementalUpdateConfig{}
	case KindMaintenance:
		cfg = &MaintenanceConfig{}
	default:
		return nil, NewValidationError("kind", fmt.Sprintf("unknown job kind %q", kind))
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, NewValidationError("config", err.Error())
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
