package api

import (
	"encoding/json"
	"time"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/scheduler"
)

// createRequestBody is the payload of POST /api/v1/requests.
type createRequestBody struct {
	ProjectID   string        `json:"project_id"`
	ItemIDs     []string      `json:"item_ids"`
	States      []string      `json:"states"`
	Mode        string        `json:"mode"`
	Priority    string        `json:"priority"`
	Criteria    *criteriaBody `json:"criteria"`
	BatchSize   int           `json:"batch_size"`
	Concurrency int           `json:"concurrency"`

	// MaxWait bounds queue time as a Go duration string ("30s", "5m").
	// Empty means the request waits indefinitely; "0s" expires it at once.
	MaxWait string `json:"max_wait"`
}

type criteriaBody struct {
	Weights          map[string]float64 `json:"weights"`
	NormalizeScores  bool               `json:"normalize_scores"`
	IncludeFinancial bool               `json:"include_financial"`
}

// toRequest builds the validated scoring request plus the admission
// parameters carried alongside it.
func (b createRequestBody) toRequest() (*domain.ScoringRequest, domain.Priority, time.Duration, error) {
	mode, err := domain.ParseExecutionMode(b.Mode)
	if err != nil {
		return nil, 0, 0, domain.NewValidationError("mode", err.Error())
	}
	priority, err := domain.ParsePriority(b.Priority)
	if err != nil {
		return nil, 0, 0, domain.NewValidationError("priority", err.Error())
	}

	maxWait := time.Duration(-1)
	if b.MaxWait != "" {
		maxWait, err = time.ParseDuration(b.MaxWait)
		if err != nil {
			return nil, 0, 0, domain.NewValidationError("max_wait", err.Error())
		}
	}

	opts := []domain.RequestOption{domain.WithPriority(priority)}
	if b.Criteria != nil {
		opts = append(opts, domain.WithCriteria(&domain.CriteriaConfig{
			Weights:          b.Criteria.Weights,
			NormalizeScores:  b.Criteria.NormalizeScores,
			IncludeFinancial: b.Criteria.IncludeFinancial,
		}))
	}
	if b.BatchSize > 0 {
		opts = append(opts, domain.WithBatchSize(b.BatchSize))
	}
	if b.Concurrency > 0 {
		opts = append(opts, domain.WithConcurrency(b.Concurrency))
	}

	req, err := domain.NewScoringRequest(domain.ScopeFilter{
		ProjectID: b.ProjectID,
		ItemIDs:   b.ItemIDs,
		States:    b.States,
	}, mode, opts...)
	if err != nil {
		return nil, 0, 0, err
	}
	return req, priority, maxWait, nil
}

// createJobBody is the payload of POST /api/v1/jobs. Config is decoded by
// kind; an empty kind defaults to batch scoring.
type createJobBody struct {
	Name      string          `json:"name"`
	Cron      string          `json:"cron"`
	Kind      string          `json:"kind"`
	Config    json.RawMessage `json:"config"`
	MaxRuns   int             `json:"max_runs"`
	DependsOn []string        `json:"depends_on"`
	Disabled  bool            `json:"disabled"`

	MaxRetries        *int `json:"max_retries"`
	RetryDelaySeconds *int `json:"retry_delay_seconds"`
}

// toSpec converts the payload into a scheduler job spec.
func (b createJobBody) toSpec() (scheduler.JobSpec, error) {
	kind := domain.JobKind(b.Kind)
	if b.Kind == "" {
		kind = domain.KindBatchScoring
	}
	cfg, err := domain.UnmarshalJobConfig(kind, b.Config)
	if err != nil {
		return scheduler.JobSpec{}, err
	}

	spec := scheduler.JobSpec{
		Name:      b.Name,
		CronExpr:  b.Cron,
		Config:    cfg,
		MaxRuns:   b.MaxRuns,
		DependsOn: b.DependsOn,
		Disabled:  b.Disabled,
	}
	if b.MaxRetries != nil || b.RetryDelaySeconds != nil {
		retry := domain.DefaultRetryPolicy
		if b.MaxRetries != nil {
			retry.MaxRetries = *b.MaxRetries
		}
		if b.RetryDelaySeconds != nil {
			retry.Delay = time.Duration(*b.RetryDelaySeconds) * time.Second
		}
		spec.Retry = &retry
	}
	return spec, nil
}
