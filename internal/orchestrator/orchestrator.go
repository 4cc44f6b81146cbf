// Package orchestrator is the single entry point of the scoring engine. It
// runs immediate scoring calls and queued requests through the workflow
// pipeline, bounded by one workflow semaphore, and records every finished
// run with the operation monitor.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/enhance"
	"github.com/quantvalue/qvf/internal/itemstore"
	"github.com/quantvalue/qvf/internal/logger"
	"github.com/quantvalue/qvf/internal/monitor"
	"github.com/quantvalue/qvf/internal/resource"
	"github.com/quantvalue/qvf/internal/scheduler"
	"github.com/quantvalue/qvf/internal/scoring"
	"github.com/quantvalue/qvf/internal/telemetry"
	"github.com/quantvalue/qvf/internal/workflow"
)

// Default tuning values.
const (
	DefaultMaxConcurrentWorkflows = 10
	DefaultResultHistoryLimit     = 200
)

// Operation names under which workflow runs are recorded, by origin.
const (
	OpImmediate = "score.immediate"
	OpQueued    = "score.queued"
	OpScheduled = "score.scheduled"
)

// qualityScale converts the 0-100 score scale into the monitor's quality
// figure.
const qualityScale = 100.0

// Config sizes the workflow semaphore and embeds the scheduler tuning.
type Config struct {
	// MaxConcurrentWorkflows caps workflows executing at once across the
	// immediate and queued paths.
	MaxConcurrentWorkflows int
	// ResultHistoryLimit bounds retained workflow results.
	ResultHistoryLimit int
	// Scheduler tunes the queue, the cron loop, and the worker pool.
	Scheduler scheduler.Config
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentWorkflows <= 0 {
		c.MaxConcurrentWorkflows = DefaultMaxConcurrentWorkflows
	}
	if c.ResultHistoryLimit <= 0 {
		c.ResultHistoryLimit = DefaultResultHistoryLimit
	}
	// The health check reads the cap directly, so it must hold the same
	// value the scheduler defaults to.
	if c.Scheduler.MaxQueueDepth <= 0 {
		c.Scheduler.MaxQueueDepth = scheduler.DefaultMaxQueueDepth
	}
}

// Deps are the collaborators the orchestrator composes.
type Deps struct {
	Store     itemstore.Store
	Engine    scoring.Engine
	Enhancer  enhance.Enhancer // nil disables the enhance stage
	Resources *resource.Monitor
	Monitor   *monitor.Monitor
	Telemetry *telemetry.Provider
	Logger    logger.Logger
}

func (d Deps) validate() error {
	if d.Store == nil {
		return errors.New("orchestrator: item store is required")
	}
	if d.Engine == nil {
		return errors.New("orchestrator: scoring engine is required")
	}
	if d.Resources == nil {
		return errors.New("orchestrator: resource monitor is required")
	}
	if d.Monitor == nil {
		return errors.New("orchestrator: operation monitor is required")
	}
	if d.Telemetry == nil {
		return errors.New("orchestrator: telemetry provider is required")
	}
	return nil
}

// Orchestrator owns the workflow-concurrency semaphore and the scheduler
// built around it. It is the scheduler's executor: queued requests flow back
// through the same workflow path immediate calls use.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger logger.Logger
	now    func() time.Time

	scheduler *scheduler.Scheduler
	sem       chan struct{}

	resultsMu sync.RWMutex
	results   []*domain.WorkflowResult
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock for the orchestrator and its scheduler.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New composes the engine. It builds the scheduler with this orchestrator as
// its executor and registers the workflow-count and queue-depth providers
// with the resource monitor, so call it before Resources.Start.
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	cfg.setDefaults()

	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		now:    time.Now,
		sem:    make(chan struct{}, cfg.MaxConcurrentWorkflows),
	}
	for _, opt := range opts {
		opt(o)
	}

	sched, err := scheduler.New(cfg.Scheduler, o, deps.Resources, deps.Telemetry, deps.Logger, scheduler.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	o.scheduler = sched

	deps.Resources.SetWorkflowCountProvider(o.ActiveWorkflows)
	deps.Resources.SetQueueDepthProvider(sched.QueueDepth)
	return o, nil
}

// Start launches the scheduler's worker pool and cron loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.scheduler.Start(ctx)
}

// Stop drains the scheduler: in-flight workflows finish, queued requests
// stay queued.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.scheduler.Stop(ctx)
}

// acquire blocks until a workflow slot frees, honoring ctx cancellation.
func (o *Orchestrator) acquire(ctx context.Context) error {
	select {
	case o.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) release() {
	<-o.sem
}

// ActiveWorkflows reports how many workflow slots are currently held.
func (o *Orchestrator) ActiveWorkflows() int {
	return len(o.sem)
}

// ScoreItems runs one scoring request to completion on the caller's
// goroutine, waiting for a workflow slot first.
func (o *Orchestrator) ScoreItems(ctx context.Context, req *domain.ScoringRequest) (*domain.WorkflowResult, error) {
	if req == nil {
		return nil, domain.NewValidationError("request", "is required")
	}
	if err := o.acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire workflow slot: %w", err)
	}
	defer o.release()

	return o.runWorkflow(ctx, req, OpImmediate)
}

// Execute runs one claimed request through a workflow under the concurrency
// semaphore. It implements the scheduler's Executor.
func (o *Orchestrator) Execute(ctx context.Context, qr *domain.QueuedRequest) error {
	if err := o.acquire(ctx); err != nil {
		return fmt.Errorf("acquire workflow slot: %w", err)
	}
	defer o.release()

	_, err := o.runWorkflow(ctx, qr.Request, o.operationName(qr))
	return err
}

// operationName buckets monitor series by origin: immediate calls, direct
// queue admissions, and one series per scheduled job.
func (o *Orchestrator) operationName(qr *domain.QueuedRequest) string {
	if qr.JobID == "" {
		return OpQueued
	}
	job, err := o.scheduler.GetJob(qr.JobID)
	if err != nil {
		return OpScheduled
	}
	return "job." + job.Name
}

// runWorkflow executes one request through the five-stage pipeline with the
// run tracked by the operation monitor.
func (o *Orchestrator) runWorkflow(ctx context.Context, req *domain.ScoringRequest, operation string) (*domain.WorkflowResult, error) {
	tr := o.deps.Monitor.Track(ctx, operation, req.Scope.ProjectID)
	defer tr.Finish()
	tr.SetContext("request_id", req.ID)
	tr.SetContext("mode", string(req.Mode))

	wf, err := workflow.New(req, workflow.Deps{
		Store:     o.deps.Store,
		Engine:    o.deps.Engine,
		Enhancer:  o.deps.Enhancer,
		Telemetry: o.deps.Telemetry,
		Logger:    o.logger,
	}, workflow.WithProgress(o.logProgress(req.ID)), workflow.WithClock(o.now))
	if err != nil {
		tr.Fail(err)
		return nil, err
	}
	tr.SetContext("workflow_id", wf.ID())

	result, err := wf.Run(ctx)
	if result != nil {
		tr.AddItems(result.ItemsSucceeded, result.ItemsFailed)
		if result.Summary != nil && result.Summary.Count > 0 {
			tr.SetQuality(result.Summary.Mean / qualityScale)
		}
		o.recordResult(result)
	}
	if err != nil {
		tr.Fail(err)
		return result, err
	}
	return result, nil
}

func (o *Orchestrator) logProgress(requestID string) workflow.ProgressFunc {
	return func(stage workflow.Stage, fraction float64, message string) {
		o.logger.Debug("workflow progress",
			logger.String("request_id", requestID),
			logger.String("stage", string(stage)),
			logger.Float64("fraction", fraction),
			logger.String("message", message),
		)
	}
}

// recordResult keeps a bounded window of recent workflow results.
func (o *Orchestrator) recordResult(result *domain.WorkflowResult) {
	o.resultsMu.Lock()
	defer o.resultsMu.Unlock()

	o.results = append(o.results, result)
	if len(o.results) > o.cfg.ResultHistoryLimit {
		o.results = o.results[len(o.results)-o.cfg.ResultHistoryLimit:]
	}
}

// RecentResults returns up to limit results, newest first. A limit of zero
// or below returns everything retained.
func (o *Orchestrator) RecentResults(limit int) []*domain.WorkflowResult {
	o.resultsMu.RLock()
	defer o.resultsMu.RUnlock()

	n := len(o.results)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*domain.WorkflowResult, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, o.results[i])
	}
	return out
}

// QueuePriorityRequest admits a request into the queue at the given
// priority. maxWait bounds queue time: negative means no deadline, zero is
// an immediately-expiring deadline, positive sets one relative to now.
func (o *Orchestrator) QueuePriorityRequest(req *domain.ScoringRequest, priority domain.Priority, maxWait time.Duration) (string, error) {
	if req == nil {
		return "", domain.NewValidationError("request", "is required")
	}
	if !priority.IsValid() {
		return "", domain.NewValidationError("priority", fmt.Sprintf("unknown priority %d", priority))
	}
	req.Priority = priority

	snap, err := o.scheduler.Enqueue(req, maxWait)
	if err != nil {
		return "", err
	}
	return snap.RequestID, nil
}

// GetRequestStatus reports the state of a live or recently finished request.
func (o *Orchestrator) GetRequestStatus(id string) (domain.RequestSnapshot, error) {
	return o.scheduler.RequestStatus(id)
}

// CancelRequest withdraws a queued or retrying request.
func (o *Orchestrator) CancelRequest(id string) error {
	return o.scheduler.CancelRequest(id)
}

// GetQueueStatus reports queue depth, priority histogram, dead letters,
// worker occupancy, and resource usage.
func (o *Orchestrator) GetQueueStatus() scheduler.QueueStatus {
	return o.scheduler.QueueStatus()
}

// DeadLetters returns the dead-letter queue, oldest first.
func (o *Orchestrator) DeadLetters() []domain.DeadLetter {
	return o.scheduler.DeadLetters()
}

// SchedulerStats returns the scheduler activity counters.
func (o *Orchestrator) SchedulerStats() scheduler.Stats {
	return o.scheduler.Stats()
}

// ScheduleRecurringJob registers a cron job and returns its id.
func (o *Orchestrator) ScheduleRecurringJob(spec scheduler.JobSpec) (string, error) {
	job, err := o.scheduler.AddJob(spec)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// PauseJob stops future dispatches of a job.
func (o *Orchestrator) PauseJob(id string) error {
	return o.scheduler.PauseJob(id)
}

// ResumeJob re-enables a paused or failed job.
func (o *Orchestrator) ResumeJob(id string) error {
	return o.scheduler.ResumeJob(id)
}

// CancelJob permanently cancels a job.
func (o *Orchestrator) CancelJob(id string) error {
	return o.scheduler.CancelJob(id)
}

// GetJob returns a copy of one registered job.
func (o *Orchestrator) GetJob(id string) (*domain.ScheduledJob, error) {
	return o.scheduler.GetJob(id)
}

// ListJobs returns copies of all registered jobs in registration order.
func (o *Orchestrator) ListJobs() []*domain.ScheduledJob {
	return o.scheduler.ListJobs()
}

// GetComprehensiveMetrics aggregates the operation metrics report.
func (o *Orchestrator) GetComprehensiveMetrics(timeRange time.Duration, filters monitor.Filters) monitor.Report {
	return o.deps.Monitor.Report(timeRange, filters)
}

// AddAlertCallback registers a notification callback for fired alerts.
func (o *Orchestrator) AddAlertCallback(fn monitor.Callback) {
	o.deps.Monitor.AddAlertCallback(fn)
}

// Alerts returns the alert history, oldest first.
func (o *Orchestrator) Alerts() []monitor.Alert {
	return o.deps.Monitor.Alerts()
}

// ActiveAlerts returns open alerts, oldest first.
func (o *Orchestrator) ActiveAlerts() []monitor.Alert {
	return o.deps.Monitor.ActiveAlerts()
}
