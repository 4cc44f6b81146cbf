// Package workflow executes one scoring request through a five-stage
// pipeline: load, enhance, compute, persist, finalize.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quantvalue/qvf/internal/batch"
	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/enhance"
	"github.com/quantvalue/qvf/internal/itemstore"
	"github.com/quantvalue/qvf/internal/logger"
	"github.com/quantvalue/qvf/internal/scoring"
	"github.com/quantvalue/qvf/internal/telemetry"
)

// Stage identifies one of the five execution stages.
type Stage string

const (
	StageLoad     Stage = "load"
	StageEnhance  Stage = "enhance"
	StageCompute  Stage = "compute"
	StagePersist  Stage = "persist"
	StageFinalize Stage = "finalize"
)

const stageCount = 5

// ProgressFunc receives stage progress. The fraction covers the whole
// workflow in [0, 1]; the persist stage reports sub-progress per chunk.
type ProgressFunc func(stage Stage, fraction float64, message string)

// ErrCancelled is returned by Run when cancellation was honored at a stage
// boundary. A cancelled workflow must not be retried.
var ErrCancelled = domain.ErrCancelled

// Deps are the collaborators a workflow needs.
type Deps struct {
	Store     itemstore.Store
	Engine    scoring.Engine
	Enhancer  enhance.Enhancer // nil disables the enhance stage
	Telemetry *telemetry.Provider
	Logger    logger.Logger
}

func (d Deps) validate() error {
	if d.Store == nil {
		return errors.New("workflow: item store is required")
	}
	if d.Engine == nil {
		return errors.New("workflow: scoring engine is required")
	}
	if d.Telemetry == nil {
		return errors.New("workflow: telemetry provider is required")
	}
	return nil
}

// Workflow runs a single scoring request. Cancellation is cooperative: the
// stage in flight finishes, then the workflow stops at the next boundary.
type Workflow struct {
	id  string
	req *domain.ScoringRequest

	deps     Deps
	progress ProgressFunc
	now      func() time.Time

	cancelled atomic.Bool

	mu     sync.Mutex
	status domain.WorkflowStatus
}

// Option customizes a workflow.
type Option func(*Workflow)

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(w *Workflow) { w.progress = fn }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// New creates a pending workflow for one request.
func New(req *domain.ScoringRequest, deps Deps, opts ...Option) (*Workflow, error) {
	if req == nil {
		return nil, errors.New("workflow: request is required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}

	w := &Workflow{
		id:     uuid.New().String(),
		req:    req,
		deps:   deps,
		now:    time.Now,
		status: domain.WorkflowPending,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ID returns the workflow id.
func (w *Workflow) ID() string { return w.id }

// RequestID returns the id of the request being executed.
func (w *Workflow) RequestID() string { return w.req.ID }

// Status returns the current lifecycle status.
func (w *Workflow) Status() domain.WorkflowStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Cancel requests cooperative cancellation. Safe to call from any goroutine
// and at any time, including before Run.
func (w *Workflow) Cancel() {
	w.cancelled.Store(true)
}

// Run executes the pipeline and returns the result. The error is non-nil
// only for a failed stage or honored cancellation; partial item failures
// leave the workflow completed.
func (w *Workflow) Run(ctx context.Context) (*domain.WorkflowResult, error) {
	result := &domain.WorkflowResult{
		WorkflowID: w.id,
		RequestID:  w.req.ID,
		Status:     domain.WorkflowRunning,
		StartedAt:  w.now(),
	}

	if w.boundary(ctx) != nil {
		// Cancelled before the first stage.
		if err := w.transition(domain.WorkflowCancelled); err != nil {
			return nil, err
		}
		result.Finalize(domain.WorkflowCancelled, w.now())
		return result, ErrCancelled
	}
	if err := w.transition(domain.WorkflowRunning); err != nil {
		return nil, err
	}

	w.deps.Telemetry.RecordWorkflowStart(string(w.req.Mode))
	ctx, span := w.deps.Telemetry.StartSpan(ctx, "workflow.run",
		attribute.String("workflow.id", w.id),
		attribute.String("request.id", w.req.ID),
		attribute.String("mode", string(w.req.Mode)),
	)
	defer span.End()

	err := w.execute(ctx, result)
	switch {
	case err == nil:
		w.finish(result, domain.WorkflowCompleted)
		return result, nil
	case errors.Is(err, ErrCancelled):
		w.finish(result, domain.WorkflowCancelled)
		return result, ErrCancelled
	default:
		result.Errors = append(result.Errors, err.Error())
		w.finish(result, domain.WorkflowFailed)
		return result, err
	}
}

func (w *Workflow) execute(ctx context.Context, result *domain.WorkflowResult) error {
	items, err := w.runLoad(ctx)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}
	if len(items) == 0 {
		// Nothing in scope completes immediately with an empty result.
		w.report(StageFinalize, 1.0, "no items in scope")
		return nil
	}
	result.ItemsProcessed = len(items)
	if err := w.boundary(ctx); err != nil {
		return err
	}

	items = w.runEnhance(ctx, items, result)
	if err := w.boundary(ctx); err != nil {
		return err
	}

	scores, err := w.runCompute(ctx, items)
	if err != nil {
		return fmt.Errorf("compute scores: %w", err)
	}
	if err := w.boundary(ctx); err != nil {
		return err
	}

	if err := w.runPersist(ctx, items, scores, result); err != nil {
		return err
	}
	if err := w.boundary(ctx); err != nil {
		return err
	}

	w.runFinalize(result)
	return nil
}

func (w *Workflow) runLoad(ctx context.Context) ([]domain.Item, error) {
	ctx, span := w.deps.Telemetry.StartSpan(ctx, "workflow.load")
	defer span.End()

	items, err := w.deps.Store.LoadItems(ctx, w.req.Scope)
	if err != nil {
		return nil, err
	}
	w.report(StageLoad, 1.0/stageCount, fmt.Sprintf("%d items loaded", len(items)))
	return items, nil
}

// runEnhance is best-effort: any enhancement failure is recorded as a
// warning and scoring proceeds on the stored fields.
func (w *Workflow) runEnhance(ctx context.Context, items []domain.Item, result *domain.WorkflowResult) []domain.Item {
	if w.deps.Enhancer == nil {
		w.report(StageEnhance, 2.0/stageCount, "enhancement disabled")
		return items
	}

	ctx, span := w.deps.Telemetry.StartSpan(ctx, "workflow.enhance")
	defer span.End()

	enhanced, err := w.deps.Enhancer.Enhance(ctx, items)
	w.deps.Telemetry.RecordEnhancement(err != nil)
	if err != nil {
		warning := fmt.Sprintf("enhancement unavailable, scoring stored fields: %v", err)
		result.Warnings = append(result.Warnings, warning)
		w.deps.Logger.Warn("enhancement fell back to stored fields",
			logger.String("workflow_id", w.id),
			logger.Error(err),
		)
		w.report(StageEnhance, 2.0/stageCount, "enhancement skipped")
		return items
	}

	w.report(StageEnhance, 2.0/stageCount, fmt.Sprintf("%d items enhanced", len(enhanced)))
	return enhanced
}

func (w *Workflow) runCompute(ctx context.Context, items []domain.Item) ([]domain.Score, error) {
	ctx, span := w.deps.Telemetry.StartSpan(ctx, "workflow.compute")
	defer span.End()

	scores, err := w.deps.Engine.Score(ctx, items, w.req.Criteria)
	if err != nil {
		return nil, err
	}
	w.report(StageCompute, 3.0/stageCount, fmt.Sprintf("%d scores computed", len(scores)))
	return scores, nil
}

// runPersist writes scores through the batch processor. Chunk failures are
// folded into the item counts; only cancellation aborts the stage.
func (w *Workflow) runPersist(ctx context.Context, items []domain.Item, scores []domain.Score, result *domain.WorkflowResult) error {
	ctx, span := w.deps.Telemetry.StartSpan(ctx, "workflow.persist")
	defer span.End()

	byID := make(map[string]domain.Score, len(scores))
	for _, s := range scores {
		byID[s.ItemID] = s
	}

	processor := batch.New(w.req.BatchSize, w.req.Concurrency, w.deps.Logger)
	const persistBase = 3.0 / stageCount

	batchResult, err := processor.Process(ctx, items,
		func(ctx context.Context, chunk batch.Chunk) (batch.ChunkResult, error) {
			return w.persistChunk(ctx, chunk, byID)
		},
		func(completed, total int) {
			fraction := persistBase + (1.0/stageCount)*float64(completed)/float64(total)
			w.report(StagePersist, fraction, fmt.Sprintf("%d/%d chunks persisted", completed, total))
		},
	)

	result.ItemsSucceeded = batchResult.Succeeded
	result.ItemsFailed = batchResult.Failed
	result.ItemsSkipped = batchResult.Skipped
	result.Scores = batchResult.Scores
	result.Errors = append(result.Errors, batchResult.ItemErrors...)
	for idx, msg := range batchResult.ChunkErrors {
		result.Errors = append(result.Errors, fmt.Sprintf("chunk %d failed: %s", idx, msg))
	}

	if err != nil {
		// The processor only returns the caller context's error.
		return ErrCancelled
	}
	return nil
}

func (w *Workflow) persistChunk(ctx context.Context, chunk batch.Chunk, byID map[string]domain.Score) (batch.ChunkResult, error) {
	var out batch.ChunkResult

	chunkScores := make([]domain.Score, 0, len(chunk.Items))
	for _, item := range chunk.Items {
		score, ok := byID[item.ID]
		if !ok {
			out.Skipped++
			continue
		}
		chunkScores = append(chunkScores, score)
	}

	report, err := w.deps.Store.SaveScores(ctx, chunkScores)
	if err != nil {
		return batch.ChunkResult{}, err
	}

	out.Succeeded = report.Saved
	for itemID, reason := range report.Failed {
		out.Failed++
		out.Errors = append(out.Errors, fmt.Sprintf("item %s: %s", itemID, reason))
	}
	for _, s := range chunkScores {
		if _, failed := report.Failed[s.ItemID]; !failed {
			out.Scores = append(out.Scores, s)
		}
	}
	return out, nil
}

func (w *Workflow) runFinalize(result *domain.WorkflowResult) {
	summary := scoring.Summarize(result.Scores)
	result.Summary = &summary
	w.report(StageFinalize, 1.0, "workflow complete")
}

// boundary honors cancellation between stages. Both the explicit Cancel flag
// and the caller's context count.
func (w *Workflow) boundary(ctx context.Context) error {
	if w.cancelled.Load() || ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

func (w *Workflow) transition(to domain.WorkflowStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := domain.ValidateWorkflowTransition(w.status, to); err != nil {
		return err
	}
	w.status = to
	return nil
}

func (w *Workflow) finish(result *domain.WorkflowResult, status domain.WorkflowStatus) {
	if err := w.transition(status); err != nil {
		w.deps.Logger.Error("workflow transition rejected", logger.Error(err))
	}
	result.Finalize(status, w.now())
	w.deps.Telemetry.RecordWorkflowFinish(string(status), result.Duration, result.ItemsSucceeded, result.ItemsFailed)

	w.deps.Logger.Info("workflow finished",
		logger.String("workflow_id", w.id),
		logger.String("request_id", w.req.ID),
		logger.String("status", string(status)),
		logger.Int("processed", result.ItemsProcessed),
		logger.Int("succeeded", result.ItemsSucceeded),
		logger.Int("failed", result.ItemsFailed),
		logger.Duration("duration", result.Duration),
	)
}

func (w *Workflow) report(stage Stage, fraction float64, message string) {
	if w.progress == nil {
		return
	}
	w.progress(stage, fraction, message)
}
