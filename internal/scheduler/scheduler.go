// Package scheduler provides the priority request queue, the recurring-job
// cron loop, and the worker pool that executes admitted scoring requests.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/logger"
	"github.com/quantvalue/qvf/internal/telemetry"
)

// State represents the scheduler lifecycle state.
type State int32

const (
	// StateStopped means the scheduler is not running.
	StateStopped State = iota

	// StateRunning means workers and the cron loop are active.
	StateRunning

	// StateDraining means the scheduler is shutting down gracefully.
	StateDraining
)

// String returns the string representation of a scheduler state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Default configuration values.
const (
	DefaultWorkers         = 5
	DefaultMaxQueueDepth   = 1000
	DefaultCronInterval    = time.Minute
	DefaultDrainTimeout    = 30 * time.Second
	DefaultHistoryLimit    = 500
	DefaultDeadLetterLimit = 200
)

// idlePoll is the fallback interval at which idle workers re-check the queue.
const idlePoll = 250 * time.Millisecond

// Config tunes the queue, the cron loop, and the worker pool.
type Config struct {
	// Workers is the number of request workers.
	Workers int
	// MaxQueueDepth bounds admission; Enqueue fails once the queue is full.
	MaxQueueDepth int
	// CronInterval is how often scheduled jobs are checked for readiness.
	CronInterval time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight requests.
	DrainTimeout time.Duration
	// HistoryLimit bounds retained terminal request snapshots.
	HistoryLimit int
	// DeadLetterLimit bounds the dead-letter queue; the oldest entry is
	// evicted once the limit is reached.
	DeadLetterLimit int
	// Retry applies to directly enqueued requests; scheduled jobs carry
	// their own policy. A zero value falls back to the default policy.
	Retry domain.RetryPolicy
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if c.CronInterval <= 0 {
		c.CronInterval = DefaultCronInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.DeadLetterLimit <= 0 {
		c.DeadLetterLimit = DefaultDeadLetterLimit
	}
	if c.Retry == (domain.RetryPolicy{}) {
		c.Retry = domain.DefaultRetryPolicy
	}
}

// Executor carries out one claimed request. The scheduler owns the outcome:
// a nil return completes the request, domain.ErrCancelled dead-letters it
// without retry, and any other error consumes one attempt of the retry
// policy.
type Executor interface {
	Execute(ctx context.Context, req *domain.QueuedRequest) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *domain.QueuedRequest) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req *domain.QueuedRequest) error {
	return f(ctx, req)
}

// ResourceGate is the view of the resource monitor the scheduler consults
// before dispatching and executing work.
type ResourceGate interface {
	CanAcceptNewWork() bool
	ThrottlingDelay() time.Duration
	Usage() domain.ResourceUsage
}

// QueueFullError is returned when admission would exceed the depth cap.
type QueueFullError struct {
	Depth int
	Limit int
}

// Error implements the error interface.
func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue is full: depth %d at limit %d", e.Depth, e.Limit)
}

// Unwrap lets errors.Is match domain.ErrQueueFull.
func (e *QueueFullError) Unwrap() error { return domain.ErrQueueFull }

// ErrRequestRunning is returned by CancelRequest when the request has
// already been claimed by a worker and can no longer be withdrawn here.
var ErrRequestRunning = errors.New("request is already running")

// Scheduler admits scoring requests into a priority queue, dispatches
// recurring jobs on their cron schedules, and runs a fixed worker pool that
// hands claimed requests to the executor.
type Scheduler struct {
	cfg       Config
	executor  Executor
	resources ResourceGate
	telemetry *telemetry.Provider
	logger    logger.Logger
	stats     statsRecorder
	now       func() time.Time

	state      atomic.Int32
	terminated atomic.Bool

	mu          sync.Mutex
	queue       *requestQueue
	lookup      map[string]*domain.QueuedRequest
	jobs        map[string]*domain.ScheduledJob
	schedules   map[string]cron.Schedule
	completed   map[string]bool
	retryTimers map[string]*time.Timer
	deadLetters []domain.DeadLetter
	history     map[string]domain.RequestSnapshot
	histOrder   []string
	seq         uint64
	busy        int

	wake   chan struct{}
	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes scheduler construction.
type Option func(*Scheduler)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler. The executor and telemetry provider are required;
// a nil resource gate disables throttling and dispatch deferral.
func New(cfg Config, executor Executor, resources ResourceGate, tel *telemetry.Provider, log logger.Logger, opts ...Option) (*Scheduler, error) {
	if executor == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if tel == nil {
		return nil, errors.New("telemetry provider cannot be nil")
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg.setDefaults()
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:         cfg,
		executor:    executor,
		resources:   resources,
		telemetry:   tel,
		logger:      log,
		now:         time.Now,
		queue:       newRequestQueue(),
		lookup:      make(map[string]*domain.QueuedRequest),
		jobs:        make(map[string]*domain.ScheduledJob),
		schedules:   make(map[string]cron.Schedule),
		completed:   make(map[string]bool),
		retryTimers: make(map[string]*time.Timer),
		history:     make(map[string]domain.RequestSnapshot),
	}
	s.wake = make(chan struct{}, cfg.Workers)
	s.state.Store(int32(StateStopped))

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// IsRunning returns true if the scheduler is accepting and executing work.
func (s *Scheduler) IsRunning() bool {
	return s.State() == StateRunning
}

// Start launches the worker pool and the cron loop. The workers are detached
// from the caller's cancellation; Stop is the only way to shut them down.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.terminated.Load() {
		return errors.New("scheduler cannot be restarted")
	}
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return errors.New("scheduler is already running")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.stopCh = make(chan struct{})

	for i := range s.cfg.Workers {
		s.wg.Add(1)
		go s.workerLoop(runCtx, i)
	}
	s.wg.Add(1)
	go s.cronLoop(runCtx)

	s.logger.Info("scheduler started",
		logger.Int("workers", s.cfg.Workers),
		logger.Int("max_queue_depth", s.cfg.MaxQueueDepth),
		logger.Duration("cron_interval", s.cfg.CronInterval),
	)
	return nil
}

// Stop drains the scheduler: workers stop claiming new requests, in-flight
// requests get until the drain timeout to finish, then their contexts are
// cancelled. Pending retries are discarded. A stopped scheduler cannot be
// restarted.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return domain.ErrSchedulerStopped
	}
	s.terminated.Store(true)
	s.logger.Info("scheduler draining")

	close(s.stopCh)

	s.mu.Lock()
	for id, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	drainTimer := time.NewTimer(s.cfg.DrainTimeout)
	defer drainTimer.Stop()

	drained := false
	select {
	case <-done:
		drained = true
	case <-ctx.Done():
	case <-drainTimer.C:
	}

	s.cancel()
	if drained {
		s.logger.Info("scheduler stopped gracefully")
	} else {
		s.logger.Warn("scheduler drain timed out, cancelling in-flight work")
	}

	s.state.Store(int32(StateStopped))
	return nil
}

// Enqueue admits a request into the priority queue. maxWait bounds how long
// the request may wait for a worker: a negative value means no deadline,
// zero expires the request immediately so it is dead-lettered without ever
// executing. The returned snapshot reflects the admission outcome.
func (s *Scheduler) Enqueue(req *domain.ScoringRequest, maxWait time.Duration) (domain.RequestSnapshot, error) {
	if req == nil {
		return domain.RequestSnapshot{}, domain.NewValidationError("request", "a request is required")
	}
	if s.State() != StateRunning {
		return domain.RequestSnapshot{}, domain.ErrSchedulerStopped
	}

	now := s.now()
	qr := &domain.QueuedRequest{
		Request:    req,
		Priority:   req.Priority,
		EnqueuedAt: now,
		Status:     domain.RequestQueued,
		MaxRetries: s.cfg.Retry.MaxRetries,
		RetryDelay: s.cfg.Retry.Delay,
	}
	if maxWait >= 0 {
		deadline := now.Add(maxWait)
		qr.Deadline = &deadline
	}

	s.mu.Lock()
	err := s.admitLocked(qr, now)
	snap := qr.Snapshot()
	s.mu.Unlock()
	if err != nil {
		return domain.RequestSnapshot{}, err
	}

	s.logger.Info("request queued",
		logger.String("request_id", req.ID),
		logger.String("priority", qr.Priority.String()),
		logger.String("status", string(snap.Status)),
	)
	return snap, nil
}

// admitLocked pushes a request into the queue, or dead-letters it right away
// when its deadline has already passed. The caller holds s.mu.
func (s *Scheduler) admitLocked(qr *domain.QueuedRequest, now time.Time) error {
	if s.queue.Len() >= s.cfg.MaxQueueDepth {
		return &QueueFullError{Depth: s.queue.Len(), Limit: s.cfg.MaxQueueDepth}
	}
	s.seq++
	qr.Seq = s.seq
	s.telemetry.RecordEnqueue(qr.Priority.String())

	if qr.Expired(now) {
		s.deadLetterLocked(qr, domain.DeadLetterExpired)
		return nil
	}

	heap.Push(s.queue, qr)
	s.lookup[qr.Request.ID] = qr
	s.telemetry.SetQueueDepth(s.queue.Len())
	s.wakeLocked()
	return nil
}

// wakeLocked nudges one idle worker without blocking.
func (s *Scheduler) wakeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// CancelRequest withdraws a queued or retrying request and dead-letters it
// with a cancelled reason. Requests already claimed by a worker cannot be
// withdrawn here; callers get ErrRequestRunning and must cancel the running
// execution instead.
func (s *Scheduler) CancelRequest(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	qr, ok := s.lookup[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}

	switch qr.Status {
	case domain.RequestQueued:
		heap.Remove(s.queue, qr.Index)
		s.deadLetterLocked(qr, domain.DeadLetterCancelled)
		return nil
	case domain.RequestRetrying:
		if timer := s.retryTimers[id]; timer != nil {
			timer.Stop()
			delete(s.retryTimers, id)
		}
		s.deadLetterLocked(qr, domain.DeadLetterCancelled)
		return nil
	default:
		return fmt.Errorf("request %s: %w", id, ErrRequestRunning)
	}
}

// RequestStatus reports the state of a live or recently finished request.
func (s *Scheduler) RequestStatus(id string) (domain.RequestSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qr, ok := s.lookup[id]; ok {
		return qr.Snapshot(), nil
	}
	if snap, ok := s.history[id]; ok {
		return snap, nil
	}
	return domain.RequestSnapshot{}, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
}

// QueueDepth returns the number of requests waiting in the queue.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// DeadLetters returns a copy of the dead-letter queue, oldest first.
func (s *Scheduler) DeadLetters() []domain.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeadLetter, len(s.deadLetters))
	copy(out, s.deadLetters)
	return out
}

// Stats returns a snapshot of the scheduler activity counters.
func (s *Scheduler) Stats() Stats {
	return s.stats.Snapshot()
}

// QueueStatus describes the queue, the worker pool, and current resource
// usage at a point in time.
type QueueStatus struct {
	State       string               `json:"state"`
	Depth       int                  `json:"depth"`
	ByPriority  map[string]int       `json:"by_priority"`
	DeadLetters int                  `json:"dead_letters"`
	Workers     int                  `json:"workers"`
	BusyWorkers int                  `json:"busy_workers"`
	Jobs        map[string]int       `json:"jobs"`
	Resource    domain.ResourceUsage `json:"resource"`
}

// QueueStatus reports the current queue depth, priority histogram,
// dead-letter depth, worker occupancy, job counts, and resource usage.
func (s *Scheduler) QueueStatus() QueueStatus {
	var usage domain.ResourceUsage
	if s.resources != nil {
		usage = s.resources.Usage()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make(map[string]int)
	for _, job := range s.jobs {
		jobs[string(job.Status)]++
	}

	return QueueStatus{
		State:       s.State().String(),
		Depth:       s.queue.Len(),
		ByPriority:  s.queue.histogram(),
		DeadLetters: len(s.deadLetters),
		Workers:     s.cfg.Workers,
		BusyWorkers: s.busy,
		Jobs:        jobs,
		Resource:    usage,
	}
}

// JobSpec describes a recurring job to register.
type JobSpec struct {
	// Name labels the job in logs and listings.
	Name string
	// CronExpr is a standard five-field cron expression, UTC unless the
	// expression carries an explicit time zone.
	CronExpr string
	// Config selects and parameterizes what each run does.
	Config domain.JobConfig
	// MaxRuns caps the total number of runs; 0 means unlimited.
	MaxRuns int
	// DependsOn lists ids of already registered jobs that must complete at
	// least one run before this job becomes ready.
	DependsOn []string
	// Retry overrides the default per-run retry policy.
	Retry *domain.RetryPolicy
	// Disabled registers the job paused; it will not run until resumed.
	Disabled bool
}

// AddJob validates and registers a recurring job. The first run is scheduled
// for the next cron match after registration.
func (s *Scheduler) AddJob(spec JobSpec) (*domain.ScheduledJob, error) {
	if spec.Name == "" {
		return nil, domain.NewValidationError("name", "a job name is required")
	}
	if spec.Config == nil {
		return nil, domain.NewValidationError("config", "a job config is required")
	}
	if err := spec.Config.Validate(); err != nil {
		return nil, err
	}
	if spec.MaxRuns < 0 {
		return nil, domain.NewValidationError("max_runs", "cannot be negative")
	}
	schedule, err := cron.ParseStandard(spec.CronExpr)
	if err != nil {
		return nil, domain.NewValidationError("cron_expr", err.Error())
	}
	retry := domain.DefaultRetryPolicy
	if spec.Retry != nil {
		if err := spec.Retry.Validate(); err != nil {
			return nil, err
		}
		retry = *spec.Retry
	}

	now := s.now()
	job := &domain.ScheduledJob{
		ID:        uuid.New().String(),
		Name:      spec.Name,
		CronExpr:  spec.CronExpr,
		Config:    spec.Config,
		MaxRuns:   spec.MaxRuns,
		DependsOn: append([]string(nil), spec.DependsOn...),
		Retry:     retry,
		Enabled:   !spec.Disabled,
		Status:    domain.JobScheduled,
		CreatedAt: now,
		NextRunAt: schedule.Next(now),
	}
	if spec.Disabled {
		job.Status = domain.JobPaused
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range job.DependsOn {
		if _, ok := s.jobs[dep]; !ok {
			return nil, domain.NewValidationError("depends_on", fmt.Sprintf("unknown dependency %q", dep))
		}
	}
	s.jobs[job.ID] = job
	s.schedules[job.ID] = schedule

	s.logger.Info("job registered",
		logger.String("job_id", job.ID),
		logger.String("job", job.Name),
		logger.String("cron", job.CronExpr),
		logger.Time("next_run_at", job.NextRunAt),
	)
	return job.Clone(), nil
}

// GetJob returns a copy of the job with the given id.
func (s *Scheduler) GetJob(id string) (*domain.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job.Clone(), nil
}

// ListJobs returns copies of all registered jobs in registration order.
func (s *Scheduler) ListJobs() []*domain.ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*domain.ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

// PauseJob stops future dispatches of a job. A run already in flight
// finishes normally and the job parks as paused afterwards.
func (s *Scheduler) PauseJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if !job.CanPause() {
		return domain.NewValidationError("status", fmt.Sprintf("cannot pause a %s job", job.Status))
	}

	job.Enabled = false
	if job.Status == domain.JobScheduled {
		job.Status = domain.JobPaused
	}
	s.logger.Info("job paused", logger.String("job_id", id), logger.String("job", job.Name))
	return nil
}

// ResumeJob re-enables a paused or failed job on its existing schedule.
func (s *Scheduler) ResumeJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}

	// A running job that was paused mid-run only needs its flag restored.
	if job.Status == domain.JobRunning && !job.Enabled {
		job.Enabled = true
		return nil
	}
	if !job.CanResume() {
		return domain.NewValidationError("status", fmt.Sprintf("cannot resume a %s job", job.Status))
	}

	job.Status = domain.JobScheduled
	job.Enabled = true
	job.LastError = ""
	s.logger.Info("job resumed",
		logger.String("job_id", id),
		logger.String("job", job.Name),
		logger.Time("next_run_at", job.NextRunAt),
	)
	return nil
}

// CancelJob permanently cancels a job and withdraws its queued run, if any.
// A run already claimed by a worker finishes on its own; its result no
// longer changes the job state.
func (s *Scheduler) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if !job.CanCancel() {
		return domain.NewValidationError("status", fmt.Sprintf("cannot cancel a %s job", job.Status))
	}

	job.Status = domain.JobCancelled
	job.Enabled = false

	for _, qr := range s.lookup {
		if qr.JobID != id {
			continue
		}
		switch qr.Status {
		case domain.RequestQueued:
			heap.Remove(s.queue, qr.Index)
			s.deadLetterLocked(qr, domain.DeadLetterCancelled)
		case domain.RequestRetrying:
			if timer := s.retryTimers[qr.Request.ID]; timer != nil {
				timer.Stop()
				delete(s.retryTimers, qr.Request.ID)
			}
			s.deadLetterLocked(qr, domain.DeadLetterCancelled)
		}
		break
	}

	s.logger.Info("job cancelled", logger.String("job_id", id), logger.String("job", job.Name))
	return nil
}

// workerLoop claims and executes requests until the scheduler drains.
func (s *Scheduler) workerLoop(ctx context.Context, id int) {
	defer s.wg.Done()

	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()

	for {
		qr := s.claim()
		if qr == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-s.wake:
			case <-ticker.C:
			}
			continue
		}
		s.execute(ctx, qr, id)
	}
}

// claim pops the highest-priority request. Expired requests encountered at
// the head are dead-lettered instead of claimed. Returns nil when the queue
// is empty or the scheduler is no longer running.
func (s *Scheduler) claim() *domain.QueuedRequest {
	if s.State() != StateRunning {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for s.queue.Len() > 0 {
		head := s.queue.peek()
		if head.Expired(now) {
			heap.Pop(s.queue)
			s.deadLetterLocked(head, domain.DeadLetterExpired)
			continue
		}

		qr := heap.Pop(s.queue).(*domain.QueuedRequest)
		qr.Status = domain.RequestRunning
		s.busy++
		s.telemetry.SetQueueDepth(s.queue.Len())
		s.telemetry.SetActiveWorkers(s.busy)
		return qr
	}
	return nil
}

// execute runs one claimed request through the executor and settles the
// outcome: success completes it, cancellation dead-letters it, and failure
// either schedules a retry or dead-letters it once attempts run out.
func (s *Scheduler) execute(ctx context.Context, qr *domain.QueuedRequest, workerID int) {
	defer s.releaseWorker()

	if s.resources != nil {
		if delay := s.resources.ThrottlingDelay(); delay > 0 {
			s.telemetry.Metrics.ThrottleTotal.Inc()
			s.logger.Info("execution throttled",
				logger.String("request_id", qr.Request.ID),
				logger.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				s.requeue(qr)
				return
			case <-s.stopCh:
				s.requeue(qr)
				return
			case <-time.After(delay):
			}
		}
	}

	start := s.now()
	s.mu.Lock()
	qr.Attempts++
	attempt := qr.Attempts
	s.mu.Unlock()

	s.stats.RecordExecution()
	s.telemetry.RecordQueueWait(start.Sub(qr.EnqueuedAt))
	s.logger.Debug("request claimed",
		logger.String("request_id", qr.Request.ID),
		logger.Int("worker", workerID),
		logger.Int("attempt", attempt),
	)

	err := s.executor.Execute(ctx, qr)
	switch {
	case err == nil:
		s.complete(qr)
	case errors.Is(err, domain.ErrCancelled):
		s.cancelled(qr, err)
	default:
		s.fail(qr, err)
	}
}

// releaseWorker returns a worker slot to the pool.
func (s *Scheduler) releaseWorker() {
	s.mu.Lock()
	s.busy--
	s.telemetry.SetActiveWorkers(s.busy)
	s.mu.Unlock()
}

// requeue puts a claimed but unexecuted request back at its queue position.
func (s *Scheduler) requeue(qr *domain.QueuedRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qr.Status = domain.RequestQueued
	heap.Push(s.queue, qr)
	s.telemetry.SetQueueDepth(s.queue.Len())
}

// complete settles a successful execution and, for job runs, marks the job
// completed for dependents and returns it to its schedule.
func (s *Scheduler) complete(qr *domain.QueuedRequest) {
	s.stats.RecordSuccess()

	s.mu.Lock()
	defer s.mu.Unlock()

	qr.Status = domain.RequestCompleted
	qr.LastError = ""
	delete(s.lookup, qr.Request.ID)
	s.recordHistoryLocked(qr)

	if qr.JobID != "" {
		s.settleJobRunLocked(qr.JobID)
	}

	s.logger.Info("request completed",
		logger.String("request_id", qr.Request.ID),
		logger.Int("attempts", qr.Attempts),
	)
}

// settleJobRunLocked updates a job after a successful run: the job becomes
// eligible for dependents, then either completes at its run cap, parks as
// paused when it was paused mid-run, or returns to its schedule.
func (s *Scheduler) settleJobRunLocked(jobID string) {
	s.completed[jobID] = true

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}

	target := domain.JobScheduled
	if job.MaxRunsReached() {
		target = domain.JobCompleted
	}
	if err := domain.ValidateJobTransition(job.Status, target); err != nil {
		// The job was cancelled while the run was in flight.
		s.logger.Debug("job not rescheduled", logger.String("job_id", jobID), logger.Error(err))
		return
	}

	job.Status = target
	job.LastError = ""
	switch {
	case target == domain.JobCompleted:
		job.Enabled = false
		s.logger.Info("job completed after reaching max runs",
			logger.String("job_id", jobID),
			logger.String("job", job.Name),
			logger.Int("runs", job.RunCount),
		)
	case !job.Enabled:
		job.Status = domain.JobPaused
	}
}

// cancelled settles an execution the executor aborted via cooperative
// cancellation. Cancelled requests are never retried.
func (s *Scheduler) cancelled(qr *domain.QueuedRequest, execErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	qr.LastError = execErr.Error()
	s.deadLetterLocked(qr, domain.DeadLetterCancelled)
	s.failJobRunLocked(qr.JobID, execErr)
}

// fail settles a failed execution: schedule a retry while attempts remain,
// dead-letter otherwise.
func (s *Scheduler) fail(qr *domain.QueuedRequest, execErr error) {
	s.stats.RecordFailure()

	s.mu.Lock()
	defer s.mu.Unlock()

	qr.LastError = execErr.Error()

	if qr.RetriesExhausted() {
		s.deadLetterLocked(qr, domain.DeadLetterRetriesExhausted)
		s.failJobRunLocked(qr.JobID, execErr)
		return
	}

	qr.Status = domain.RequestRetrying
	s.stats.RecordRetry()
	s.telemetry.Metrics.RequestsRetried.Inc()

	id := qr.Request.ID
	s.retryTimers[id] = time.AfterFunc(qr.RetryDelay, func() { s.requeueRetry(id) })

	s.logger.Warn("request failed, retry scheduled",
		logger.String("request_id", id),
		logger.Int("attempt", qr.Attempts),
		logger.Int("max_retries", qr.MaxRetries),
		logger.Duration("retry_delay", qr.RetryDelay),
		logger.Error(execErr),
	)
}

// failJobRunLocked parks a job as failed after its run failed terminally.
// The job stays resumable by hand.
func (s *Scheduler) failJobRunLocked(jobID string, execErr error) {
	if jobID == "" {
		return
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	if err := domain.ValidateJobTransition(job.Status, domain.JobFailed); err != nil {
		s.logger.Debug("job not marked failed", logger.String("job_id", jobID), logger.Error(err))
		return
	}
	job.Status = domain.JobFailed
	job.LastError = execErr.Error()
	s.logger.Error("job run failed",
		logger.String("job_id", jobID),
		logger.String("job", job.Name),
		logger.Error(execErr),
	)
}

// requeueRetry returns a request to the queue after its backoff, unless it
// expired in the meantime or the scheduler is shutting down.
func (s *Scheduler) requeueRetry(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.retryTimers, id)
	if s.State() != StateRunning {
		return
	}

	qr, ok := s.lookup[id]
	if !ok || qr.Status != domain.RequestRetrying {
		return
	}

	now := s.now()
	if qr.Expired(now) {
		s.deadLetterLocked(qr, domain.DeadLetterExpired)
		return
	}

	qr.Status = domain.RequestQueued
	heap.Push(s.queue, qr)
	s.telemetry.SetQueueDepth(s.queue.Len())
	s.wakeLocked()
}

// deadLetterLocked records a terminal non-success. The request must not be
// in the heap. The caller holds s.mu.
func (s *Scheduler) deadLetterLocked(qr *domain.QueuedRequest, reason domain.DeadLetterReason) {
	switch reason {
	case domain.DeadLetterExpired:
		qr.Status = domain.RequestExpired
	case domain.DeadLetterCancelled:
		qr.Status = domain.RequestCancelled
	default:
		qr.Status = domain.RequestFailed
	}

	delete(s.lookup, qr.Request.ID)
	s.recordHistoryLocked(qr)

	s.deadLetters = append(s.deadLetters, domain.DeadLetter{
		RequestID:      qr.Request.ID,
		Reason:         reason,
		LastError:      qr.LastError,
		Attempts:       qr.Attempts,
		Priority:       qr.Priority,
		EnqueuedAt:     qr.EnqueuedAt,
		DeadLetteredAt: s.now(),
	})
	if len(s.deadLetters) > s.cfg.DeadLetterLimit {
		s.deadLetters = s.deadLetters[1:]
	}

	s.stats.RecordDeadLetter()
	s.telemetry.RecordDeadLetter(string(reason))
	s.telemetry.SetQueueDepth(s.queue.Len())

	s.logger.Warn("request dead-lettered",
		logger.String("request_id", qr.Request.ID),
		logger.String("reason", string(reason)),
		logger.Int("attempts", qr.Attempts),
	)
}

// recordHistoryLocked retains a terminal snapshot for status lookups, within
// the history limit. The caller holds s.mu.
func (s *Scheduler) recordHistoryLocked(qr *domain.QueuedRequest) {
	if s.cfg.HistoryLimit <= 0 {
		return
	}
	id := qr.Request.ID
	if _, seen := s.history[id]; !seen {
		s.histOrder = append(s.histOrder, id)
		if len(s.histOrder) > s.cfg.HistoryLimit {
			oldest := s.histOrder[0]
			s.histOrder = s.histOrder[1:]
			delete(s.history, oldest)
		}
	}
	s.history[id] = qr.Snapshot()
}

// cronLoop periodically dispatches jobs whose schedules have come due.
func (s *Scheduler) cronLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CronInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatchDue()
		}
	}
}

// dispatchDue enqueues one run for every job whose schedule and dependencies
// are satisfied. Dispatch stops early when the resource monitor reports
// pressure; deferred jobs stay ready and are retried on the next tick.
func (s *Scheduler) dispatchDue() {
	now := s.now()

	s.mu.Lock()
	due := make([]*domain.ScheduledJob, 0)
	for _, job := range s.jobs {
		if job.Status == domain.JobScheduled && job.MaxRunsReached() {
			job.Status = domain.JobCompleted
			job.Enabled = false
			s.logger.Info("job completed after reaching max runs",
				logger.String("job_id", job.ID),
				logger.String("job", job.Name),
				logger.Int("runs", job.RunCount),
			)
			continue
		}
		if job.IsReady(now, s.completed) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(due[j].NextRunAt) {
			return due[i].NextRunAt.Before(due[j].NextRunAt)
		}
		return due[i].ID < due[j].ID
	})
	s.mu.Unlock()

	for i, job := range due {
		if s.resources != nil && !s.resources.CanAcceptNewWork() {
			s.stats.RecordCronDeferral()
			s.telemetry.Metrics.CronDeferred.Inc()
			s.logger.Info("cron dispatch deferred under resource pressure",
				logger.String("job_id", job.ID),
				logger.Int("deferred", len(due)-i),
			)
			return
		}
		s.dispatchJob(job, now)
	}
}

// dispatchJob enqueues one run of a due job and advances its schedule.
func (s *Scheduler) dispatchJob(job *domain.ScheduledJob, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Readiness may have changed since the sweep collected this job.
	if !job.IsReady(now, s.completed) {
		return
	}

	req, err := job.Config.BuildRequest(now)
	if err != nil {
		job.LastError = err.Error()
		s.logger.Error("job request build failed",
			logger.String("job_id", job.ID),
			logger.String("job", job.Name),
			logger.Error(err),
		)
		return
	}

	qr := &domain.QueuedRequest{
		Request:    req,
		Priority:   req.Priority,
		EnqueuedAt: now,
		Status:     domain.RequestQueued,
		MaxRetries: job.Retry.MaxRetries,
		RetryDelay: job.Retry.Delay,
		JobID:      job.ID,
	}
	if err := s.admitLocked(qr, now); err != nil {
		s.stats.RecordCronDeferral()
		s.telemetry.Metrics.CronDeferred.Inc()
		s.logger.Warn("job dispatch deferred, queue full",
			logger.String("job_id", job.ID),
			logger.String("job", job.Name),
		)
		return
	}

	job.Status = domain.JobRunning
	job.RunCount++
	runAt := now
	job.LastRunAt = &runAt
	if schedule := s.schedules[job.ID]; schedule != nil {
		job.NextRunAt = schedule.Next(now)
	}

	s.stats.RecordCronDispatch()
	s.telemetry.Metrics.CronDispatched.Inc()
	s.logger.Info("job dispatched",
		logger.String("job_id", job.ID),
		logger.String("job", job.Name),
		logger.String("request_id", req.ID),
		logger.Int("run", job.RunCount),
		logger.Time("next_run_at", job.NextRunAt),
	)
}
