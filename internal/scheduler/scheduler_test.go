package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/logger"
	"github.com/quantvalue/qvf/internal/telemetry"
)

var (
	testTelemetryOnce sync.Once
	testTelemetry     *telemetry.Provider
)

// testProvider returns a shared provider; metrics register against the
// global prometheus registry and can only be created once per test binary.
func testProvider() *telemetry.Provider {
	testTelemetryOnce.Do(func() {
		testTelemetry = telemetry.NewProvider()
	})
	return testTelemetry
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeGate struct {
	mu     sync.Mutex
	accept bool
	delay  time.Duration
}

func (g *fakeGate) CanAcceptNewWork() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accept
}

func (g *fakeGate) ThrottlingDelay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delay
}

func (g *fakeGate) Usage() domain.ResourceUsage {
	return domain.ResourceUsage{}
}

func (g *fakeGate) set(accept bool, delay time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accept = accept
	g.delay = delay
}

func newTestScheduler(t *testing.T, cfg Config, exec Executor, gate ResourceGate, opts ...Option) *Scheduler {
	t.Helper()
	if exec == nil {
		exec = ExecutorFunc(func(context.Context, *domain.QueuedRequest) error { return nil })
	}
	s, err := New(cfg, exec, gate, testProvider(), logger.NewNop(), opts...)
	require.NoError(t, err)
	return s
}

func testRequest(t *testing.T, p domain.Priority) *domain.ScoringRequest {
	t.Helper()
	req, err := domain.NewScoringRequest(
		domain.ScopeFilter{ProjectID: "alpha"},
		domain.ModeBatch,
		domain.WithPriority(p),
	)
	require.NoError(t, err)
	return req
}

func batchJobConfig() domain.JobConfig {
	return &domain.BatchScoringConfig{Scope: domain.ScopeFilter{ProjectID: "alpha"}}
}

// forceRunning flips the lifecycle state without starting workers, so tests
// can drive claims by hand.
func forceRunning(s *Scheduler) {
	s.state.Store(int32(StateRunning))
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(Config{}, nil, nil, testProvider(), logger.NewNop()); err == nil {
		t.Error("expected error for nil executor")
	}
	exec := ExecutorFunc(func(context.Context, *domain.QueuedRequest) error { return nil })
	if _, err := New(Config{}, exec, nil, nil, logger.NewNop()); err == nil {
		t.Error("expected error for nil telemetry provider")
	}
}

func TestEnqueueDequeuesByPriorityThenFIFO(t *testing.T) {
	s := newTestScheduler(t, Config{}, nil, nil)
	forceRunning(s)

	low := testRequest(t, domain.PriorityLow)
	crit := testRequest(t, domain.PriorityCritical)
	high := testRequest(t, domain.PriorityHigh)

	for _, req := range []*domain.ScoringRequest{low, crit, high} {
		_, err := s.Enqueue(req, -1)
		require.NoError(t, err)
	}

	want := []string{crit.ID, high.ID, low.ID}
	for _, id := range want {
		qr := s.claim()
		require.NotNil(t, qr)
		require.Equal(t, id, qr.Request.ID)
	}
	require.Nil(t, s.claim())
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	s := newTestScheduler(t, Config{MaxQueueDepth: 2}, nil, nil)
	forceRunning(s)

	for range 2 {
		_, err := s.Enqueue(testRequest(t, domain.PriorityNormal), -1)
		require.NoError(t, err)
	}

	_, err := s.Enqueue(testRequest(t, domain.PriorityNormal), -1)
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrQueueFull)

	var qfe *QueueFullError
	require.ErrorAs(t, err, &qfe)
	require.Equal(t, 2, qfe.Depth)
	require.Equal(t, 2, qfe.Limit)
}

func TestEnqueueRejectedWhenNotRunning(t *testing.T) {
	s := newTestScheduler(t, Config{}, nil, nil)

	_, err := s.Enqueue(testRequest(t, domain.PriorityNormal), -1)
	require.ErrorIs(t, err, domain.ErrSchedulerStopped)
}

func TestZeroMaxWaitDeadLettersWithoutExecution(t *testing.T) {
	var executions atomic.Int32
	exec := ExecutorFunc(func(context.Context, *domain.QueuedRequest) error {
		executions.Add(1)
		return nil
	})
	s := newTestScheduler(t, Config{Workers: 2, DrainTimeout: time.Second}, exec, nil)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	req := testRequest(t, domain.PriorityHigh)
	snap, err := s.Enqueue(req, 0)
	require.NoError(t, err)
	require.Equal(t, domain.RequestExpired, snap.Status)

	letters := s.DeadLetters()
	require.Len(t, letters, 1)
	require.Equal(t, req.ID, letters[0].RequestID)
	require.Equal(t, domain.DeadLetterExpired, letters[0].Reason)
	require.Equal(t, 0, letters[0].Attempts)

	// Workers are live; give them a moment to prove they never see it.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), executions.Load())
	require.Equal(t, 0, s.QueueDepth())

	status, err := s.RequestStatus(req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RequestExpired, status.Status)
}

func TestExpiredHeadSweptOnClaim(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, Config{}, nil, nil, WithClock(clk.now))
	forceRunning(s)

	req := testRequest(t, domain.PriorityNormal)
	snap, err := s.Enqueue(req, 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, domain.RequestQueued, snap.Status)

	clk.advance(time.Second)

	require.Nil(t, s.claim())
	letters := s.DeadLetters()
	require.Len(t, letters, 1)
	require.Equal(t, domain.DeadLetterExpired, letters[0].Reason)

	status, err := s.RequestStatus(req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RequestExpired, status.Status)
}

func TestRetriesExhaustedAfterMaxRetriesPlusOneExecutions(t *testing.T) {
	var executions atomic.Int32
	exec := ExecutorFunc(func(context.Context, *domain.QueuedRequest) error {
		executions.Add(1)
		return errors.New("store unavailable")
	})
	cfg := Config{
		Workers:      2,
		Retry:        domain.RetryPolicy{MaxRetries: 1, Delay: 5 * time.Millisecond},
		DrainTimeout: time.Second,
	}
	s := newTestScheduler(t, cfg, exec, nil)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	req := testRequest(t, domain.PriorityNormal)
	_, err := s.Enqueue(req, -1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(s.DeadLetters()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, int32(2), executions.Load())

	dl := s.DeadLetters()[0]
	require.Equal(t, domain.DeadLetterRetriesExhausted, dl.Reason)
	require.Equal(t, 2, dl.Attempts)
	require.Contains(t, dl.LastError, "store unavailable")

	snap, err := s.RequestStatus(req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RequestFailed, snap.Status)

	stats := s.Stats()
	require.Equal(t, int64(2), stats.Executions)
	require.Equal(t, int64(2), stats.Failed)
	require.Equal(t, int64(1), stats.Retried)
	require.Equal(t, int64(1), stats.DeadLettered)
}

func TestRetryRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, *domain.QueuedRequest) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	cfg := Config{
		Workers:      2,
		Retry:        domain.RetryPolicy{MaxRetries: 3, Delay: 5 * time.Millisecond},
		DrainTimeout: time.Second,
	}
	s := newTestScheduler(t, cfg, exec, nil)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	req := testRequest(t, domain.PriorityNormal)
	_, err := s.Enqueue(req, -1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, statusErr := s.RequestStatus(req.ID)
		return statusErr == nil && snap.Status == domain.RequestCompleted
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := s.RequestStatus(req.ID)
	require.NoError(t, err)
	require.Equal(t, 2, snap.Attempts)
	require.Empty(t, s.DeadLetters())
}

func TestCancelledExecutionIsNotRetried(t *testing.T) {
	var executions atomic.Int32
	exec := ExecutorFunc(func(context.Context, *domain.QueuedRequest) error {
		executions.Add(1)
		return domain.ErrCancelled
	})
	cfg := Config{
		Workers:      1,
		Retry:        domain.RetryPolicy{MaxRetries: 5, Delay: time.Millisecond},
		DrainTimeout: time.Second,
	}
	s := newTestScheduler(t, cfg, exec, nil)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	req := testRequest(t, domain.PriorityNormal)
	_, err := s.Enqueue(req, -1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(s.DeadLetters()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, int32(1), executions.Load())
	require.Equal(t, domain.DeadLetterCancelled, s.DeadLetters()[0].Reason)

	snap, err := s.RequestStatus(req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RequestCancelled, snap.Status)
}

func TestCancelRequestWhileQueued(t *testing.T) {
	s := newTestScheduler(t, Config{}, nil, nil)
	forceRunning(s)

	req := testRequest(t, domain.PriorityNormal)
	_, err := s.Enqueue(req, -1)
	require.NoError(t, err)

	require.NoError(t, s.CancelRequest(req.ID))
	require.Equal(t, 0, s.QueueDepth())

	letters := s.DeadLetters()
	require.Len(t, letters, 1)
	require.Equal(t, domain.DeadLetterCancelled, letters[0].Reason)

	snap, err := s.RequestStatus(req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RequestCancelled, snap.Status)

	require.ErrorIs(t, s.CancelRequest(req.ID), domain.ErrNotFound)
}

func TestCancelRequestWhileRunning(t *testing.T) {
	block := make(chan struct{})
	exec := ExecutorFunc(func(context.Context, *domain.QueuedRequest) error {
		<-block
		return nil
	})
	s := newTestScheduler(t, Config{Workers: 1, DrainTimeout: time.Second}, exec, nil)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	req := testRequest(t, domain.PriorityNormal)
	_, err := s.Enqueue(req, -1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, statusErr := s.RequestStatus(req.ID)
		return statusErr == nil && snap.Status == domain.RequestRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, s.CancelRequest(req.ID), ErrRequestRunning)

	close(block)
	require.Eventually(t, func() bool {
		snap, statusErr := s.RequestStatus(req.ID)
		return statusErr == nil && snap.Status == domain.RequestCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestThrottlingDelaysExecution(t *testing.T) {
	gate := &fakeGate{accept: true, delay: 50 * time.Millisecond}

	var mu sync.Mutex
	var executedAt time.Time
	exec := ExecutorFunc(func(context.Context, *domain.QueuedRequest) error {
		mu.Lock()
		executedAt = time.Now()
		mu.Unlock()
		return nil
	})

	s := newTestScheduler(t, Config{Workers: 1, DrainTimeout: time.Second}, exec, gate)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	enqueued := time.Now()
	req := testRequest(t, domain.PriorityNormal)
	_, err := s.Enqueue(req, -1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, statusErr := s.RequestStatus(req.ID)
		return statusErr == nil && snap.Status == domain.RequestCompleted
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	elapsed := executedAt.Sub(enqueued)
	mu.Unlock()
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestCronFiresOnScheduleBoundary(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 1, 59, 0, 0, time.UTC)}
	s := newTestScheduler(t, Config{}, nil, nil, WithClock(clk.now))

	job, err := s.AddJob(JobSpec{Name: "nightly", CronExpr: "0 2 * * *", Config: batchJobConfig()})
	require.NoError(t, err)
	require.True(t, job.NextRunAt.Equal(time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)))

	// One minute before the boundary nothing fires.
	s.dispatchDue()
	require.Equal(t, 0, s.QueueDepth())

	clk.advance(2 * time.Minute) // 02:01
	s.dispatchDue()
	require.Equal(t, 1, s.QueueDepth())

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobRunning, got.Status)
	require.Equal(t, 1, got.RunCount)
	require.True(t, got.NextRunAt.Equal(time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC)))
}

func TestCronDependencyGating(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)}
	s := newTestScheduler(t, Config{}, nil, nil, WithClock(clk.now))
	forceRunning(s)

	jobA, err := s.AddJob(JobSpec{Name: "extract", CronExpr: "* * * * *", Config: batchJobConfig(), MaxRuns: 1})
	require.NoError(t, err)
	jobB, err := s.AddJob(JobSpec{Name: "score", CronExpr: "* * * * *", Config: batchJobConfig(), DependsOn: []string{jobA.ID}})
	require.NoError(t, err)

	clk.advance(31 * time.Second) // 12:01:01, both schedules due
	s.dispatchDue()

	gotA, err := s.GetJob(jobA.ID)
	require.NoError(t, err)
	require.Equal(t, 1, gotA.RunCount)

	gotB, err := s.GetJob(jobB.ID)
	require.NoError(t, err)
	require.Equal(t, 0, gotB.RunCount, "job must not run before its dependency completes")

	// Finish A's run; A hits its run cap and completes.
	qr := s.claim()
	require.NotNil(t, qr)
	require.Equal(t, jobA.ID, qr.JobID)
	s.complete(qr)

	gotA, err = s.GetJob(jobA.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, gotA.Status)
	require.False(t, gotA.Enabled)

	clk.advance(time.Minute)
	s.dispatchDue()

	gotB, err = s.GetJob(jobB.ID)
	require.NoError(t, err)
	require.Equal(t, 1, gotB.RunCount)
	require.Equal(t, domain.JobRunning, gotB.Status)
}

func TestCronDeferredUnderResourcePressure(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)}
	gate := &fakeGate{accept: false}
	s := newTestScheduler(t, Config{}, nil, gate, WithClock(clk.now))

	job, err := s.AddJob(JobSpec{Name: "hourly", CronExpr: "* * * * *", Config: batchJobConfig()})
	require.NoError(t, err)

	clk.advance(31 * time.Second)
	s.dispatchDue()

	require.Equal(t, int64(1), s.Stats().CronDeferred)
	require.Equal(t, 0, s.QueueDepth())

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobScheduled, got.Status)
	require.Equal(t, 0, got.RunCount)

	// Pressure clears; the deferred job dispatches on the next tick.
	gate.set(true, 0)
	s.dispatchDue()

	got, err = s.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.RunCount)
}

func TestPauseAndResumeJob(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)}
	s := newTestScheduler(t, Config{}, nil, nil, WithClock(clk.now))

	job, err := s.AddJob(JobSpec{Name: "rescore", CronExpr: "* * * * *", Config: batchJobConfig()})
	require.NoError(t, err)

	require.NoError(t, s.PauseJob(job.ID))
	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobPaused, got.Status)
	require.False(t, got.Enabled)

	clk.advance(2 * time.Minute)
	s.dispatchDue()
	got, _ = s.GetJob(job.ID)
	require.Equal(t, 0, got.RunCount, "paused job must not dispatch")

	require.NoError(t, s.ResumeJob(job.ID))
	s.dispatchDue()
	got, _ = s.GetJob(job.ID)
	require.Equal(t, 1, got.RunCount)
}

func TestCancelJobWithdrawsQueuedRun(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)}
	s := newTestScheduler(t, Config{}, nil, nil, WithClock(clk.now))

	job, err := s.AddJob(JobSpec{Name: "rescore", CronExpr: "* * * * *", Config: batchJobConfig()})
	require.NoError(t, err)

	clk.advance(31 * time.Second)
	s.dispatchDue()
	require.Equal(t, 1, s.QueueDepth())

	require.NoError(t, s.CancelJob(job.ID))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, got.Status)
	require.Equal(t, 0, s.QueueDepth())

	letters := s.DeadLetters()
	require.Len(t, letters, 1)
	require.Equal(t, domain.DeadLetterCancelled, letters[0].Reason)

	// Terminal jobs reject further control operations.
	require.Error(t, s.CancelJob(job.ID))
	require.Error(t, s.PauseJob(job.ID))
	require.Error(t, s.ResumeJob(job.ID))
}

func TestJobCompletesAtMaxRuns(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)}
	s := newTestScheduler(t, Config{}, nil, nil, WithClock(clk.now))
	forceRunning(s)

	job, err := s.AddJob(JobSpec{Name: "backfill", CronExpr: "* * * * *", Config: batchJobConfig(), MaxRuns: 2})
	require.NoError(t, err)

	for run := 1; run <= 2; run++ {
		clk.advance(time.Minute)
		s.dispatchDue()
		qr := s.claim()
		require.NotNil(t, qr, "run %d should dispatch", run)
		s.complete(qr)
	}

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, got.Status)
	require.False(t, got.Enabled)
	require.Equal(t, 2, got.RunCount)

	clk.advance(time.Minute)
	s.dispatchDue()
	require.Equal(t, 0, s.QueueDepth())
}

func TestAddJobValidation(t *testing.T) {
	s := newTestScheduler(t, Config{}, nil, nil)

	tests := []struct {
		name string
		spec JobSpec
	}{
		{"missing name", JobSpec{CronExpr: "* * * * *", Config: batchJobConfig()}},
		{"missing config", JobSpec{Name: "j", CronExpr: "* * * * *"}},
		{"bad cron", JobSpec{Name: "j", CronExpr: "not a cron", Config: batchJobConfig()}},
		{"negative max runs", JobSpec{Name: "j", CronExpr: "* * * * *", Config: batchJobConfig(), MaxRuns: -1}},
		{"unknown dependency", JobSpec{Name: "j", CronExpr: "* * * * *", Config: batchJobConfig(), DependsOn: []string{"missing"}}},
		{"invalid retry", JobSpec{Name: "j", CronExpr: "* * * * *", Config: batchJobConfig(), Retry: &domain.RetryPolicy{MaxRetries: -1}}},
		{"invalid config", JobSpec{Name: "j", CronExpr: "* * * * *", Config: &domain.BatchScoringConfig{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.AddJob(tt.spec); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestAddJobDisabledStartsPaused(t *testing.T) {
	s := newTestScheduler(t, Config{}, nil, nil)

	job, err := s.AddJob(JobSpec{Name: "later", CronExpr: "* * * * *", Config: batchJobConfig(), Disabled: true})
	require.NoError(t, err)
	require.Equal(t, domain.JobPaused, job.Status)
	require.False(t, job.Enabled)
}

func TestListJobsReturnsRegistrationOrder(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(t, Config{}, nil, nil, WithClock(clk.now))

	names := []string{"first", "second", "third"}
	for _, name := range names {
		_, err := s.AddJob(JobSpec{Name: name, CronExpr: "* * * * *", Config: batchJobConfig()})
		require.NoError(t, err)
		clk.advance(time.Second)
	}

	jobs := s.ListJobs()
	require.Len(t, jobs, 3)
	for i, name := range names {
		require.Equal(t, name, jobs[i].Name)
	}
}

func TestRequestHistoryBounded(t *testing.T) {
	s := newTestScheduler(t, Config{HistoryLimit: 2}, nil, nil)
	forceRunning(s)

	var ids []string
	for range 3 {
		req := testRequest(t, domain.PriorityNormal)
		_, err := s.Enqueue(req, -1)
		require.NoError(t, err)
		ids = append(ids, req.ID)

		qr := s.claim()
		require.NotNil(t, qr)
		s.complete(qr)
	}

	_, err := s.RequestStatus(ids[0])
	require.ErrorIs(t, err, domain.ErrNotFound)

	for _, id := range ids[1:] {
		snap, statusErr := s.RequestStatus(id)
		require.NoError(t, statusErr)
		require.Equal(t, domain.RequestCompleted, snap.Status)
	}
}

func TestQueueStatusSnapshot(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 3}, nil, nil)
	forceRunning(s)

	for _, p := range []domain.Priority{domain.PriorityCritical, domain.PriorityLow, domain.PriorityLow} {
		_, err := s.Enqueue(testRequest(t, p), -1)
		require.NoError(t, err)
	}
	_, err := s.AddJob(JobSpec{Name: "j", CronExpr: "* * * * *", Config: batchJobConfig()})
	require.NoError(t, err)

	status := s.QueueStatus()
	require.Equal(t, "running", status.State)
	require.Equal(t, 3, status.Depth)
	require.Equal(t, 1, status.ByPriority["critical"])
	require.Equal(t, 2, status.ByPriority["low"])
	require.Equal(t, 0, status.ByPriority["high"])
	require.Equal(t, 3, status.Workers)
	require.Equal(t, 0, status.BusyWorkers)
	require.Equal(t, 0, status.DeadLetters)
	require.Equal(t, 1, status.Jobs[string(domain.JobScheduled)])
}

func TestStopDrainsInFlightWithoutClaimingMore(t *testing.T) {
	block := make(chan struct{})
	var executions atomic.Int32
	exec := ExecutorFunc(func(context.Context, *domain.QueuedRequest) error {
		executions.Add(1)
		<-block
		return nil
	})
	s := newTestScheduler(t, Config{Workers: 1, DrainTimeout: 2 * time.Second}, exec, nil)
	require.NoError(t, s.Start(context.Background()))

	first := testRequest(t, domain.PriorityNormal)
	second := testRequest(t, domain.PriorityNormal)
	_, err := s.Enqueue(first, -1)
	require.NoError(t, err)
	_, err = s.Enqueue(second, -1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return executions.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	stopDone := make(chan error, 1)
	go func() { stopDone <- s.Stop(context.Background()) }()

	// Once draining, the worker must not claim the second request.
	require.Eventually(t, func() bool {
		return s.State() == StateDraining
	}, 2*time.Second, time.Millisecond)
	close(block)

	require.NoError(t, <-stopDone)
	require.Equal(t, int32(1), executions.Load())

	firstStatus, err := s.RequestStatus(first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RequestCompleted, firstStatus.Status)

	secondStatus, err := s.RequestStatus(second.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RequestQueued, secondStatus.Status)
}

func TestSchedulerLifecycle(t *testing.T) {
	s := newTestScheduler(t, Config{Workers: 1, DrainTimeout: time.Second}, nil, nil)

	require.Error(t, s.Stop(context.Background()), "stop before start should fail")
	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.IsRunning())
	require.Error(t, s.Start(context.Background()), "second start should fail")

	require.NoError(t, s.Stop(context.Background()))
	require.False(t, s.IsRunning())

	require.Error(t, s.Start(context.Background()), "restart should fail")
	_, err := s.Enqueue(testRequest(t, domain.PriorityNormal), -1)
	require.ErrorIs(t, err, domain.ErrSchedulerStopped)
}
