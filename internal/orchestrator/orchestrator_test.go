package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/itemstore"
	"github.com/quantvalue/qvf/internal/logger"
	"github.com/quantvalue/qvf/internal/monitor"
	"github.com/quantvalue/qvf/internal/resource"
	"github.com/quantvalue/qvf/internal/scheduler"
	"github.com/quantvalue/qvf/internal/scoring"
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

type stubSampler struct {
	mu  sync.Mutex
	cpu float64
	mem float64
	err error
}

func (s *stubSampler) Sample(context.Context) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cpu, s.mem, s.err
}

// failingStore rejects every call, simulating an unreachable backend.
type failingStore struct{ err error }

func (f *failingStore) LoadItems(context.Context, domain.ScopeFilter) ([]domain.Item, error) {
	return nil, f.err
}

func (f *failingStore) SaveScores(context.Context, []domain.Score) (*itemstore.SaveReport, error) {
	return nil, f.err
}

func (f *failingStore) GetScore(context.Context, string) (domain.Score, error) {
	return domain.Score{}, f.err
}

func (f *failingStore) CountItems(context.Context) (int, error) {
	return 0, f.err
}

type failingEngine struct{ err error }

func (f *failingEngine) Score(context.Context, []domain.Item, *domain.CriteriaConfig) ([]domain.Score, error) {
	return nil, f.err
}

// blockingEngine parks the first scoring call until released, so tests can
// hold a workflow slot open.
type blockingEngine struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (e *blockingEngine) Score(ctx context.Context, items []domain.Item, _ *domain.CriteriaConfig) ([]domain.Score, error) {
	if len(items) == 0 {
		return nil, nil
	}
	e.once.Do(func() { close(e.entered) })
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	scores := make([]domain.Score, len(items))
	for i, item := range items {
		scores[i] = domain.Score{ItemID: item.ID, Value: 50, Rank: i + 1, ComputedAt: time.Now()}
	}
	return scores, nil
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	store := itemstore.NewMemoryStore(itemstore.Config{RateLimit: 1000, RateBurst: 1000}, logger.NewNop())
	mon, err := monitor.NewMonitor(monitor.Config{}, testProvider(), logger.NewNop())
	require.NoError(t, err)
	return Deps{
		Store:     store,
		Engine:    scoring.NewWeightedEngine(logger.NewNop()),
		Resources: resource.NewMonitor(domain.ResourceLimits{}, resource.Config{}, logger.NewNop(), resource.WithSampler(&stubSampler{cpu: 5, mem: 10})),
		Monitor:   mon,
		Telemetry: testProvider(),
		Logger:    logger.NewNop(),
	}
}

func seedItems(t *testing.T, store *itemstore.MemoryStore, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := range n {
		id := fmt.Sprintf("itm-%d", i+1)
		store.Seed(domain.Item{
			ID:        id,
			ProjectID: "alpha",
			Title:     fmt.Sprintf("item %d", i+1),
			State:     "open",
			Fields:    map[string]any{"business_value": float64(i + 1), "time_criticality": 5.0},
			UpdatedAt: time.Now(),
		})
		ids = append(ids, id)
	}
	return ids
}

func immediateRequest(t *testing.T, ids ...string) *domain.ScoringRequest {
	t.Helper()
	scope := domain.ScopeFilter{ProjectID: "alpha"}
	if len(ids) > 0 {
		scope = domain.ScopeFilter{ItemIDs: ids}
	}
	req, err := domain.NewScoringRequest(scope, domain.ModeImmediate)
	require.NoError(t, err)
	return req
}

func nightlyJobSpec() scheduler.JobSpec {
	return scheduler.JobSpec{
		Name:     "nightly",
		CronExpr: "0 2 * * *",
		Config:   &domain.BatchScoringConfig{Scope: domain.ScopeFilter{ProjectID: "alpha"}},
	}
}

func TestNewValidatesDeps(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"missing store", func(d *Deps) { d.Store = nil }},
		{"missing engine", func(d *Deps) { d.Engine = nil }},
		{"missing resources", func(d *Deps) { d.Resources = nil }},
		{"missing monitor", func(d *Deps) { d.Monitor = nil }},
		{"missing telemetry", func(d *Deps) { d.Telemetry = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps(t)
			tt.mutate(&deps)
			if _, err := New(Config{}, deps); err == nil {
				t.Error("expected a dependency error")
			}
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	o, err := New(Config{}, testDeps(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := cap(o.sem); got != DefaultMaxConcurrentWorkflows {
		t.Errorf("semaphore capacity = %d, want %d", got, DefaultMaxConcurrentWorkflows)
	}
	if o.cfg.ResultHistoryLimit != DefaultResultHistoryLimit {
		t.Errorf("ResultHistoryLimit = %d, want %d", o.cfg.ResultHistoryLimit, DefaultResultHistoryLimit)
	}
	if o.cfg.Scheduler.MaxQueueDepth != scheduler.DefaultMaxQueueDepth {
		t.Errorf("Scheduler.MaxQueueDepth = %d, want %d", o.cfg.Scheduler.MaxQueueDepth, scheduler.DefaultMaxQueueDepth)
	}
}

func TestScoreItemsRunsWorkflowEndToEnd(t *testing.T) {
	deps := testDeps(t)
	store := deps.Store.(*itemstore.MemoryStore)
	ids := seedItems(t, store, 3)

	o, err := New(Config{}, deps)
	require.NoError(t, err)

	req := immediateRequest(t)
	result, err := o.ScoreItems(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, domain.WorkflowCompleted, result.Status)
	require.Equal(t, 3, result.ItemsProcessed)
	require.Equal(t, 3, result.ItemsSucceeded)
	require.Zero(t, result.ItemsFailed)

	for _, id := range ids {
		_, err := store.GetScore(context.Background(), id)
		require.NoError(t, err, "score for %s should be persisted", id)
	}

	results := o.RecentResults(0)
	require.Len(t, results, 1)
	require.Equal(t, result.WorkflowID, results[0].WorkflowID)

	records := deps.Monitor.Records(OpImmediate)
	require.Len(t, records, 1)
	require.True(t, records[0].Success)
	require.Equal(t, 3, records[0].ItemsSucceeded)
	require.Equal(t, req.ID, records[0].Context["request_id"])
	require.Greater(t, records[0].QualityScore, 0.0)
}

func TestScoreItemsRejectsNilRequest(t *testing.T) {
	o, err := New(Config{}, testDeps(t))
	require.NoError(t, err)

	_, err = o.ScoreItems(context.Background(), nil)
	require.Error(t, err)
	require.True(t, domain.IsValidationError(err))
}

func TestWorkflowSlotsBoundConcurrency(t *testing.T) {
	deps := testDeps(t)
	engine := newBlockingEngine()
	deps.Engine = engine
	store := deps.Store.(*itemstore.MemoryStore)
	seedItems(t, store, 1)

	o, err := New(Config{MaxConcurrentWorkflows: 1}, deps)
	require.NoError(t, err)

	blocked := immediateRequest(t)
	first := make(chan error, 1)
	go func() {
		_, err := o.ScoreItems(context.Background(), blocked)
		first <- err
	}()

	select {
	case <-engine.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first workflow never reached the engine")
	}
	require.Equal(t, 1, o.ActiveWorkflows())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = o.ScoreItems(ctx, immediateRequest(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(engine.release)
	require.NoError(t, <-first)
	require.Eventually(t, func() bool { return o.ActiveWorkflows() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestExecuteBucketsOperationsByOrigin(t *testing.T) {
	deps := testDeps(t)
	store := deps.Store.(*itemstore.MemoryStore)
	seedItems(t, store, 2)

	o, err := New(Config{}, deps)
	require.NoError(t, err)

	jobID, err := o.ScheduleRecurringJob(nightlyJobSpec())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, o.Execute(ctx, &domain.QueuedRequest{Request: immediateRequest(t)}))
	require.NoError(t, o.Execute(ctx, &domain.QueuedRequest{Request: immediateRequest(t), JobID: jobID}))
	require.NoError(t, o.Execute(ctx, &domain.QueuedRequest{Request: immediateRequest(t), JobID: "gone"}))

	require.Len(t, deps.Monitor.Records(OpQueued), 1)
	require.Len(t, deps.Monitor.Records("job.nightly"), 1)
	require.Len(t, deps.Monitor.Records(OpScheduled), 1)
}

func TestQueuePriorityRequestValidation(t *testing.T) {
	o, err := New(Config{}, testDeps(t))
	require.NoError(t, err)

	_, err = o.QueuePriorityRequest(nil, domain.PriorityHigh, -1)
	require.True(t, domain.IsValidationError(err))

	_, err = o.QueuePriorityRequest(immediateRequest(t), domain.Priority(99), -1)
	require.True(t, domain.IsValidationError(err))

	// Not started yet: admission is refused, not queued.
	_, err = o.QueuePriorityRequest(immediateRequest(t), domain.PriorityHigh, -1)
	require.ErrorIs(t, err, domain.ErrSchedulerStopped)
}

func TestQueuedRequestRunsThroughWorkflow(t *testing.T) {
	deps := testDeps(t)
	store := deps.Store.(*itemstore.MemoryStore)
	seedItems(t, store, 2)

	o, err := New(Config{Scheduler: scheduler.Config{Workers: 2}}, deps)
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Stop(context.Background()) }()

	id, err := o.QueuePriorityRequest(immediateRequest(t), domain.PriorityHigh, -1)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		snap, err := o.GetRequestStatus(id)
		return err == nil && snap.Status == domain.RequestCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.Len(t, deps.Monitor.Records(OpQueued), 1)
	require.Zero(t, o.GetQueueStatus().Depth)
	require.Equal(t, int64(1), o.SchedulerStats().Succeeded)
}

func TestHealthCheckLifecycle(t *testing.T) {
	deps := testDeps(t)
	o, err := New(Config{}, deps)
	require.NoError(t, err)

	h := o.HealthCheck(context.Background())
	require.Equal(t, StatusDegraded, h.Status)
	require.Equal(t, StatusDegraded, h.Checks["scheduler"].Status)

	require.NoError(t, o.Start(context.Background()))
	h = o.HealthCheck(context.Background())
	require.Equal(t, StatusHealthy, h.Status)
	require.Len(t, h.Checks, 4)
	for name, c := range h.Checks {
		require.Equal(t, StatusHealthy, c.Status, "check %s", name)
	}

	require.NoError(t, o.Stop(context.Background()))
	h = o.HealthCheck(context.Background())
	require.Equal(t, StatusDegraded, h.Status)
}

func TestHealthCheckUnhealthyWhenStoreUnreachable(t *testing.T) {
	deps := testDeps(t)
	deps.Store = &failingStore{err: errors.New("connection refused")}

	o, err := New(Config{}, deps)
	require.NoError(t, err)

	h := o.HealthCheck(context.Background())
	require.Equal(t, StatusUnhealthy, h.Status)
	require.Equal(t, StatusUnhealthy, h.Checks["item_store"].Status)
	require.Equal(t, StatusHealthy, h.Checks["scoring_engine"].Status)
}

func TestHealthCheckUnhealthyWhenEngineFails(t *testing.T) {
	deps := testDeps(t)
	deps.Engine = &failingEngine{err: errors.New("weights corrupted")}

	o, err := New(Config{}, deps)
	require.NoError(t, err)

	h := o.HealthCheck(context.Background())
	require.Equal(t, StatusUnhealthy, h.Status)
	require.Equal(t, StatusUnhealthy, h.Checks["scoring_engine"].Status)
}

func TestHealthCheckDegradedUnderResourcePressure(t *testing.T) {
	deps := testDeps(t)
	deps.Resources = resource.NewMonitor(
		domain.ResourceLimits{MaxCPUPercent: 50},
		resource.Config{},
		logger.NewNop(),
		resource.WithSampler(&stubSampler{cpu: 95, mem: 10}),
	)

	o, err := New(Config{}, deps)
	require.NoError(t, err)
	deps.Resources.Refresh(context.Background())
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Stop(context.Background()) }()

	h := o.HealthCheck(context.Background())
	require.Equal(t, StatusDegraded, h.Status)
	require.Equal(t, StatusDegraded, h.Checks["resources"].Status)
	require.Equal(t, StatusHealthy, h.Checks["item_store"].Status)
}

func TestHealthCheckDegradedWhenQueueNearCapacity(t *testing.T) {
	deps := testDeps(t)
	// Saturated host: workers never claim, so the queue holds its depth.
	deps.Resources = resource.NewMonitor(
		domain.ResourceLimits{MaxCPUPercent: 50},
		resource.Config{},
		logger.NewNop(),
		resource.WithSampler(&stubSampler{cpu: 95, mem: 10}),
	)

	o, err := New(Config{Scheduler: scheduler.Config{Workers: 1, MaxQueueDepth: 10}}, deps)
	require.NoError(t, err)
	deps.Resources.Refresh(context.Background())
	require.NoError(t, o.Start(context.Background()))
	defer func() { _ = o.Stop(context.Background()) }()

	// The single worker claims at most one request and then throttles, so
	// at least nine of the ten stay queued.
	for range 10 {
		_, err := o.QueuePriorityRequest(immediateRequest(t), domain.PriorityNormal, -1)
		require.NoError(t, err)
	}

	h := o.HealthCheck(context.Background())
	require.Equal(t, StatusDegraded, h.Status)
	require.Equal(t, StatusDegraded, h.Checks["scheduler"].Status)
	require.Contains(t, h.Checks["scheduler"].Detail, "queue near capacity")
}

func TestRecentResultsBoundedNewestFirst(t *testing.T) {
	deps := testDeps(t)
	store := deps.Store.(*itemstore.MemoryStore)
	ids := seedItems(t, store, 3)

	o, err := New(Config{ResultHistoryLimit: 2}, deps)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := o.ScoreItems(context.Background(), immediateRequest(t, ids[:i]...))
		require.NoError(t, err)
	}

	results := o.RecentResults(0)
	require.Len(t, results, 2)
	require.Equal(t, 3, results[0].ItemsProcessed)
	require.Equal(t, 2, results[1].ItemsProcessed)

	one := o.RecentResults(1)
	require.Len(t, one, 1)
	require.Equal(t, 3, one[0].ItemsProcessed)
}

func TestFailedRunFiresAlertThroughMonitor(t *testing.T) {
	deps := testDeps(t)
	deps.Engine = &failingEngine{err: errors.New("model unavailable")}
	store := deps.Store.(*itemstore.MemoryStore)
	seedItems(t, store, 2)

	require.NoError(t, deps.Monitor.AddRule(monitor.Rule{
		Name:       "low-success",
		Metric:     monitor.MetricSuccessRate,
		Comparison: monitor.ComparisonLT,
		Threshold:  0.9,
		Severity:   monitor.SeverityWarning,
	}))

	o, err := New(Config{}, deps)
	require.NoError(t, err)

	fired := make(chan monitor.Alert, 4)
	o.AddAlertCallback(func(a monitor.Alert) { fired <- a })

	_, err = o.ScoreItems(context.Background(), immediateRequest(t))
	require.Error(t, err)

	select {
	case a := <-fired:
		require.Equal(t, "low-success", a.RuleName)
		require.Equal(t, OpImmediate, a.OperationName)
	default:
		t.Fatal("expected an alert callback")
	}

	require.Len(t, o.ActiveAlerts(), 1)
	require.Len(t, o.Alerts(), 1)

	report := o.GetComprehensiveMetrics(0, monitor.Filters{})
	require.Equal(t, 1, report.TotalRuns)
	require.Equal(t, 1, report.FailedRuns)
	require.Equal(t, 1, report.OpenAlerts)
}

func TestJobControlPassthroughs(t *testing.T) {
	o, err := New(Config{}, testDeps(t))
	require.NoError(t, err)

	id, err := o.ScheduleRecurringJob(nightlyJobSpec())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := o.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, "nightly", job.Name)
	require.Equal(t, domain.JobScheduled, job.Status)

	require.NoError(t, o.PauseJob(id))
	job, err = o.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, domain.JobPaused, job.Status)

	require.NoError(t, o.ResumeJob(id))
	job, err = o.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, domain.JobScheduled, job.Status)

	require.NoError(t, o.CancelJob(id))
	job, err = o.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, job.Status)

	require.Len(t, o.ListJobs(), 1)

	_, err = o.GetJob("missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
