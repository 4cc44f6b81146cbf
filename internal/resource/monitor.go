// Package resource tracks system load and answers admission questions for
// the scheduler: can more work start now, and if not, how long to wait.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/logger"
)

// Default tuning values.
const (
	DefaultSampleInterval   = 30 * time.Second
	DefaultCallWindow       = time.Minute
	DefaultMaxThrottleDelay = 5 * time.Minute
	DefaultFailClosedAfter  = 3

	// delayPerOverage converts an overage ratio into a wait: each full
	// multiple over budget adds one minute, up to the configured cap.
	delayPerOverage = time.Minute

	// callsPruneThreshold bounds the call window slice between reads.
	callsPruneThreshold = 4096
)

// Config tunes the monitor.
type Config struct {
	SampleInterval   time.Duration
	CallWindow       time.Duration
	MaxThrottleDelay time.Duration

	// FailClosedAfter is the number of consecutive sampling failures after
	// which the monitor reports the host as over-limit. Before that, the
	// last snapshot is kept and marked stale.
	FailClosedAfter int
}

func (c *Config) setDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.CallWindow <= 0 {
		c.CallWindow = DefaultCallWindow
	}
	if c.MaxThrottleDelay <= 0 {
		c.MaxThrottleDelay = DefaultMaxThrottleDelay
	}
	if c.FailClosedAfter <= 0 {
		c.FailClosedAfter = DefaultFailClosedAfter
	}
}

// Monitor samples system load on an interval and combines it with
// caller-reported figures (active workflows, queue depth, external calls)
// into admission decisions.
type Monitor struct {
	limits  domain.ResourceLimits
	cfg     Config
	sampler Sampler
	logger  logger.Logger
	now     func() time.Time

	mu         sync.RWMutex
	cpuPercent float64
	memPercent float64
	sampledAt  time.Time
	failures   int
	calls      []time.Time

	workflowsFn  func() int
	queueDepthFn func() int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithSampler replaces the OS-backed sampler.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a Monitor with the given budget.
func NewMonitor(limits domain.ResourceLimits, cfg Config, log logger.Logger, opts ...Option) *Monitor {
	cfg.setDefaults()
	if log == nil {
		log = logger.NewNop()
	}

	m := &Monitor{
		limits:  limits,
		cfg:     cfg,
		sampler: NewHostSampler(),
		logger:  log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Limits returns the configured resource budget.
func (m *Monitor) Limits() domain.ResourceLimits {
	return m.limits
}

// SetWorkflowCountProvider registers the active-workflow counter.
// Must be called before Start().
func (m *Monitor) SetWorkflowCountProvider(fn func() int) {
	m.workflowsFn = fn
}

// SetQueueDepthProvider registers the queue-depth counter.
// Must be called before Start().
func (m *Monitor) SetQueueDepthProvider(fn func() int) {
	m.queueDepthFn = fn
}

// Start launches the background sampling loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	// Prime the snapshot so the first admission check has data.
	m.Refresh(ctx)

	m.wg.Add(1)
	go m.sampleLoop(ctx)

	m.logger.Info("resource monitor started",
		logger.Duration("sample_interval", m.cfg.SampleInterval),
		logger.Duration("call_window", m.cfg.CallWindow),
	)
}

// Stop terminates the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh samples the host immediately. Failures count toward the
// fail-closed threshold; success resets it.
func (m *Monitor) Refresh(ctx context.Context) {
	cpuPct, memPct, err := m.sampler.Sample(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.failures++
		if m.failures >= m.cfg.FailClosedAfter {
			m.logger.Error("resource sampling failing, treating host as over limit",
				logger.Int("consecutive_failures", m.failures),
				logger.Error(err),
			)
		} else {
			m.logger.Warn("resource sampling failed, keeping stale snapshot",
				logger.Int("consecutive_failures", m.failures),
				logger.Error(err),
			)
		}
		return
	}

	m.failures = 0
	m.cpuPercent = cpuPct
	m.memPercent = memPct
	m.sampledAt = m.now()
}

// RecordCall notes one external API call at the current instant.
func (m *Monitor) RecordCall() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, now)
	if len(m.calls) > callsPruneThreshold {
		m.calls = m.pruneCallsLocked(now)
	}
}

// pruneCallsLocked drops entries older than the sliding window.
func (m *Monitor) pruneCallsLocked(now time.Time) []time.Time {
	cutoff := now.Add(-m.cfg.CallWindow)
	kept := m.calls[:0]
	for _, t := range m.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Usage returns the current snapshot, combining the sampled host figures
// with live caller-reported counters.
func (m *Monitor) Usage() domain.ResourceUsage {
	now := m.now()

	m.mu.Lock()
	m.calls = m.pruneCallsLocked(now)
	usage := domain.ResourceUsage{
		CPUPercent:         m.cpuPercent,
		MemoryPercent:      m.memPercent,
		APICallsLastMinute: len(m.calls),
		SampledAt:          m.sampledAt,
		Stale:              m.failures > 0,
	}
	failedClosed := m.failures >= m.cfg.FailClosedAfter
	m.mu.Unlock()

	if m.workflowsFn != nil {
		usage.ActiveWorkflows = m.workflowsFn()
	}
	if m.queueDepthFn != nil {
		usage.QueueDepth = m.queueDepthFn()
	}

	if failedClosed {
		// Fail closed: report the host portion as saturated so admission
		// stops until sampling recovers.
		usage.CPUPercent = m.limits.MaxCPUPercent + 1
		usage.MemoryPercent = m.limits.MaxMemoryPercent + 1
	}

	return usage
}

// CanAcceptNewWork reports whether every tracked resource is within budget.
func (m *Monitor) CanAcceptNewWork() bool {
	return !m.Usage().OverLimit(m.limits)
}

// ThrottlingDelay returns how long admission should wait before starting new
// work: zero when under budget, otherwise proportional to the worst overage
// and capped. External-call exhaustion forces at least a full window's wait.
func (m *Monitor) ThrottlingDelay() time.Duration {
	usage := m.Usage()

	var delay time.Duration
	if worst := usage.WorstOverageRatio(m.limits); worst > 1.0 {
		delay = time.Duration((worst - 1.0) * float64(delayPerOverage))
		if delay > m.cfg.MaxThrottleDelay {
			delay = m.cfg.MaxThrottleDelay
		}
		// Rounding can produce a zero delay for marginal overages; always
		// impose a floor so over-limit never means "go ahead".
		if delay < time.Second {
			delay = time.Second
		}
	}

	if usage.APIRateExhausted(m.limits) && delay < m.cfg.CallWindow {
		delay = m.cfg.CallWindow
	}

	// When failing closed there is no trustworthy host data; wait out a full
	// sampling period before the next attempt.
	m.mu.RLock()
	failedClosed := m.failures >= m.cfg.FailClosedAfter
	m.mu.RUnlock()
	if failedClosed && delay < m.cfg.SampleInterval {
		delay = m.cfg.SampleInterval
	}

	if delay > 0 {
		m.logger.Debug("throttling admission",
			logger.Duration("delay", delay),
			logger.Float64("cpu_percent", usage.CPUPercent),
			logger.Float64("memory_percent", usage.MemoryPercent),
			logger.Int("active_workflows", usage.ActiveWorkflows),
			logger.Int("api_calls_last_minute", usage.APICallsLastMinute),
			logger.Int("queue_depth", usage.QueueDepth),
		)
	}
	return delay
}
