// Package monitor records per-operation metrics, evaluates alert rules
// against every finished operation, and scores each run against a rolling
// per-operation baseline. One mutex serializes record appends and alert
// evaluation; notification callbacks always run outside it.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quantvalue/qvf/internal/logger"
	"github.com/quantvalue/qvf/internal/telemetry"
)

// Default tuning values.
const (
	DefaultRetentionPeriod        = 24 * time.Hour
	DefaultPruneInterval          = 10 * time.Minute
	DefaultMaxRecordsPerOperation = 1000
	DefaultBaselineWindow         = 20
	DefaultAlertHistoryLimit      = 500
)

// Config tunes the metrics store, the analyzer baseline, and alerting.
type Config struct {
	RetentionPeriod        time.Duration
	PruneInterval          time.Duration
	MaxRecordsPerOperation int
	BaselineWindow         int
	AlertHistoryLimit      int
}

func (c *Config) setDefaults() {
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = DefaultRetentionPeriod
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.MaxRecordsPerOperation <= 0 {
		c.MaxRecordsPerOperation = DefaultMaxRecordsPerOperation
	}
	if c.BaselineWindow <= 0 {
		c.BaselineWindow = DefaultBaselineWindow
	}
	if c.AlertHistoryLimit <= 0 {
		c.AlertHistoryLimit = DefaultAlertHistoryLimit
	}
}

// series holds one operation's bounded record history plus the latest
// analyzer verdict.
type series struct {
	records []OperationMetrics
	latest  Assessment
}

// Monitor owns the time-series store, the alert rules, and the performance
// analyzer.
type Monitor struct {
	cfg       Config
	telemetry *telemetry.Provider
	logger    logger.Logger
	now       func() time.Time

	mu        sync.RWMutex
	series    map[string]*series
	rules     []Rule
	open      map[string]*Alert
	alerts    []*Alert
	callbacks []Callback

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config, tel *telemetry.Provider, log logger.Logger, opts ...Option) (*Monitor, error) {
	if tel == nil {
		return nil, errors.New("monitor: telemetry provider is required")
	}
	cfg.setDefaults()
	if log == nil {
		log = logger.NewNop()
	}

	m := &Monitor{
		cfg:       cfg,
		telemetry: tel,
		logger:    log,
		now:       time.Now,
		series:    make(map[string]*series),
		open:      make(map[string]*Alert),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start launches the background retention pass.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.pruneLoop(ctx)

	m.logger.Info("operation monitor started",
		logger.Duration("retention_period", m.cfg.RetentionPeriod),
		logger.Duration("prune_interval", m.cfg.PruneInterval),
		logger.Int("baseline_window", m.cfg.BaselineWindow),
	)
}

// Stop terminates the retention pass and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) pruneLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Prune()
		}
	}
}

// Prune drops records that fell out of the retention window.
func (m *Monitor) Prune() {
	cutoff := m.now().Add(-m.cfg.RetentionPeriod)

	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped int
	for name, s := range m.series {
		kept := s.records[:0]
		for _, rec := range s.records {
			if rec.CompletedAt.After(cutoff) {
				kept = append(kept, rec)
			}
		}
		dropped += len(s.records) - len(kept)
		if len(kept) == 0 {
			delete(m.series, name)
			continue
		}
		s.records = kept
	}

	if dropped > 0 {
		m.logger.Debug("pruned operation metrics",
			logger.Int("dropped", dropped),
			logger.Time("cutoff", cutoff),
		)
	}
}

// Track opens a metrics record for one operation. The handle is owned by the
// tracked goroutine until Finish, which finalizes the record and stores it.
func (m *Monitor) Track(ctx context.Context, operationName, projectID string) *Tracking {
	_, span := m.telemetry.StartSpan(ctx, "monitor.operation",
		attribute.String("operation", operationName),
		attribute.String("project_id", projectID),
	)

	return &Tracking{
		mon:  m,
		span: span,
		rec: OperationMetrics{
			ID:            uuid.New().String(),
			OperationName: operationName,
			ProjectID:     projectID,
			StartedAt:     m.now(),
			Context:       make(map[string]any),
		},
	}
}

// finalize appends a finished record, runs the analyzer against the trailing
// baseline, and evaluates alert rules. Fired alerts are fanned out to the
// callbacks after the lock is released.
func (m *Monitor) finalize(rec OperationMetrics) {
	m.mu.Lock()
	s := m.series[rec.OperationName]
	if s == nil {
		s = &series{}
		m.series[rec.OperationName] = s
	}

	// The baseline covers only the runs preceding this one.
	base := computeBaseline(s.records, m.cfg.BaselineWindow)

	s.records = append(s.records, rec)
	if len(s.records) > m.cfg.MaxRecordsPerOperation {
		s.records = s.records[len(s.records)-m.cfg.MaxRecordsPerOperation:]
	}

	assessment := analyze(rec, base, m.now())
	s.latest = assessment

	fired, resolved := m.evaluateRulesLocked(rec)
	callbacks := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	m.logger.Debug("operation recorded",
		logger.String("operation", rec.OperationName),
		logger.String("operation_id", rec.ID),
		logger.Bool("success", rec.Success),
		logger.Int("processed", rec.ItemsProcessed),
		logger.Int("failed", rec.ItemsFailed),
		logger.Duration("duration", rec.Duration),
		logger.Float64("analyzer_score", assessment.Score),
	)
	if len(assessment.Anomalies) > 0 {
		m.logger.Warn("operation anomalies detected",
			logger.String("operation", rec.OperationName),
			logger.Float64("score", assessment.Score),
			logger.Strings("anomalies", assessment.Anomalies),
		)
	}

	for _, alert := range resolved {
		m.logger.Info("alert resolved",
			logger.String("alert_id", alert.ID),
			logger.String("rule", alert.RuleName),
			logger.String("operation", alert.OperationName),
		)
	}
	for _, alert := range fired {
		m.telemetry.RecordAlert(string(alert.Severity))
		m.logger.Warn("alert fired",
			logger.String("alert_id", alert.ID),
			logger.String("rule", alert.RuleName),
			logger.String("severity", string(alert.Severity)),
			logger.String("operation", alert.OperationName),
			logger.String("metric", alert.Metric),
			logger.Float64("observed", alert.Observed),
			logger.Float64("threshold", alert.Threshold),
		)
		m.notify(alert, callbacks)
	}
}

// Records returns the retained records for one operation, oldest first.
func (m *Monitor) Records(operationName string) []OperationMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.series[operationName]
	if s == nil {
		return nil
	}
	return append([]OperationMetrics(nil), s.records...)
}

// Assessment returns the latest analyzer verdict for one operation.
func (m *Monitor) Assessment(operationName string) (Assessment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.series[operationName]
	if s == nil || s.latest.GeneratedAt.IsZero() {
		return Assessment{}, false
	}
	return s.latest, true
}
