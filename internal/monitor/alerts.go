package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/logger"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether the severity is a known level.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

// Comparison is the operator a rule applies to the observed value.
type Comparison string

const (
	ComparisonLT  Comparison = "lt"
	ComparisonLTE Comparison = "lte"
	ComparisonGT  Comparison = "gt"
	ComparisonGTE Comparison = "gte"
)

// IsValid reports whether the comparison is a known operator.
func (c Comparison) IsValid() bool {
	switch c {
	case ComparisonLT, ComparisonLTE, ComparisonGT, ComparisonGTE:
		return true
	default:
		return false
	}
}

func (c Comparison) compare(observed, threshold float64) bool {
	switch c {
	case ComparisonLT:
		return observed < threshold
	case ComparisonLTE:
		return observed <= threshold
	case ComparisonGT:
		return observed > threshold
	case ComparisonGTE:
		return observed >= threshold
	default:
		return false
	}
}

// Metric names addressable by alert rules.
const (
	MetricSuccessRate     = "success_rate"
	MetricErrorRate       = "error_rate"
	MetricThroughput      = "throughput"
	MetricQualityScore    = "quality_score"
	MetricDurationSeconds = "duration_seconds"
	MetricItemsFailed     = "items_failed"
)

// metricValue resolves a rule metric against a finalized record. Quality is
// skipped when the operation never reported one.
func metricValue(rec OperationMetrics, metric string) (float64, bool) {
	switch metric {
	case MetricSuccessRate:
		return rec.SuccessRate, true
	case MetricErrorRate:
		return rec.ErrorRate(), true
	case MetricThroughput:
		return rec.Throughput, true
	case MetricQualityScore:
		return rec.QualityScore, rec.QualityScore > 0
	case MetricDurationSeconds:
		return rec.Duration.Seconds(), true
	case MetricItemsFailed:
		return float64(rec.ItemsFailed), true
	default:
		return 0, false
	}
}

// knownMetric reports whether rules may address the metric.
func knownMetric(metric string) bool {
	switch metric {
	case MetricSuccessRate, MetricErrorRate, MetricThroughput,
		MetricQualityScore, MetricDurationSeconds, MetricItemsFailed:
		return true
	default:
		return false
	}
}

// Rule is one threshold check evaluated against every finalized record.
type Rule struct {
	Name       string     `json:"name"`
	Metric     string     `json:"metric"`
	Comparison Comparison `json:"comparison"`
	Threshold  float64    `json:"threshold"`
	Severity   Severity   `json:"severity"`
}

// Validate checks the rule is well formed.
func (r Rule) Validate() error {
	if r.Name == "" {
		return domain.NewValidationError("name", "is required")
	}
	if !knownMetric(r.Metric) {
		return domain.NewValidationError("metric", fmt.Sprintf("unknown metric %q", r.Metric))
	}
	if !r.Comparison.IsValid() {
		return domain.NewValidationError("comparison", fmt.Sprintf("unknown comparison %q", r.Comparison))
	}
	if !r.Severity.IsValid() {
		return domain.NewValidationError("severity", fmt.Sprintf("unknown severity %q", r.Severity))
	}
	return nil
}

func (r Rule) breached(observed float64) bool {
	return r.Comparison.compare(observed, r.Threshold)
}

// DefaultRules is the starter rule set the serve path installs. Throughput
// and duration thresholds are workload-specific and left to operators.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "low-success-rate", Metric: MetricSuccessRate, Comparison: ComparisonLT, Threshold: 0.75, Severity: SeverityWarning},
		{Name: "critical-success-rate", Metric: MetricSuccessRate, Comparison: ComparisonLTE, Threshold: 0.25, Severity: SeverityCritical},
		{Name: "low-quality-score", Metric: MetricQualityScore, Comparison: ComparisonLT, Threshold: 0.4, Severity: SeverityWarning},
		{Name: "operation-failed", Metric: MetricErrorRate, Comparison: ComparisonGTE, Threshold: 1.0, Severity: SeverityCritical},
	}
}

// AlertState is the lifecycle state of an alert.
type AlertState string

const (
	AlertActive       AlertState = "active"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

// Alert is one firing of a rule against one operation. At most one alert per
// rule and operation is open at a time; further identical breaches while it
// is open do not fire again.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	Severity   Severity   `json:"severity"`
	Metric     string     `json:"metric"`
	Comparison Comparison `json:"comparison"`
	Threshold  float64    `json:"threshold"`
	Observed   float64    `json:"observed"`
	State      AlertState `json:"state"`

	OperationName string `json:"operation_name"`
	ProjectID     string `json:"project_id,omitempty"`

	FiredAt        time.Time  `json:"fired_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// key identifies the open-alert slot used for suppression.
func (a *Alert) key() string {
	return a.RuleName + "|" + a.OperationName
}

// Callback receives each newly fired alert exactly once. Callbacks run
// outside the monitor lock; panics are recovered and logged.
type Callback func(Alert)

// AddRule registers a rule evaluated against every finalized record.
func (m *Monitor) AddRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid alert rule: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rules {
		if r.Name == rule.Name {
			return domain.NewValidationError("name", fmt.Sprintf("rule %q already registered", rule.Name))
		}
	}
	m.rules = append(m.rules, rule)
	return nil
}

// Rules returns the registered rules.
func (m *Monitor) Rules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Rule(nil), m.rules...)
}

// AddAlertCallback registers a notification callback for newly fired alerts.
func (m *Monitor) AddAlertCallback(fn Callback) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// evaluateRulesLocked checks every rule against a finalized record, opening
// new alerts and resolving recovered ones. The returned slices are value
// copies safe to use after the lock is released.
func (m *Monitor) evaluateRulesLocked(rec OperationMetrics) (fired, resolved []Alert) {
	now := m.now()

	for _, rule := range m.rules {
		observed, ok := metricValue(rec, rule.Metric)
		if !ok {
			continue
		}
		key := rule.Name + "|" + rec.OperationName
		open := m.open[key]

		if !rule.breached(observed) {
			if open != nil {
				resolvedAt := now
				open.State = AlertResolved
				open.ResolvedAt = &resolvedAt
				delete(m.open, key)
				resolved = append(resolved, *open)
			}
			continue
		}
		if open != nil {
			// Identical breach while the alert is open: suppressed.
			continue
		}

		alert := &Alert{
			ID:            uuid.New().String(),
			RuleName:      rule.Name,
			Severity:      rule.Severity,
			Metric:        rule.Metric,
			Comparison:    rule.Comparison,
			Threshold:     rule.Threshold,
			Observed:      observed,
			State:         AlertActive,
			OperationName: rec.OperationName,
			ProjectID:     rec.ProjectID,
			FiredAt:       now,
		}
		m.open[key] = alert
		m.alerts = append(m.alerts, alert)
		if len(m.alerts) > m.cfg.AlertHistoryLimit {
			m.alerts = m.alerts[len(m.alerts)-m.cfg.AlertHistoryLimit:]
		}
		fired = append(fired, *alert)
	}
	return fired, resolved
}

// Alerts returns the alert history, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, len(m.alerts))
	for i, a := range m.alerts {
		out[i] = *a
	}
	return out
}

// ActiveAlerts returns open alerts (active or acknowledged), oldest first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0, len(m.open))
	for _, a := range m.open {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FiredAt.Equal(out[j].FiredAt) {
			return out[i].FiredAt.Before(out[j].FiredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AcknowledgeAlert marks an active alert acknowledged. It stays open, so the
// same breach remains suppressed until it resolves.
func (m *Monitor) AcknowledgeAlert(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert := m.findAlertLocked(id)
	if alert == nil {
		return fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	if alert.State != AlertActive {
		return domain.NewValidationError("state", fmt.Sprintf("cannot acknowledge a %s alert", alert.State))
	}

	now := m.now()
	alert.State = AlertAcknowledged
	alert.AcknowledgedAt = &now
	return nil
}

// ResolveAlert closes an open alert. The same rule may fire again for the
// operation afterwards.
func (m *Monitor) ResolveAlert(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert := m.findAlertLocked(id)
	if alert == nil {
		return fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	if alert.State == AlertResolved {
		return domain.NewValidationError("state", "alert is already resolved")
	}

	now := m.now()
	alert.State = AlertResolved
	alert.ResolvedAt = &now
	delete(m.open, alert.key())
	return nil
}

func (m *Monitor) findAlertLocked(id string) *Alert {
	for _, a := range m.alerts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// notify fans one alert out to the callbacks, recovering panics so a broken
// callback cannot take down the worker that finished the operation.
func (m *Monitor) notify(alert Alert, callbacks []Callback) {
	for _, cb := range callbacks {
		m.dispatch(cb, alert)
	}
}

func (m *Monitor) dispatch(cb Callback, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("alert callback panicked",
				logger.String("alert_id", alert.ID),
				logger.String("rule", alert.RuleName),
				logger.Any("panic", r),
			)
		}
	}()
	cb(alert)
}
