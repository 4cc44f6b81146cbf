package monitor

import (
	"sort"
	"time"
)

// Filters narrows a report to matching records.
type Filters struct {
	Operation string `json:"operation,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

func (f Filters) match(rec OperationMetrics) bool {
	if f.Operation != "" && rec.OperationName != f.Operation {
		return false
	}
	if f.ProjectID != "" && rec.ProjectID != f.ProjectID {
		return false
	}
	return true
}

// OperationReport aggregates one operation's runs within a report window.
type OperationReport struct {
	Operation      string        `json:"operation"`
	Runs           int           `json:"runs"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	ItemsProcessed int           `json:"items_processed"`
	ItemsSucceeded int           `json:"items_succeeded"`
	ItemsFailed    int           `json:"items_failed"`
	SuccessRate    float64       `json:"success_rate"`
	AvgDuration    time.Duration `json:"avg_duration"`
	AvgThroughput  float64       `json:"avg_throughput"`
	AvgQuality     float64       `json:"avg_quality,omitempty"`
	Assessment     Assessment    `json:"assessment"`
}

// Report is the aggregate view served by the metrics endpoint.
type Report struct {
	GeneratedAt        time.Time         `json:"generated_at"`
	TimeRange          time.Duration     `json:"time_range,omitempty"` // zero covers everything retained
	TotalRuns          int               `json:"total_runs"`
	SucceededRuns      int               `json:"succeeded_runs"`
	FailedRuns         int               `json:"failed_runs"`
	ItemsProcessed     int               `json:"items_processed"`
	OverallSuccessRate float64           `json:"overall_success_rate"`
	Operations         []OperationReport `json:"operations"`
	OpenAlerts         int               `json:"open_alerts"`
	AlertsBySeverity   map[string]int    `json:"alerts_by_severity"`
}

// Report aggregates retained records per operation, sorted by name.
// timeRange <= 0 covers everything still retained.
func (m *Monitor) Report(timeRange time.Duration, filters Filters) Report {
	now := m.now()
	if timeRange < 0 {
		timeRange = 0
	}
	var cutoff time.Time
	if timeRange > 0 {
		cutoff = now.Add(-timeRange)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	report := Report{
		GeneratedAt:      now,
		TimeRange:        timeRange,
		AlertsBySeverity: make(map[string]int),
	}

	names := make([]string, 0, len(m.series))
	for name := range m.series {
		names = append(names, name)
	}
	sort.Strings(names)

	var itemsSucceeded int
	for _, name := range names {
		s := m.series[name]
		op := OperationReport{Operation: name, Assessment: s.latest}

		var dur time.Duration
		var throughput, quality float64
		for _, rec := range s.records {
			if !cutoff.IsZero() && !rec.CompletedAt.After(cutoff) {
				continue
			}
			if !filters.match(rec) {
				continue
			}
			op.Runs++
			if rec.Success {
				op.Succeeded++
			} else {
				op.Failed++
			}
			op.ItemsProcessed += rec.ItemsProcessed
			op.ItemsSucceeded += rec.ItemsSucceeded
			op.ItemsFailed += rec.ItemsFailed
			dur += rec.Duration
			throughput += rec.Throughput
			quality += rec.QualityScore
		}
		if op.Runs == 0 {
			continue
		}

		op.AvgDuration = dur / time.Duration(op.Runs)
		op.AvgThroughput = throughput / float64(op.Runs)
		op.AvgQuality = quality / float64(op.Runs)
		if op.ItemsProcessed > 0 {
			op.SuccessRate = float64(op.ItemsSucceeded) / float64(op.ItemsProcessed)
		} else {
			op.SuccessRate = 1.0
		}

		report.Operations = append(report.Operations, op)
		report.TotalRuns += op.Runs
		report.SucceededRuns += op.Succeeded
		report.FailedRuns += op.Failed
		report.ItemsProcessed += op.ItemsProcessed
		itemsSucceeded += op.ItemsSucceeded
	}

	if report.ItemsProcessed > 0 {
		report.OverallSuccessRate = float64(itemsSucceeded) / float64(report.ItemsProcessed)
	} else {
		report.OverallSuccessRate = 1.0
	}

	for _, a := range m.open {
		report.OpenAlerts++
		report.AlertsBySeverity[string(a.Severity)]++
	}
	return report
}
