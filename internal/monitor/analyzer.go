package monitor

import (
	"fmt"
	"time"
)

// Analyzer tuning. Deductions come off a starting score of 100.
const (
	// minBaselineSamples is how many prior runs an operation needs before
	// baseline comparisons apply.
	minBaselineSamples = 3

	durationSpikeRatio  = 1.5
	throughputDropRatio = 0.5
	errorRateSpikeDelta = 0.10

	errorRateWeight   = 40.0
	failurePenalty    = 30.0
	durationPenalty   = 15.0
	throughputPenalty = 15.0
)

// Baseline is the trailing per-operation average new runs are compared to.
type Baseline struct {
	Samples       int           `json:"samples"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgThroughput float64       `json:"avg_throughput"`
	AvgErrorRate  float64       `json:"avg_error_rate"`
}

func (b Baseline) ready() bool {
	return b.Samples >= minBaselineSamples
}

// Assessment is the analyzer verdict for one finalized operation.
type Assessment struct {
	OperationName   string    `json:"operation_name"`
	Score           float64   `json:"score"`
	Anomalies       []string  `json:"anomalies,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Baseline        Baseline  `json:"baseline"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// computeBaseline averages the trailing window of finalized records.
func computeBaseline(records []OperationMetrics, window int) Baseline {
	if len(records) == 0 || window <= 0 {
		return Baseline{}
	}
	start := len(records) - window
	if start < 0 {
		start = 0
	}
	tail := records[start:]

	var dur time.Duration
	var throughput, errRate float64
	for _, rec := range tail {
		dur += rec.Duration
		throughput += rec.Throughput
		errRate += rec.ErrorRate()
	}

	n := len(tail)
	return Baseline{
		Samples:       n,
		AvgDuration:   dur / time.Duration(n),
		AvgThroughput: throughput / float64(n),
		AvgErrorRate:  errRate / float64(n),
	}
}

// analyze scores one finalized record against its trailing baseline and
// collects anomalies and recommendations.
func analyze(rec OperationMetrics, base Baseline, now time.Time) Assessment {
	a := Assessment{
		OperationName: rec.OperationName,
		Score:         100,
		Baseline:      base,
		GeneratedAt:   now,
	}

	errRate := rec.ErrorRate()
	if rec.ItemsProcessed > 0 && errRate > 0 {
		a.Score -= errRate * errorRateWeight
		a.Recommendations = append(a.Recommendations, fmt.Sprintf(
			"%.0f%% of items failed; inspect the per-item errors in the workflow result",
			errRate*100))
	}
	if !rec.Success {
		a.Score -= failurePenalty
		a.Recommendations = append(a.Recommendations,
			"operation failed outright; check the recorded error before rerunning")
	}

	if base.ready() {
		if base.AvgDuration > 0 && float64(rec.Duration) > durationSpikeRatio*float64(base.AvgDuration) {
			a.Score -= durationPenalty
			a.Anomalies = append(a.Anomalies, fmt.Sprintf(
				"duration %s is %.1fx the trailing average %s",
				rec.Duration, float64(rec.Duration)/float64(base.AvgDuration), base.AvgDuration))
			a.Recommendations = append(a.Recommendations,
				"operation ran well over its baseline; check store latency or shrink the batch size")
		}
		if base.AvgThroughput > 0 && rec.Throughput < throughputDropRatio*base.AvgThroughput {
			a.Score -= throughputPenalty
			a.Anomalies = append(a.Anomalies, fmt.Sprintf(
				"throughput %.1f items/s is below half the trailing average %.1f items/s",
				rec.Throughput, base.AvgThroughput))
			a.Recommendations = append(a.Recommendations,
				"throughput dropped sharply against baseline; consider raising chunk concurrency")
		}
		if errRate > base.AvgErrorRate+errorRateSpikeDelta {
			a.Anomalies = append(a.Anomalies, fmt.Sprintf(
				"error rate %.0f%% is above the trailing average %.0f%%",
				errRate*100, base.AvgErrorRate*100))
		}
	}

	if a.Score < 0 {
		a.Score = 0
	}
	return a
}
