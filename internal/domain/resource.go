package domain

import "time"

// ResourceLimits is the static resource budget the engine schedules against.
// A limit of zero or below disables tracking for that resource.
type ResourceLimits struct {
	MaxCPUPercent          float64 `json:"max_cpu_percent" mapstructure:"max_cpu_percent"`
	MaxMemoryPercent       float64 `json:"max_memory_percent" mapstructure:"max_memory_percent"`
	MaxConcurrentWorkflows int     `json:"max_concurrent_workflows" mapstructure:"max_concurrent_workflows"`
	MaxAPICallsPerMinute   int     `json:"max_api_calls_per_minute" mapstructure:"max_api_calls_per_minute"`
	MaxQueueDepth          int     `json:"max_queue_depth" mapstructure:"max_queue_depth"`
}

// ResourceUsage is a point-in-time snapshot of observed load.
type ResourceUsage struct {
	CPUPercent         float64   `json:"cpu_percent"`
	MemoryPercent      float64   `json:"memory_percent"`
	ActiveWorkflows    int       `json:"active_workflows"`
	APICallsLastMinute int       `json:"api_calls_last_minute"`
	QueueDepth         int       `json:"queue_depth"`
	SampledAt          time.Time `json:"sampled_at"`

	// Stale marks a snapshot whose OS-level figures could not be refreshed.
	Stale bool `json:"stale,omitempty"`
}

// ratio returns used/limit, or 0 when the resource is untracked.
func ratio(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return used / limit
}

// OverLimit reports whether any tracked resource exceeds its limit.
func (u ResourceUsage) OverLimit(l ResourceLimits) bool {
	return u.WorstOverageRatio(l) > 1.0
}

// WorstOverageRatio returns the highest used/limit ratio across tracked
// resources. A value above 1.0 means at least one resource is over budget.
func (u ResourceUsage) WorstOverageRatio(l ResourceLimits) float64 {
	worst := ratio(u.CPUPercent, l.MaxCPUPercent)
	if r := ratio(u.MemoryPercent, l.MaxMemoryPercent); r > worst {
		worst = r
	}
	if r := ratio(float64(u.ActiveWorkflows), float64(l.MaxConcurrentWorkflows)); r > worst {
		worst = r
	}
	if r := ratio(float64(u.APICallsLastMinute), float64(l.MaxAPICallsPerMinute)); r > worst {
		worst = r
	}
	if r := ratio(float64(u.QueueDepth), float64(l.MaxQueueDepth)); r > worst {
		worst = r
	}
	return worst
}

// APIRateExhausted reports whether the external-call budget is spent.
// Exhaustion forces a full sliding-window wait regardless of other load.
func (u ResourceUsage) APIRateExhausted(l ResourceLimits) bool {
	return l.MaxAPICallsPerMinute > 0 && u.APICallsLastMinute >= l.MaxAPICallsPerMinute
}
