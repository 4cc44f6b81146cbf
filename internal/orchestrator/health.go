package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// Status grades the engine's health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// statusRank orders statuses by severity for aggregation.
func statusRank(s Status) int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

func worse(a, b Status) Status {
	if statusRank(b) > statusRank(a) {
		return b
	}
	return a
}

// queueDegradedRatio marks the queue as degraded once depth reaches this
// fraction of capacity.
const queueDegradedRatio = 0.9

// Check is the outcome of one health probe.
type Check struct {
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// Health is the aggregate health report. Status carries the worst of the
// individual checks.
type Health struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	CheckedAt time.Time        `json:"checked_at"`
}

// HealthCheck probes the item store, the scoring engine, resource pressure,
// and the scheduler. An unreachable store or a failing engine makes the
// engine unhealthy; resource pressure, staleness, a stopped scheduler, or a
// near-full queue only degrade it.
func (o *Orchestrator) HealthCheck(ctx context.Context) Health {
	h := Health{
		Status:    StatusHealthy,
		Checks:    make(map[string]Check, 4),
		CheckedAt: o.now(),
	}

	h.Checks["item_store"] = o.checkStore(ctx)
	h.Checks["scoring_engine"] = o.checkEngine(ctx)
	h.Checks["resources"] = o.checkResources()
	h.Checks["scheduler"] = o.checkScheduler()

	for _, c := range h.Checks {
		h.Status = worse(h.Status, c.Status)
	}
	return h
}

func (o *Orchestrator) checkStore(ctx context.Context) Check {
	n, err := o.deps.Store.CountItems(ctx)
	if err != nil {
		return Check{Status: StatusUnhealthy, Detail: fmt.Sprintf("item store unreachable: %v", err)}
	}
	return Check{Status: StatusHealthy, Detail: fmt.Sprintf("%d items reachable", n)}
}

func (o *Orchestrator) checkEngine(ctx context.Context) Check {
	// Scoring an empty batch exercises the engine without touching data.
	if _, err := o.deps.Engine.Score(ctx, nil, nil); err != nil {
		return Check{Status: StatusUnhealthy, Detail: fmt.Sprintf("scoring engine failing: %v", err)}
	}
	return Check{Status: StatusHealthy, Detail: "scoring engine responsive"}
}

func (o *Orchestrator) checkResources() Check {
	usage := o.deps.Resources.Usage()
	limits := o.deps.Resources.Limits()
	switch {
	case usage.Stale:
		return Check{Status: StatusDegraded, Detail: "resource usage sample is stale"}
	case usage.OverLimit(limits):
		return Check{
			Status: StatusDegraded,
			Detail: fmt.Sprintf("resource limits exceeded (cpu %.1f%%, mem %.1f%%, workflows %d, api calls %d)",
				usage.CPUPercent, usage.MemoryPercent, usage.ActiveWorkflows, usage.APICallsLastMinute),
		}
	default:
		return Check{Status: StatusHealthy, Detail: "within limits"}
	}
}

func (o *Orchestrator) checkScheduler() Check {
	if !o.scheduler.IsRunning() {
		return Check{Status: StatusDegraded, Detail: fmt.Sprintf("scheduler %s", o.scheduler.State())}
	}
	depth := o.scheduler.QueueDepth()
	capacity := o.cfg.Scheduler.MaxQueueDepth
	if float64(depth) >= queueDegradedRatio*float64(capacity) {
		return Check{Status: StatusDegraded, Detail: fmt.Sprintf("queue near capacity (%d of %d)", depth, capacity)}
	}
	return Check{Status: StatusHealthy, Detail: fmt.Sprintf("running, queue %d of %d", depth, capacity)}
}
