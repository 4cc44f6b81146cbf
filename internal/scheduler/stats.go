package scheduler

import "sync"

// Stats is a point-in-time snapshot of scheduler activity counters.
type Stats struct {
	Executions     int64 `json:"executions"`
	Succeeded      int64 `json:"succeeded"`
	Failed         int64 `json:"failed"`
	Retried        int64 `json:"retried"`
	DeadLettered   int64 `json:"dead_lettered"`
	CronDispatched int64 `json:"cron_dispatched"`
	CronDeferred   int64 `json:"cron_deferred"`
}

// statsRecorder accumulates scheduler counters behind its own lock so hot
// paths never contend with the scheduler mutex.
type statsRecorder struct {
	mu    sync.RWMutex
	stats Stats
}

func (r *statsRecorder) RecordExecution() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Executions++
}

func (r *statsRecorder) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Succeeded++
}

func (r *statsRecorder) RecordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Failed++
}

func (r *statsRecorder) RecordRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Retried++
}

func (r *statsRecorder) RecordDeadLetter() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.DeadLettered++
}

func (r *statsRecorder) RecordCronDispatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.CronDispatched++
}

func (r *statsRecorder) RecordCronDeferral() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.CronDeferred++
}

// Snapshot returns a copy of the current counters.
func (r *statsRecorder) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
