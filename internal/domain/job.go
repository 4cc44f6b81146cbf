package domain

import (
	"fmt"
	"time"
)

// JobStatus represents a scheduled job's state in the state machine.
type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ValidateJobTransition checks if a job status transition is valid.
// Returns an error if the transition is not allowed.
func ValidateJobTransition(from, to JobStatus) error {
	validTransitions := map[JobStatus][]JobStatus{
		JobScheduled: {
			JobRunning,   // Cron fired and a worker claimed the run
			JobPaused,    // Manual pause
			JobCompleted, // Max run count already reached, nothing left to run
			JobCancelled, // Manual cancellation
		},
		JobRunning: {
			JobScheduled, // Run finished, next run pending
			JobCompleted, // Run finished and max run count reached
			JobFailed,    // Run exhausted its retries
			JobCancelled, // Manual cancellation during execution
		},
		JobPaused: {
			JobScheduled, // Manual resume
			JobCancelled, // Manual cancellation
		},
		JobFailed: {
			JobScheduled, // Manual resume after failure
			JobCancelled,
		},
		// Terminal states
		JobCompleted: {},
		JobCancelled: {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source status: %s", from)
	}

	for _, a := range allowed {
		if a == to {
			return nil
		}
	}

	return fmt.Errorf("invalid job transition from %s to %s", from, to)
}

// IsTerminalJobStatus checks if a status is terminal (no further transitions).
func IsTerminalJobStatus(s JobStatus) bool {
	return s == JobCompleted || s == JobCancelled
}

// RetryPolicy bounds scheduler-level retries for a job's runs.
// The delay is fixed per retry, not exponential.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Delay      time.Duration `json:"delay"`
}

// DefaultRetryPolicy is applied when a job does not set its own policy.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, Delay: 30 * time.Second}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return NewValidationError("retry_policy", "max retries cannot be negative")
	}
	if p.Delay < 0 {
		return NewValidationError("retry_policy", "delay cannot be negative")
	}
	return nil
}

// ScheduledJob is a recurring job definition. The scheduler owns all mutable
// fields; callers only read snapshots.
type ScheduledJob struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	CronExpr string    `json:"cron_expr"`
	Config   JobConfig `json:"config"`

	// MaxRuns caps the total number of runs; 0 means unlimited.
	MaxRuns int `json:"max_runs"`

	// DependsOn lists prerequisite job ids that must have completed at
	// least one run before this job becomes ready.
	DependsOn []string `json:"depends_on,omitempty"`

	Retry   RetryPolicy `json:"retry"`
	Enabled bool        `json:"enabled"`

	Status    JobStatus  `json:"status"`
	RunCount  int        `json:"run_count"`
	CreatedAt time.Time  `json:"created_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt time.Time  `json:"next_run_at"`
	LastError string     `json:"last_error,omitempty"`
}

// IsReady reports whether the job should be dispatched at the given instant.
// A job is ready only when it is enabled and schedulable, its next-run time
// has passed, and every prerequisite job appears in the completed set.
func (j *ScheduledJob) IsReady(now time.Time, completed map[string]bool) bool {
	if !j.Enabled || j.Status != JobScheduled {
		return false
	}
	if j.NextRunAt.After(now) {
		return false
	}
	for _, dep := range j.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// MaxRunsReached reports whether the configured run cap has been hit.
func (j *ScheduledJob) MaxRunsReached() bool {
	return j.MaxRuns > 0 && j.RunCount >= j.MaxRuns
}

// CanPause checks if the job can be paused in its current status.
func (j *ScheduledJob) CanPause() bool {
	return j.Status == JobScheduled || j.Status == JobRunning
}

// CanResume checks if the job can be resumed from its current status.
func (j *ScheduledJob) CanResume() bool {
	return j.Status == JobPaused || j.Status == JobFailed
}

// CanCancel checks if the job can be cancelled in its current status.
func (j *ScheduledJob) CanCancel() bool {
	return !IsTerminalJobStatus(j.Status)
}

// Clone returns a copy safe to hand outside the scheduler lock.
func (j *ScheduledJob) Clone() *ScheduledJob {
	cp := *j
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		cp.LastRunAt = &t
	}
	cp.DependsOn = append([]string(nil), j.DependsOn...)
	return &cp
}
