package domain

import (
	"fmt"
	"time"
)

// WorkflowStatus is the lifecycle state of a scoring workflow.
type WorkflowStatus string

const (
	// WorkflowPending means the workflow has been created but not started.
	WorkflowPending WorkflowStatus = "pending"
	// WorkflowRunning means stage execution is in progress.
	WorkflowRunning WorkflowStatus = "running"
	// WorkflowCompleted means all stages finished; partial item failures
	// are recorded in the counts but do not change this status.
	WorkflowCompleted WorkflowStatus = "completed"
	// WorkflowFailed means an error escaped a stage.
	WorkflowFailed WorkflowStatus = "failed"
	// WorkflowCancelled means cancellation was honored at a stage boundary.
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsTerminal returns true when no further transitions are possible.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// ValidateWorkflowTransition checks if a workflow status transition is valid.
// Returns an error if the transition is not allowed.
func ValidateWorkflowTransition(from, to WorkflowStatus) error {
	validTransitions := map[WorkflowStatus][]WorkflowStatus{
		WorkflowPending: {
			WorkflowRunning,   // Execution started
			WorkflowCancelled, // Cancelled before the first stage
		},
		WorkflowRunning: {
			WorkflowCompleted, // All stages finished
			WorkflowFailed,    // A stage error escaped
			WorkflowCancelled, // Cancellation honored at a stage boundary
		},
		// Terminal states
		WorkflowCompleted: {},
		WorkflowFailed:    {},
		WorkflowCancelled: {},
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

	return fmt.Errorf("invalid workflow transition from %s to %s", from, to)
}

// WorkflowResult is the outcome of one workflow execution. It is created at
// workflow start, mutated only by the owning workflow, and read-only after
// the workflow reaches a terminal status.
type WorkflowResult struct {
	WorkflowID string         `json:"workflow_id"`
	RequestID  string         `json:"request_id"`
	Status     WorkflowStatus `json:"status"`

	// Counts
	ItemsProcessed int `json:"items_processed"`
	ItemsSucceeded int `json:"items_succeeded"`
	ItemsFailed    int `json:"items_failed"`
	ItemsSkipped   int `json:"items_skipped"`

	// Timing
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`

	// Scores
	Summary *ScoreSummary `json:"summary,omitempty"`
	Scores  []Score       `json:"scores,omitempty"`

	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// SuccessRate returns the fraction of processed items that succeeded.
func (r *WorkflowResult) SuccessRate() float64 {
	if r.ItemsProcessed == 0 {
		return 1.0
	}
	return float64(r.ItemsSucceeded) / float64(r.ItemsProcessed)
}

// Finalize stamps completion time and duration.
func (r *WorkflowResult) Finalize(status WorkflowStatus, now time.Time) {
	r.Status = status
	r.CompletedAt = &now
	r.Duration = now.Sub(r.StartedAt)
}
