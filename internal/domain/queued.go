package domain

import "time"

// RequestStatus is the lifecycle state of a queued request.
type RequestStatus string

const (
	// RequestQueued means the request is waiting in the priority queue.
	RequestQueued RequestStatus = "queued"
	// RequestRunning means a worker has claimed the request.
	RequestRunning RequestStatus = "running"
	// RequestRetrying means a failed attempt is waiting out its backoff
	// before being requeued.
	RequestRetrying RequestStatus = "retrying"
	// RequestCompleted means the request finished successfully.
	RequestCompleted RequestStatus = "completed"
	// RequestFailed means the request exhausted its retries.
	RequestFailed RequestStatus = "failed"
	// RequestExpired means the deadline passed before execution.
	RequestExpired RequestStatus = "expired"
	// RequestCancelled means the request was withdrawn before completing.
	RequestCancelled RequestStatus = "cancelled"
)

// IsTerminal returns true when no further transitions are possible.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestCompleted, RequestFailed, RequestExpired, RequestCancelled:
		return true
	default:
		return false
	}
}

// QueuedRequest wraps a ScoringRequest while it waits in the priority queue.
// It is owned by the scheduler until a worker claims it; the claiming worker
// is then its sole owner until it reaches a terminal status or is requeued.
type QueuedRequest struct {
	Request  *ScoringRequest `json:"request"`
	Priority Priority        `json:"priority"`

	EnqueuedAt time.Time  `json:"enqueued_at"`
	Deadline   *time.Time `json:"deadline,omitempty"`

	Status     RequestStatus `json:"status"`
	Attempts   int           `json:"attempts"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
	LastError  string        `json:"last_error,omitempty"`

	// JobID links a cron-originated request back to its ScheduledJob so the
	// completed-job set can be updated for dependency gating.
	JobID string `json:"job_id,omitempty"`

	// Seq breaks priority ties: lower sequence numbers dequeue first.
	Seq uint64 `json:"-"`

	// Index is maintained by the heap.
	Index int `json:"-"`
}

// Expired reports whether the deadline has passed at the given instant.
// A deadline equal to now counts as expired so a zero max-wait request is
// never handed to a worker.
func (q *QueuedRequest) Expired(now time.Time) bool {
	return q.Deadline != nil && !q.Deadline.After(now)
}

// RetriesExhausted reports whether another attempt is allowed.
func (q *QueuedRequest) RetriesExhausted() bool {
	return q.Attempts > q.MaxRetries
}

// Snapshot returns a read-only view of the request state.
func (q *QueuedRequest) Snapshot() RequestSnapshot {
	snap := RequestSnapshot{
		RequestID:  q.Request.ID,
		Status:     q.Status,
		Priority:   q.Priority,
		EnqueuedAt: q.EnqueuedAt,
		Attempts:   q.Attempts,
		MaxRetries: q.MaxRetries,
		LastError:  q.LastError,
		JobID:      q.JobID,
	}
	if q.Deadline != nil {
		d := *q.Deadline
		snap.Deadline = &d
	}
	return snap
}

// RequestSnapshot is the externally visible status of a queued request.
type RequestSnapshot struct {
	RequestID  string        `json:"request_id"`
	Status     RequestStatus `json:"status"`
	Priority   Priority      `json:"priority"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Deadline   *time.Time    `json:"deadline,omitempty"`
	Attempts   int           `json:"attempts"`
	MaxRetries int           `json:"max_retries"`
	LastError  string        `json:"last_error,omitempty"`
	JobID      string        `json:"job_id,omitempty"`
}

// DeadLetterReason explains why a request was dead-lettered.
type DeadLetterReason string

const (
	// DeadLetterExpired means the deadline passed while the request was queued.
	DeadLetterExpired DeadLetterReason = "expired"
	// DeadLetterRetriesExhausted means every allowed attempt failed.
	DeadLetterRetriesExhausted DeadLetterReason = "retries_exhausted"
	// DeadLetterCancelled means the request was cancelled while queued.
	DeadLetterCancelled DeadLetterReason = "cancelled"
)

// DeadLetter is the terminal record of a request that will not be processed.
type DeadLetter struct {
	RequestID      string           `json:"request_id"`
	Reason         DeadLetterReason `json:"reason"`
	LastError      string           `json:"last_error,omitempty"`
	Attempts       int              `json:"attempts"`
	Priority       Priority         `json:"priority"`
	EnqueuedAt     time.Time        `json:"enqueued_at"`
	DeadLetteredAt time.Time        `json:"dead_lettered_at"`
}
