// Package api implements the HTTP ops surface of the scoring engine:
// request admission, job control, queue and health introspection, and the
// prometheus metrics endpoint.
package api

import (
	"context"
	"time"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/monitor"
	"github.com/quantvalue/qvf/internal/orchestrator"
	"github.com/quantvalue/qvf/internal/scheduler"
)

// Engine is the slice of the orchestrator the handlers call.
type Engine interface {
	QueuePriorityRequest(req *domain.ScoringRequest, priority domain.Priority, maxWait time.Duration) (string, error)
	GetRequestStatus(id string) (domain.RequestSnapshot, error)
	CancelRequest(id string) error

	ScheduleRecurringJob(spec scheduler.JobSpec) (string, error)
	GetJob(id string) (*domain.ScheduledJob, error)
	ListJobs() []*domain.ScheduledJob
	PauseJob(id string) error
	ResumeJob(id string) error
	CancelJob(id string) error

	GetQueueStatus() scheduler.QueueStatus
	SchedulerStats() scheduler.Stats
	DeadLetters() []domain.DeadLetter
	RecentResults(limit int) []*domain.WorkflowResult

	GetComprehensiveMetrics(timeRange time.Duration, filters monitor.Filters) monitor.Report
	Alerts() []monitor.Alert
	ActiveAlerts() []monitor.Alert

	HealthCheck(ctx context.Context) orchestrator.Health
}
