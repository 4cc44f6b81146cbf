// Package telemetry provides OpenTelemetry instrumentation for the QVF
// engine. It exports Prometheus metrics and provides tracing capabilities.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "qvf"

// Metrics holds all QVF Prometheus metrics.
type Metrics struct {
	// Workflow metrics
	WorkflowsStarted  *prometheus.CounterVec
	WorkflowsFinished *prometheus.CounterVec
	WorkflowDuration  *prometheus.HistogramVec
	ItemsScored       prometheus.Counter
	ItemsFailed       prometheus.Counter
	EnhancementCalls  prometheus.Counter
	EnhancementFailed prometheus.Counter

	// Queue metrics
	QueueDepth      prometheus.Gauge
	RequestsQueued  *prometheus.CounterVec
	RequestsRetried prometheus.Counter
	DeadLettered    *prometheus.CounterVec
	QueueWait       prometheus.Histogram

	// Scheduler metrics
	ActiveWorkers  prometheus.Gauge
	CronDispatched prometheus.Counter
	CronDeferred   prometheus.Counter
	ThrottleTotal  prometheus.Counter

	// Alerting metrics
	AlertsFired *prometheus.CounterVec
}

// Provider wraps telemetry providers.
type Provider struct {
	Tracer  trace.Tracer
	Metrics *Metrics
}

// NewProvider initializes telemetry with Prometheus metrics.
func NewProvider() *Provider {
	return &Provider{
		Tracer:  otel.Tracer(serviceName),
		Metrics: initMetrics(),
	}
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.Handler()
}

func initMetrics() *Metrics {
	m := &Metrics{}
	initWorkflowMetrics(m)
	initQueueMetrics(m)
	initSchedulerMetrics(m)
	initAlertMetrics(m)
	return m
}

func initWorkflowMetrics(m *Metrics) {
	m.WorkflowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qvf_workflows_started_total",
		Help: "Total scoring workflows started, by execution mode",
	}, []string{"mode"})

	m.WorkflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qvf_workflows_finished_total",
		Help: "Total scoring workflows finished, by terminal status",
	}, []string{"status"})

	m.WorkflowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qvf_workflow_duration_seconds",
		Help:    "End-to-end scoring workflow duration",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"status"})

	m.ItemsScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qvf_items_scored_total",
		Help: "Total items scored and persisted",
	})

	m.ItemsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qvf_items_failed_total",
		Help: "Total items that failed scoring or persistence",
	})

	m.EnhancementCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qvf_enhancement_calls_total",
		Help: "Total enhancement attempts",
	})

	m.EnhancementFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qvf_enhancement_failed_total",
		Help: "Total enhancement attempts that fell back to stored fields",
	})
}

func initQueueMetrics(m *Metrics) {
	m.QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qvf_queue_depth",
		Help: "Current requests waiting in the priority queue",
	})

	m.RequestsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qvf_requests_queued_total",
		Help: "Total requests admitted to the queue, by priority",
	}, []string{"priority"})

	m.RequestsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qvf_requests_retried_total",
		Help: "Total request execution retries",
	})

	m.DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qvf_dead_lettered_total",
		Help: "Total requests moved to the dead-letter queue, by reason",
	}, []string{"reason"})

	m.QueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qvf_queue_wait_seconds",
		Help:    "Time between enqueue and execution start",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
}

func initSchedulerMetrics(m *Metrics) {
	m.ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qvf_active_workers",
		Help: "Workers currently executing a request",
	})

	m.CronDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qvf_cron_dispatched_total",
		Help: "Total scheduled job runs converted into queued requests",
	})

	m.CronDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qvf_cron_deferred_total",
		Help: "Total scheduled job runs deferred by resource pressure",
	})

	m.ThrottleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qvf_throttle_total",
		Help: "Number of times a worker slept on a throttling delay",
	})
}

func initAlertMetrics(m *Metrics) {
	m.AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qvf_alerts_fired_total",
		Help: "Total alerts fired, by severity",
	}, []string{"severity"})
}

// RecordWorkflowStart records a workflow entering the running state.
func (p *Provider) RecordWorkflowStart(mode string) {
	p.Metrics.WorkflowsStarted.WithLabelValues(mode).Inc()
}

// RecordWorkflowFinish records a workflow reaching a terminal status.
func (p *Provider) RecordWorkflowFinish(status string, duration time.Duration, succeeded, failed int) {
	p.Metrics.WorkflowsFinished.WithLabelValues(status).Inc()
	p.Metrics.WorkflowDuration.WithLabelValues(status).Observe(duration.Seconds())
	p.Metrics.ItemsScored.Add(float64(succeeded))
	p.Metrics.ItemsFailed.Add(float64(failed))
}

// RecordEnhancement records one enhancement attempt.
func (p *Provider) RecordEnhancement(failed bool) {
	p.Metrics.EnhancementCalls.Inc()
	if failed {
		p.Metrics.EnhancementFailed.Inc()
	}
}

// RecordEnqueue records a request admitted to the queue.
func (p *Provider) RecordEnqueue(priority string) {
	p.Metrics.RequestsQueued.WithLabelValues(priority).Inc()
}

// RecordDeadLetter records a request reaching the dead-letter queue.
func (p *Provider) RecordDeadLetter(reason string) {
	p.Metrics.DeadLettered.WithLabelValues(reason).Inc()
}

// RecordQueueWait records how long a request waited before execution.
func (p *Provider) RecordQueueWait(wait time.Duration) {
	p.Metrics.QueueWait.Observe(wait.Seconds())
}

// SetQueueDepth sets the current queue depth gauge.
func (p *Provider) SetQueueDepth(depth int) {
	p.Metrics.QueueDepth.Set(float64(depth))
}

// SetActiveWorkers sets the busy worker gauge.
func (p *Provider) SetActiveWorkers(n int) {
	p.Metrics.ActiveWorkers.Set(float64(n))
}

// RecordAlert records a fired alert.
func (p *Provider) RecordAlert(severity string) {
	p.Metrics.AlertsFired.WithLabelValues(severity).Inc()
}

// StartSpan starts a new trace span.
// The caller is responsible for ending the span with span.End().
//
//nolint:spancheck // Caller is responsible for ending the span
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := p.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, span
}
