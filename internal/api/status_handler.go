package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantvalue/qvf/internal/monitor"
	"github.com/quantvalue/qvf/internal/orchestrator"
)

const (
	defaultReportRange  = 24 * time.Hour
	defaultResultsLimit = 20
)

// StatusHandler serves the introspection endpoints: health, queue state,
// dead letters, metrics reports, alerts, and recent results.
type StatusHandler struct {
	engine Engine
}

func newStatusHandler(engine Engine) *StatusHandler {
	return &StatusHandler{engine: engine}
}

// Health handles GET /health. Degraded still serves 200 so load balancers
// keep routing; only unhealthy returns 503.
func (h *StatusHandler) Health(c *gin.Context) {
	health := h.engine.HealthCheck(c.Request.Context())

	status := http.StatusOK
	if health.Status == orchestrator.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// QueueStatus handles GET /api/v1/queue/status.
func (h *StatusHandler) QueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"queue": h.engine.GetQueueStatus(),
		"stats": h.engine.SchedulerStats(),
	})
}

// DeadLetters handles GET /api/v1/queue/dead-letters.
func (h *StatusHandler) DeadLetters(c *gin.Context) {
	letters := h.engine.DeadLetters()
	c.JSON(http.StatusOK, gin.H{
		"dead_letters": letters,
		"total":        len(letters),
	})
}

// MetricsReport handles GET /api/v1/metrics/report. The range query param is
// a Go duration string; operation and project_id narrow the report.
func (h *StatusHandler) MetricsReport(c *gin.Context) {
	timeRange := defaultReportRange
	if raw := c.Query("range"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid range: "+err.Error())
			return
		}
		timeRange = parsed
	}

	report := h.engine.GetComprehensiveMetrics(timeRange, monitor.Filters{
		Operation: c.Query("operation"),
		ProjectID: c.Query("project_id"),
	})
	c.JSON(http.StatusOK, report)
}

// Alerts handles GET /api/v1/alerts. Active alerts by default; state=all
// returns the bounded history.
func (h *StatusHandler) Alerts(c *gin.Context) {
	var alerts []monitor.Alert
	switch state := c.DefaultQuery("state", "active"); state {
	case "active":
		alerts = h.engine.ActiveAlerts()
	case "all":
		alerts = h.engine.Alerts()
	default:
		respondError(c, http.StatusBadRequest, "invalid state: must be active or all")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

// Results handles GET /api/v1/results, newest first.
func (h *StatusHandler) Results(c *gin.Context) {
	limit := parseLimit(c, defaultResultsLimit)
	results := h.engine.RecentResults(limit)
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"total":   len(results),
	})
}
