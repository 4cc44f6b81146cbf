package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/scheduler"
)

// errorStatus maps engine errors to HTTP status codes: invalid input is 400,
// unknown ids are 404, stopped-or-running conflicts are 409, and a full
// queue is 429.
func errorStatus(err error) int {
	switch {
	case domain.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrSchedulerStopped), errors.Is(err, scheduler.ErrRequestRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError sends the JSON error envelope.
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// respondEngineError translates an engine error into the error envelope.
func respondEngineError(c *gin.Context, err error) {
	respondError(c, errorStatus(err), err.Error())
}

// parseLimit parses the limit query param, falling back on bad input.
func parseLimit(c *gin.Context, fallback int) int {
	raw := c.DefaultQuery("limit", strconv.Itoa(fallback))
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
