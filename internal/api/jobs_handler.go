package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// JobsHandler serves the recurring-job control endpoints.
type JobsHandler struct {
	engine Engine
}

func newJobsHandler(engine Engine) *JobsHandler {
	return &JobsHandler{engine: engine}
}

// Create handles POST /api/v1/jobs.
func (h *JobsHandler) Create(c *gin.Context) {
	var body createJobBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	spec, err := body.toSpec()
	if err != nil {
		respondEngineError(c, err)
		return
	}

	id, err := h.engine.ScheduleRecurringJob(spec)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	job, err := h.engine.GetJob(id)
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{"job_id": id})
		return
	}
	c.JSON(http.StatusCreated, job)
}

// List handles GET /api/v1/jobs.
func (h *JobsHandler) List(c *gin.Context) {
	jobs := h.engine.ListJobs()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// Get handles GET /api/v1/jobs/:id.
func (h *JobsHandler) Get(c *gin.Context) {
	job, err := h.engine.GetJob(c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Pause handles POST /api/v1/jobs/:id/pause.
func (h *JobsHandler) Pause(c *gin.Context) {
	h.control(c, h.engine.PauseJob)
}

// Resume handles POST /api/v1/jobs/:id/resume.
func (h *JobsHandler) Resume(c *gin.Context) {
	h.control(c, h.engine.ResumeJob)
}

// Cancel handles DELETE /api/v1/jobs/:id.
func (h *JobsHandler) Cancel(c *gin.Context) {
	h.control(c, h.engine.CancelJob)
}

// control applies one job state transition and responds with the updated job.
func (h *JobsHandler) control(c *gin.Context, op func(string) error) {
	id := c.Param("id")
	if err := op(id); err != nil {
		respondEngineError(c, err)
		return
	}

	job, err := h.engine.GetJob(id)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
