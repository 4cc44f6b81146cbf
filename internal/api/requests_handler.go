package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequestsHandler serves the scoring-request admission endpoints.
type RequestsHandler struct {
	engine Engine
}

func newRequestsHandler(engine Engine) *RequestsHandler {
	return &RequestsHandler{engine: engine}
}

// Create handles POST /api/v1/requests.
func (h *RequestsHandler) Create(c *gin.Context) {
	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req, priority, maxWait, err := body.toRequest()
	if err != nil {
		respondEngineError(c, err)
		return
	}

	id, err := h.engine.QueuePriorityRequest(req, priority, maxWait)
	if err != nil {
		respondEngineError(c, err)
		return
	}

	// Admission settles the status synchronously: usually queued, but an
	// already-expired deadline dead-letters the request immediately.
	snap, err := h.engine.GetRequestStatus(id)
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{"request_id": id})
		return
	}
	c.JSON(http.StatusAccepted, snap)
}

// Get handles GET /api/v1/requests/:id.
func (h *RequestsHandler) Get(c *gin.Context) {
	snap, err := h.engine.GetRequestStatus(c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Cancel handles DELETE /api/v1/requests/:id.
func (h *RequestsHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.engine.CancelRequest(id); err != nil {
		respondEngineError(c, err)
		return
	}

	snap, err := h.engine.GetRequestStatus(id)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"request_id": id, "status": "cancelled"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
