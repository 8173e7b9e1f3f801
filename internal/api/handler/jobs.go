package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/helioform/polyscape/internal/api/middleware"
	"github.com/helioform/polyscape/internal/domain"
	"github.com/helioform/polyscape/internal/service"
)

// JobsHandler handles the worker-facing job pipeline endpoints.
type JobsHandler struct {
	pipeline *service.PipelineService
}

// NewJobsHandler creates a new jobs handler.
// Parameters:
//   - pipeline: pipeline service instance.
// Returns:
//   - *JobsHandler: initialized handler.
func NewJobsHandler(pipeline *service.PipelineService) *JobsHandler {
	return &JobsHandler{pipeline: pipeline}
}

type createJobRequest struct {
	AssetID string `json:"asset_id" binding:"required"`
	JobType string `json:"job_type" binding:"required"`
	RawKey  string `json:"raw_key" binding:"required"`
}

// Create handles POST /api/v1/jobs/create.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobsHandler) Create(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	job, created, err := h.pipeline.CreateJob(c.Request.Context(), req.AssetID, domain.JobType(req.JobType), req.RawKey)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"job": job, "created": created})
}

// Poll handles GET /api/v1/jobs/poll. The worker's identity subject is the
// claimant; worker_type narrows the claim to a comma-separated set of job
// types. An empty queue answers 204.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobsHandler) Poll(c *gin.Context) {
	id := middleware.Identity(c)
	if id == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing credentials"})
		return
	}

	var types []domain.JobType
	if raw := c.Query("worker_type"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				types = append(types, domain.JobType(part))
			}
		}
	}

	job, err := h.pipeline.ClaimNext(c.Request.Context(), id.Subject, types)
	if err != nil {
		respondError(c, err)
		return
	}
	if job == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

type updateJobRequest struct {
	Status       string `json:"status"`
	Progress     *int   `json:"progress"`
	ErrorMessage string `json:"error_message"`
}

// Update handles POST /api/v1/jobs/:id/update. One endpoint serves two
// reports: a progress update (no status, or status "processing") and a
// terminal failure (status "failed"). Completion has its own endpoint.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobsHandler) Update(c *gin.Context) {
	id := middleware.Identity(c)
	if id == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing credentials"})
		return
	}
	jobID := c.Param("id")

	var req updateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	switch req.Status {
	case "", string(domain.JobStatusProcessing):
		if req.Progress == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "progress is required"})
			return
		}
		job, err := h.pipeline.ReportProgress(c.Request.Context(), jobID, id.Subject, *req.Progress)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job})
	case string(domain.JobStatusFailed):
		job, err := h.pipeline.ReportFailure(c.Request.Context(), jobID, id.Subject, req.ErrorMessage)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be omitted, processing or failed"})
	}
}

type completeJobRequest struct {
	FinalKey  string `json:"final_key" binding:"required"`
	AssetType string `json:"asset_type"`
	FinalSize int64  `json:"final_size"`
}

// Complete handles POST /api/v1/jobs/:id/complete.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobsHandler) Complete(c *gin.Context) {
	id := middleware.Identity(c)
	if id == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing credentials"})
		return
	}
	jobID := c.Param("id")

	var req completeJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	job, err := h.pipeline.Complete(c.Request.Context(), jobID, id.Subject, req.FinalKey, domain.AssetType(req.AssetType), req.FinalSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}
