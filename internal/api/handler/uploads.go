package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/helioform/polyscape/internal/api/middleware"
	"github.com/helioform/polyscape/internal/domain"
	"github.com/helioform/polyscape/internal/service"
)

// UploadsHandler handles the user-facing upload lifecycle endpoints.
type UploadsHandler struct {
	uploads *service.UploadService
}

// NewUploadsHandler creates a new uploads handler.
// Parameters:
//   - uploads: upload service instance.
// Returns:
//   - *UploadsHandler: initialized handler.
func NewUploadsHandler(uploads *service.UploadService) *UploadsHandler {
	return &UploadsHandler{uploads: uploads}
}

type uploadURLRequest struct {
	ProjectID     string `json:"project_id" binding:"required"`
	Filename      string `json:"filename" binding:"required"`
	ContentType   string `json:"content_type"`
	Category      string `json:"category" binding:"required"`
	RetentionDays int    `json:"retention_days"`
}

// RequestUpload handles POST /api/v1/upload-url.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *UploadsHandler) RequestUpload(c *gin.Context) {
	var req uploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	slot, err := h.uploads.RequestUpload(c.Request.Context(), middleware.Identity(c), &service.UploadRequest{
		ProjectID:     req.ProjectID,
		Filename:      req.Filename,
		ContentType:   req.ContentType,
		Category:      domain.AssetCategory(req.Category),
		RetentionDays: req.RetentionDays,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

type uploadCompleteRequest struct {
	AssetID string `json:"asset_id" binding:"required"`
}

// UploadComplete handles POST /api/v1/upload-complete.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *UploadsHandler) UploadComplete(c *gin.Context) {
	var req uploadCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	result, err := h.uploads.UploadComplete(c.Request.Context(), middleware.Identity(c), req.AssetID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Delete handles DELETE /api/v1/assets/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *UploadsHandler) Delete(c *gin.Context) {
	if err := h.uploads.Delete(c.Request.Context(), middleware.Identity(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
