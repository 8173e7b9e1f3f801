package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/helioform/polyscape/internal/logger"
	"github.com/helioform/polyscape/internal/service"
)

// respondError maps service errors onto HTTP statuses. Validation and
// conflict details are surfaced to the caller; internal failures are logged
// and returned as an opaque 500.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, service.ErrWorkerMismatch), errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.CtxError(c.Request.Context(), "Request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
