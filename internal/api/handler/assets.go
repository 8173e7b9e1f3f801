package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/helioform/polyscape/internal/api/middleware"
	"github.com/helioform/polyscape/internal/service"
)

// AssetsHandler handles asset reads: status polling, signed downloads and
// the byte-stream proxy.
type AssetsHandler struct {
	assets *service.AssetService
}

// NewAssetsHandler creates a new assets handler.
// Parameters:
//   - assets: asset read service instance.
// Returns:
//   - *AssetsHandler: initialized handler.
func NewAssetsHandler(assets *service.AssetService) *AssetsHandler {
	return &AssetsHandler{assets: assets}
}

// Get handles GET /api/v1/assets/:id.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AssetsHandler) Get(c *gin.Context) {
	detail, err := h.assets.Get(c.Request.Context(), middleware.Identity(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// List handles GET /api/v1/assets.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AssetsHandler) List(c *gin.Context) {
	projectID := c.Query("project_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	assets, err := h.assets.List(c.Request.Context(), middleware.Identity(c), projectID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"assets": assets,
		"limit":  limit,
		"offset": offset,
	})
}

type signedURLRequest struct {
	AssetID     string `json:"asset_id" binding:"required"`
	Disposition string `json:"disposition"`
}

// SignedURL handles POST /api/v1/signed-url.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AssetsHandler) SignedURL(c *gin.Context) {
	var req signedURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	url, err := h.assets.SignedDownload(c.Request.Context(), middleware.Identity(c), req.AssetID, req.Disposition)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// Proxy handles GET /api/v1/proxy-asset. It exists for viewers that cannot
// attach an Authorization header: the token rides in the query string and
// the response carries permissive CORS headers.
// Parameters:
//   - c: Gin request context.
// Returns: none (streams object bytes).
func (h *AssetsHandler) Proxy(c *gin.Context) {
	projectID := c.Query("project_id")
	assetKey := c.Query("asset_key")

	rc, info, err := h.assets.Proxy(c.Request.Context(), middleware.Identity(c), projectID, assetKey)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Range")

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, info.Size, contentType, rc, nil)
}
