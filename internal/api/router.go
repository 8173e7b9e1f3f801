package api

import (
	"github.com/gin-gonic/gin"
	"github.com/helioform/polyscape/internal/api/handler"
	"github.com/helioform/polyscape/internal/api/middleware"
	"github.com/helioform/polyscape/internal/auth"
	"github.com/helioform/polyscape/internal/config"
	"github.com/helioform/polyscape/internal/logger"
	"github.com/helioform/polyscape/internal/service"
	"gorm.io/gorm"
)

// Dependencies bundles everything the HTTP layer needs.
type Dependencies struct {
	Verifier *auth.Verifier
	Pipeline *service.PipelineService
	Uploads  *service.UploadService
	Assets   *service.AssetService
	DB       *gorm.DB
	Logger   *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps *Dependencies, cfg *config.ServerConfig) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	// Create handlers
	authMW := middleware.NewAuthMiddleware(deps.Verifier)
	healthHandler := handler.NewHealthHandler(deps.DB)
	jobsHandler := handler.NewJobsHandler(deps.Pipeline)
	uploadsHandler := handler.NewUploadsHandler(deps.Uploads)
	assetsHandler := handler.NewAssetsHandler(deps.Assets)

	// Health checks
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Upload lifecycle and asset reads (user credential)
		user := v1.Group("", authMW.User())
		{
			user.POST("/upload-url", uploadsHandler.RequestUpload)
			user.POST("/upload-complete", uploadsHandler.UploadComplete)
			user.POST("/signed-url", assetsHandler.SignedURL)
			user.GET("/assets", assetsHandler.List)
			user.GET("/assets/:id", assetsHandler.Get)
			user.DELETE("/assets/:id", uploadsHandler.Delete)

			// Token arrives via query string here; viewers cannot set headers
			user.GET("/proxy-asset", assetsHandler.Proxy)
		}

		// Job pipeline (service credential)
		jobs := v1.Group("/jobs", authMW.Service())
		{
			jobs.POST("/create", jobsHandler.Create)
			jobs.GET("/poll", jobsHandler.Poll)
			jobs.POST("/:id/update", jobsHandler.Update)
			jobs.POST("/:id/complete", jobsHandler.Complete)
		}
	}

	return r
}
