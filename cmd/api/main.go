package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/helioform/polyscape/internal/access"
	"github.com/helioform/polyscape/internal/api"
	"github.com/helioform/polyscape/internal/auth"
	"github.com/helioform/polyscape/internal/config"
	"github.com/helioform/polyscape/internal/logger"
	"github.com/helioform/polyscape/internal/notify"
	"github.com/helioform/polyscape/internal/repository"
	"github.com/helioform/polyscape/internal/service"
	"github.com/helioform/polyscape/internal/storage"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "polyscape-api",
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize storage (supports MinIO, R2, S3)
	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}

	// Ensure bucket exists
	ctx := context.Background()
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
	}

	// Initialize token verification
	keyset := auth.NewKeysetCache(nil, cfg.Auth.JWKSURL, cfg.Auth.KeysetTTL)
	verifier := auth.NewVerifier(&cfg.Auth, keyset, appLogger)

	// Initialize repositories
	assetRepo := repository.NewAssetRepository(db)
	jobRepo := repository.NewJobRepository(db)
	projectRepo := repository.NewProjectRepository(db)

	// Initialize services
	mediator := access.NewMediator(projectRepo)
	dispatcher := notify.NewDispatcher(&cfg.Jobs.Dispatch, appLogger)
	pipelineService := service.NewPipelineService(jobRepo, assetRepo, dispatcher, appLogger, &cfg.Jobs)
	uploadService := service.NewUploadService(assetRepo, projectRepo, jobRepo, pipelineService, mediator, objectStorage, appLogger, &cfg.Uploads)
	assetService := service.NewAssetService(assetRepo, projectRepo, jobRepo, mediator, objectStorage, appLogger, &cfg.Uploads)

	// Setup router
	router := api.SetupRouter(&api.Dependencies{
		Verifier: verifier,
		Pipeline: pipelineService,
		Uploads:  uploadService,
		Assets:   assetService,
		DB:       db,
		Logger:   appLogger,
	}, &cfg.Server)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
