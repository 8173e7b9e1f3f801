package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/helioform/polyscape/internal/config"
	"github.com/helioform/polyscape/internal/logger"
	"github.com/helioform/polyscape/internal/storage"
	"github.com/helioform/polyscape/internal/worker"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "polyscape-worker",
	})
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Parse command line flags
	types := flag.String("types", "", "Comma-separated job types to claim (overrides config)")
	once := flag.Bool("once", false, "Process at most one job, then exit")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if *types != "" {
		cfg.Worker.Types = strings.Split(*types, ",")
	}

	// Workers identify themselves by hostname plus a random suffix so
	// several instances per host stay distinguishable in claims and logs.
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	// Initialize storage (supports MinIO, R2, S3)
	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}

	// Initialize pipeline client
	client, err := worker.NewClient(&worker.ClientConfig{
		BaseURL:  cfg.Worker.APIURL,
		WorkerID: workerID,
		Token:    cfg.Worker.Token,
		Secret:   cfg.Auth.ServiceSecret,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize pipeline client")
	}

	runner := worker.NewRunner(client, objectStorage, appLogger, &cfg.Worker, workerID)

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, finishing in-flight job...")
		cancel()
	}()

	if *once {
		processed, err := runner.Poll(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to process job")
		}
		if !processed {
			appLogger.Info("No queued jobs")
		}
		return
	}

	if err := runner.Run(ctx); err != nil {
		appLogger.WithError(err).Fatal("Worker exited with error")
	}
}
