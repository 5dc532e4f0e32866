package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fleet/internal/config"
	"fleet/internal/di"
	"fleet/internal/shared/logging"
)

func main() {
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting fleet worker...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Log configuration for debugging
	logger.Info("=== Fleet Worker Configuration ===")
	logger.Info("Worker ID: %s", cfg.Worker.WorkerID)
	logger.Info("Agent Name: %s", cfg.Worker.AgentName)
	logger.Info("Capabilities: %s", strings.Join(cfg.Worker.Capabilities, ","))
	logger.Info("Concurrency: %d", cfg.Worker.MaxConcurrentTasks)
	logger.Info("Poll Interval: %s", cfg.Worker.PollInterval)
	logger.Info("Heartbeat Interval: %s", cfg.Worker.HeartbeatInterval)
	logger.Info("Max Runtime: %s", cfg.Worker.MaxRuntime)
	logger.Info("Drain Timeout: %s", cfg.Worker.DrainTimeout)
	logger.Info("Agent Runtime: %s", cfg.Worker.RuntimeURL)
	logger.Info("Database: %s", config.RedactedDSN(cfg.DatabaseURL))
	logger.Info("==================================")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := di.BuildWorkerContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
	defer func() {
		if err := container.Cleanup(); err != nil {
			log.Printf("Failed to cleanup container: %v", err)
		}
	}()

	// Run the pool in a goroutine so signals interrupt promptly. The
	// pool drains in-flight executions itself once ctx is cancelled.
	errCh := make(chan error, 1)
	go func() {
		errCh <- container.Pool.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Draining worker pool...")
		cancel()
		if err := <-errCh; err != nil {
			log.Fatalf("Worker pool error: %v", err)
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Worker pool error: %v", err)
		}
	}

	logger.Info("Worker stopped")
}
