package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet/internal/config"
	"fleet/internal/di"
	"fleet/internal/server/httpapi"
	"fleet/internal/shared/async"
	"fleet/internal/shared/logging"
)

func main() {
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting fleet server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Log configuration for debugging
	logger.Info("=== Fleet Server Configuration ===")
	logger.Info("HTTP Port: %d", cfg.HTTPPort)
	logger.Info("Metrics Port: %d", cfg.MetricsPort)
	logger.Info("Database: %s", config.RedactedDSN(cfg.DatabaseURL))
	logger.Info("Lease Duration: %s", cfg.Queue.LeaseDuration)
	logger.Info("Max Attempts: %d", cfg.Queue.MaxAttempts)
	logger.Info("Stuck Timeout: %s", cfg.Queue.StuckTimeout)
	logger.Info("Reaper Interval: %s", cfg.Queue.ReaperInterval)
	logger.Info("Auth Tokens: %d configured", len(cfg.AuthTokens))
	logger.Info("==================================")

	// Root context cancelled on shutdown; the reaper loop hangs off it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := di.BuildContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize container: %v", err)
	}
	defer func() {
		if err := container.Cleanup(); err != nil {
			log.Printf("Failed to cleanup container: %v", err)
		}
	}()

	handler := httpapi.NewHandler(httpapi.Config{
		AuthTokens:    cfg.AuthTokens,
		LeaseDuration: cfg.Queue.LeaseDuration,
	}, httpapi.Deps{
		Queue:    container.Queue,
		Store:    container.Store,
		Registry: container.Registry,
		Courier:  container.Courier,
		Pinger:   container.Store,
		Logger:   logging.NewComponentLogger("API"),
	})
	router := httpapi.NewRouter(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for SSE
		IdleTimeout:  120 * time.Second,
	}

	// Background repair loop: lease reclaim, overdue expiry, stale
	// worker sweep, notification retries.
	async.Go(logger, "reaper", func() { container.Reaper.Run(ctx) })

	// Start server in goroutine
	go func() {
		logger.Info("Server listening on :%d", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server stopped")
}
