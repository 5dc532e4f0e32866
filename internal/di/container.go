// Package di wires the fleet object graph. Construction order is
// Store, Metrics, Registry, Dispatcher, Queue, Courier, Reaper;
// Cleanup tears down in reverse. No package-level singletons: every
// binary builds its own container and passes dependencies down.
package di

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet/internal/config"
	"fleet/internal/courier"
	"fleet/internal/dispatch"
	"fleet/internal/infra/postgres"
	"fleet/internal/observability"
	"fleet/internal/queue"
	"fleet/internal/reaper"
	"fleet/internal/registry"
	"fleet/internal/shared/logging"
	"fleet/internal/worker"
)

const (
	connectMaxTries    = 5
	cleanupGracePeriod = 5 * time.Second
)

// Container holds the control-plane dependency graph.
type Container struct {
	Config     *config.Config
	Store      *postgres.Store
	Metrics    *observability.MetricsCollector
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Queue      *queue.Service
	Courier    *courier.Courier
	Reaper     *reaper.Reaper

	logger logging.Logger
}

// BuildContainer constructs the full server graph and verifies the
// database is reachable.
func BuildContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	logger := logging.NewComponentLogger("DI")

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled:        cfg.MetricsPort > 0,
		PrometheusPort: cfg.MetricsPort,
	})
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	store, err := connectStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		shutdownMetrics(metrics, logger)
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		shutdownMetrics(metrics, logger)
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	reg := registry.New(metrics, logging.NewComponentLogger("Registry"))
	dispatcher := dispatch.New(store, reg, logging.NewComponentLogger("Dispatch"))
	queueSvc := queue.New(queue.Config{MaxAttempts: cfg.Queue.MaxAttempts},
		store, dispatcher, metrics, logging.NewComponentLogger("Queue"))

	sender := buildCourier(cfg.Notify, store, metrics)

	sweeper := reaper.New(reaper.Config{
		Interval:     cfg.Queue.ReaperInterval,
		StuckTimeout: cfg.Queue.StuckTimeout,
	}, store, dispatcher, sender, metrics, logging.NewComponentLogger("Reaper"))

	logger.Info("Container built (db=%s metrics_port=%d)",
		config.RedactedDSN(cfg.DatabaseURL), cfg.MetricsPort)

	return &Container{
		Config:     cfg,
		Store:      store,
		Metrics:    metrics,
		Registry:   reg,
		Dispatcher: dispatcher,
		Queue:      queueSvc,
		Courier:    sender,
		Reaper:     sweeper,
		logger:     logger,
	}, nil
}

// WorkerContainer holds the hosted-worker graph: just enough to claim
// runs, execute them, and deliver completion notifications.
type WorkerContainer struct {
	Config  *config.Config
	Store   *postgres.Store
	Metrics *observability.MetricsCollector
	Courier *courier.Courier
	Pool    *worker.Pool

	logger logging.Logger
}

// BuildWorkerContainer constructs the hosted worker pool graph.
func BuildWorkerContainer(ctx context.Context, cfg *config.Config) (*WorkerContainer, error) {
	logger := logging.NewComponentLogger("DI")

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled:        cfg.MetricsPort > 0,
		PrometheusPort: cfg.MetricsPort,
	})
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	store, err := connectStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		shutdownMetrics(metrics, logger)
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		shutdownMetrics(metrics, logger)
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	sender := buildCourier(cfg.Notify, store, metrics)

	runtime := worker.NewHTTPRuntime(worker.RuntimeConfig{
		BaseURL:    cfg.Worker.RuntimeURL,
		APIKey:     cfg.Worker.RuntimeAPIKey,
		MaxRetries: cfg.Worker.RuntimeRetries,
		Timeout:    cfg.Worker.MaxRuntime,
	}, logging.NewComponentLogger("AgentRuntime"))

	pool := worker.New(worker.Config{
		WorkerID:           cfg.Worker.WorkerID,
		AgentName:          cfg.Worker.AgentName,
		Capabilities:       cfg.Worker.Capabilities,
		MaxConcurrentTasks: cfg.Worker.MaxConcurrentTasks,
		PollInterval:       cfg.Worker.PollInterval,
		LeaseDuration:      cfg.Queue.LeaseDuration,
		HeartbeatInterval:  cfg.Worker.HeartbeatInterval,
		MaxRuntime:         cfg.Worker.MaxRuntime,
		DrainTimeout:       cfg.Worker.DrainTimeout,
	}, store, runtime, sender, metrics, logging.NewComponentLogger("Pool"))

	logger.Info("Worker container built (agent=%s db=%s)",
		cfg.Worker.AgentName, config.RedactedDSN(cfg.DatabaseURL))

	return &WorkerContainer{
		Config:  cfg,
		Store:   store,
		Metrics: metrics,
		Courier: sender,
		Pool:    pool,
		logger:  logger,
	}, nil
}

// Cleanup releases container resources in reverse construction order.
func (c *Container) Cleanup() error {
	if c == nil {
		return nil
	}
	err := shutdownMetrics(c.Metrics, c.logger)
	if c.Store != nil {
		c.Store.Close()
	}
	return err
}

// Cleanup releases worker container resources.
func (c *WorkerContainer) Cleanup() error {
	if c == nil {
		return nil
	}
	err := shutdownMetrics(c.Metrics, c.logger)
	if c.Store != nil {
		c.Store.Close()
	}
	return err
}

// connectStore dials Postgres with exponential backoff so the server
// survives a database that is still starting up alongside it.
func connectStore(ctx context.Context, databaseURL string, logger logging.Logger) (*postgres.Store, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxInterval = 10 * time.Second

	pool, err := backoff.Retry(ctx, func() (*pgxpool.Pool, error) {
		pool, err := postgres.Connect(ctx, databaseURL)
		if err != nil {
			logger.Warn("DI: postgres not ready: %v", err)
			return nil, err
		}
		return pool, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(connectMaxTries))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return postgres.New(pool), nil
}

// buildCourier assembles the notification courier with a webhook
// channel and either the configured email API or a stdout log channel
// for development.
func buildCourier(cfg config.NotifyConfig, store *postgres.Store, metrics *observability.MetricsCollector) *courier.Courier {
	sender := courier.New(courier.Config{
		MaxAttempts: cfg.MaxAttempts,
		SendTimeout: cfg.SendTimeout,
	}, store, metrics, logging.NewComponentLogger("Courier"))

	for _, ch := range notificationChannels(cfg) {
		sender.Register(ch)
	}
	return sender
}

// notificationChannels picks the concrete channel set for the config.
func notificationChannels(cfg config.NotifyConfig) []courier.Channel {
	channels := []courier.Channel{
		courier.NewWebhookChannel(courier.WithTimeout(cfg.SendTimeout)),
	}
	if cfg.EmailAPIURL != "" {
		channels = append(channels, courier.NewEmailChannel(courier.EmailConfig{
			APIURL:  cfg.EmailAPIURL,
			APIKey:  cfg.EmailAPIKey,
			From:    cfg.EmailFrom,
			Timeout: cfg.SendTimeout,
		}))
	} else {
		channels = append(channels, courier.NewLogChannel("email", os.Stdout))
	}
	return channels
}

func shutdownMetrics(metrics *observability.MetricsCollector, logger logging.Logger) error {
	if metrics == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupGracePeriod)
	defer cancel()
	if err := metrics.Shutdown(ctx); err != nil {
		logging.OrNop(logger).Warn("DI: metrics shutdown: %v", err)
		return err
	}
	return nil
}
