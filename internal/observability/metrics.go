// Package observability exposes the fleet metrics surface: an OTel
// meter backed by the Prometheus exporter, scraped via promhttp.
package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsCollector manages all metrics for the fleet control plane and
// the hosted workers. A zero collector (metrics disabled) is safe to
// share; every record method no-ops when its instrument is nil.
type MetricsCollector struct {
	meter metric.Meter

	// Run lifecycle metrics
	runsEnqueued  metric.Int64Counter
	runsClaimed   metric.Int64Counter
	runsCompleted metric.Int64Counter
	runsReclaimed metric.Int64Counter
	runDuration   metric.Float64Histogram
	queueWait     metric.Float64Histogram

	// Notification metrics
	notificationSends metric.Int64Counter

	// Worker fleet metrics
	workersConnected metric.Int64UpDownCounter
	workersBusy      metric.Int64UpDownCounter
	eventsDropped    metric.Int64Counter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	// Create Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	// Create meter provider
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("fleet"),
		)),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("fleet")

	runsEnqueued, err := meter.Int64Counter(
		"fleet.runs.enqueued.total",
		metric.WithDescription("Total number of task runs enqueued"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs_enqueued counter: %w", err)
	}

	runsClaimed, err := meter.Int64Counter(
		"fleet.runs.claimed.total",
		metric.WithDescription("Total number of task runs claimed by workers"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs_claimed counter: %w", err)
	}

	runsCompleted, err := meter.Int64Counter(
		"fleet.runs.completed.total",
		metric.WithDescription("Total number of task runs settled, by terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs_completed counter: %w", err)
	}

	runsReclaimed, err := meter.Int64Counter(
		"fleet.runs.reclaimed.total",
		metric.WithDescription("Total number of expired leases recovered by the reaper"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs_reclaimed counter: %w", err)
	}

	runDuration, err := meter.Float64Histogram(
		"fleet.run.duration",
		metric.WithDescription("Task run execution time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run_duration histogram: %w", err)
	}

	queueWait, err := meter.Float64Histogram(
		"fleet.run.queue_wait",
		metric.WithDescription("Time from enqueue to claim in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue_wait histogram: %w", err)
	}

	notificationSends, err := meter.Int64Counter(
		"fleet.notifications.total",
		metric.WithDescription("Notification delivery attempts, by channel and outcome"),
		metric.WithUnit("{send}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifications counter: %w", err)
	}

	workersConnected, err := meter.Int64UpDownCounter(
		"fleet.workers.connected",
		metric.WithDescription("Number of workers with an open task stream"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workers_connected gauge: %w", err)
	}

	workersBusy, err := meter.Int64UpDownCounter(
		"fleet.workers.busy",
		metric.WithDescription("Number of connected workers holding a claim"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workers_busy gauge: %w", err)
	}

	eventsDropped, err := meter.Int64Counter(
		"fleet.stream.dropped.total",
		metric.WithDescription("Task events dropped because a worker mailbox was full"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_dropped counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:             meter,
		runsEnqueued:      runsEnqueued,
		runsClaimed:       runsClaimed,
		runsCompleted:     runsCompleted,
		runsReclaimed:     runsReclaimed,
		runDuration:       runDuration,
		queueWait:         queueWait,
		notificationSends: notificationSends,
		workersConnected:  workersConnected,
		workersBusy:       workersBusy,
		eventsDropped:     eventsDropped,
	}

	// Start Prometheus HTTP server
	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordEnqueue records a run entering the queue.
func (m *MetricsCollector) RecordEnqueue(ctx context.Context, priority int) {
	if m == nil || m.runsEnqueued == nil {
		return
	}
	m.runsEnqueued.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("priority", priority),
	))
}

// RecordClaim records a successful claim and how long the run waited
// in the queue.
func (m *MetricsCollector) RecordClaim(ctx context.Context, agentName string, queueWait time.Duration) {
	if m == nil || m.runsClaimed == nil {
		return
	}
	m.runsClaimed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent_name", agentName),
	))
	if queueWait > 0 {
		m.queueWait.Record(ctx, queueWait.Seconds())
	}
}

// RecordCompletion records a run settling in a terminal status.
func (m *MetricsCollector) RecordCompletion(ctx context.Context, status string, runtime time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.runsCompleted.Add(ctx, 1, attrs)
	if runtime > 0 {
		m.runDuration.Record(ctx, runtime.Seconds(), attrs)
	}
}

// RecordReclaims records runs recovered from expired leases.
func (m *MetricsCollector) RecordReclaims(ctx context.Context, count int) {
	if m == nil || m.runsReclaimed == nil || count <= 0 {
		return
	}
	m.runsReclaimed.Add(ctx, int64(count))
}

// RecordNotification records one delivery attempt outcome
// ("sent" or "failed").
func (m *MetricsCollector) RecordNotification(ctx context.Context, channel, outcome string) {
	if m == nil || m.notificationSends == nil {
		return
	}
	m.notificationSends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	))
}

// WorkerConnected increments the connected-workers gauge.
func (m *MetricsCollector) WorkerConnected(ctx context.Context) {
	if m == nil || m.workersConnected == nil {
		return
	}
	m.workersConnected.Add(ctx, 1)
}

// WorkerDisconnected decrements the connected-workers gauge.
func (m *MetricsCollector) WorkerDisconnected(ctx context.Context) {
	if m == nil || m.workersConnected == nil {
		return
	}
	m.workersConnected.Add(ctx, -1)
}

// WorkerBusy adjusts the busy-workers gauge: +1 on claim, -1 on
// release.
func (m *MetricsCollector) WorkerBusy(ctx context.Context, delta int64) {
	if m == nil || m.workersBusy == nil {
		return
	}
	m.workersBusy.Add(ctx, delta)
}

// RecordDroppedEvent records a task event skipped because the target
// worker's mailbox was full.
func (m *MetricsCollector) RecordDroppedEvent(ctx context.Context) {
	if m == nil || m.eventsDropped == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1)
}
