// Package postgres implements the task store port on PostgreSQL via
// pgx. Lease claiming relies on FOR UPDATE SKIP LOCKED so concurrent
// workers never see the same queued run.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleet/internal/domain/task"
	"fleet/internal/shared/logging"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	tasksTable   = "fleet_tasks"
	runsTable    = "fleet_task_runs"
	workersTable = "fleet_workers"
	usersTable   = "fleet_users"
)

// Store implements task.Store backed by Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ task.Store = (*Store)(nil)

// New creates a Postgres-backed task store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("TaskStore"),
	}
}

// Connect opens a connection pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables and indices if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + usersTable + ` (
    id                    TEXT PRIMARY KEY,
    concurrency_limit     INTEGER NOT NULL DEFAULT 2,
    tasks_limit           INTEGER NOT NULL DEFAULT 100,
    tasks_used_this_month INTEGER NOT NULL DEFAULT 0,
    max_runtime_seconds   INTEGER NOT NULL DEFAULT 3600,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL DEFAULT '',
    title      TEXT NOT NULL DEFAULT '',
    prompt     TEXT NOT NULL DEFAULT '',
    model      TEXT NOT NULL DEFAULT '',
    agent_type TEXT NOT NULL DEFAULT '',
    priority   INTEGER NOT NULL DEFAULT 0,
    status     TEXT NOT NULL DEFAULT 'pending',
    metadata   JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS ` + runsTable + ` (
    id                         TEXT PRIMARY KEY,
    task_id                    TEXT NOT NULL REFERENCES ` + tasksTable + `(id) ON DELETE CASCADE,
    user_id                    TEXT NOT NULL DEFAULT '',
    priority                   INTEGER NOT NULL DEFAULT 0,
    status                     TEXT NOT NULL DEFAULT 'queued',
    lease_owner                TEXT,
    lease_expires_at           TIMESTAMPTZ,
    attempts                   INTEGER NOT NULL DEFAULT 0,
    max_attempts               INTEGER NOT NULL DEFAULT 3,
    last_error                 TEXT NOT NULL DEFAULT '',
    started_at                 TIMESTAMPTZ,
    completed_at               TIMESTAMPTZ,
    runtime_seconds            DOUBLE PRECISION NOT NULL DEFAULT 0,
    result_summary             TEXT NOT NULL DEFAULT '',
    result_full                JSONB,
    notify_email               TEXT NOT NULL DEFAULT '',
    notify_webhook_url         TEXT NOT NULL DEFAULT '',
    notification_status        TEXT NOT NULL DEFAULT '',
    notification_attempts      INTEGER NOT NULL DEFAULT 0,
    notification_next_retry_at TIMESTAMPTZ,
    notification_last_error    TEXT NOT NULL DEFAULT '',
    webhook_status             TEXT NOT NULL DEFAULT '',
    webhook_attempts           INTEGER NOT NULL DEFAULT 0,
    webhook_next_retry_at      TIMESTAMPTZ,
    webhook_last_error         TEXT NOT NULL DEFAULT '',
    target_agent_name          TEXT NOT NULL DEFAULT '',
    required_capabilities      JSONB,
    deadline_at                TIMESTAMPTZ,
    routing_failed_at          TIMESTAMPTZ,
    routing_failure_reason     TEXT NOT NULL DEFAULT '',
    created_at                 TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS ` + workersTable + ` (
    id                    TEXT PRIMARY KEY,
    hostname              TEXT NOT NULL DEFAULT '',
    process_id            INTEGER NOT NULL DEFAULT 0,
    max_concurrent_tasks  INTEGER NOT NULL DEFAULT 1,
    current_tasks         INTEGER NOT NULL DEFAULT 0,
    status                TEXT NOT NULL DEFAULT 'active',
    last_heartbeat        TIMESTAMPTZ NOT NULL DEFAULT now(),
    tasks_completed       BIGINT NOT NULL DEFAULT 0,
    tasks_failed          BIGINT NOT NULL DEFAULT 0,
    total_runtime_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    started_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    stopped_at            TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_runs_claim
    ON ` + runsTable + ` (status, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_runs_lease
    ON ` + runsTable + ` (lease_expires_at) WHERE lease_expires_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_runs_task
    ON ` + runsTable + ` (task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_runs_user_status
    ON ` + runsTable + ` (user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_runs_email_retry
    ON ` + runsTable + ` (notification_next_retry_at) WHERE notification_status = 'failed'`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_runs_webhook_retry
    ON ` + runsTable + ` (webhook_next_retry_at) WHERE webhook_status = 'failed'`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_tasks_external
    ON ` + tasksTable + ` ((metadata->>'external_id')) WHERE metadata ? 'external_id'`,
		`CREATE INDEX IF NOT EXISTS idx_fleet_workers_heartbeat
    ON ` + workersTable + ` (last_heartbeat) WHERE status = 'active'`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure fleet schema: %w", err)
		}
	}
	return nil
}

// runColumns is the canonical SELECT/RETURNING column list matching
// scanRun's order.
const runColumns = `id, task_id, user_id, priority, status,
	lease_owner, lease_expires_at, attempts, max_attempts, last_error,
	started_at, completed_at, runtime_seconds, result_summary, result_full,
	notify_email, notify_webhook_url,
	notification_status, notification_attempts, notification_next_retry_at, notification_last_error,
	webhook_status, webhook_attempts, webhook_next_retry_at, webhook_last_error,
	target_agent_name, required_capabilities, deadline_at, routing_failed_at, routing_failure_reason,
	created_at, updated_at`

// scanner abstracts pgx.Row and pgx.Rows for scanning a single record.
type scanner interface {
	Scan(dest ...any) error
}

// pgxRows abstracts pgx row iteration for scanning result sets.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanRun(row scanner) (*task.TaskRun, error) {
	var r task.TaskRun
	var leaseOwner *string
	var capsJSON []byte

	if err := row.Scan(
		&r.ID, &r.TaskID, &r.UserID, &r.Priority, &r.Status,
		&leaseOwner, &r.LeaseExpiresAt, &r.Attempts, &r.MaxAttempts, &r.LastError,
		&r.StartedAt, &r.CompletedAt, &r.RuntimeSeconds, &r.ResultSummary, &r.ResultFull,
		&r.NotifyEmail, &r.NotifyWebhookURL,
		&r.Email.Status, &r.Email.Attempts, &r.Email.NextRetryAt, &r.Email.LastError,
		&r.Webhook.Status, &r.Webhook.Attempts, &r.Webhook.NextRetryAt, &r.Webhook.LastError,
		&r.TargetAgentName, &capsJSON, &r.DeadlineAt, &r.RoutingFailedAt, &r.RoutingFailureReason,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}

	r.LeaseOwner = leaseOwner
	if caps, err := decodeStringSlice(capsJSON); err == nil {
		r.RequiredCapabilities = caps
	}
	return &r, nil
}

func scanRuns(rows pgxRows) ([]*task.TaskRun, error) {
	var runs []*task.TaskRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return runs, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const workerColumns = `id, hostname, process_id, max_concurrent_tasks, current_tasks, status,
	last_heartbeat, tasks_completed, tasks_failed, total_runtime_seconds, started_at, stopped_at`

func scanWorker(row scanner) (*task.Worker, error) {
	var w task.Worker
	if err := row.Scan(
		&w.ID, &w.Hostname, &w.ProcessID, &w.MaxConcurrentTasks, &w.CurrentTasks, &w.Status,
		&w.LastHeartbeat, &w.TasksCompleted, &w.TasksFailed, &w.TotalRuntimeSeconds,
		&w.StartedAt, &w.StoppedAt,
	); err != nil {
		return nil, err
	}
	return &w, nil
}

const taskColumns = `id, user_id, title, prompt, model, agent_type, priority, status, metadata, created_at, updated_at`

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	if err := row.Scan(
		&t.ID, &t.UserID, &t.Title, &t.Prompt, &t.ModelRef, &t.AgentType,
		&t.Priority, &t.Status, &t.Metadata, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

// decodeStringSlice reads a JSONB text array column, treating NULL as
// absent.
func decodeStringSlice(raw []byte) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// encodeStringSlice writes a JSONB text array column, mapping an empty
// set to NULL so filters can treat it as "no requirement".
func encodeStringSlice(vals []string) ([]byte, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	return json.Marshal(vals)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
