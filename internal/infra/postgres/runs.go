package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fleet/internal/domain/task"
	fleeterrors "fleet/internal/shared/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// maxErrorLen bounds persisted error text.
const maxErrorLen = 500

// Enqueue atomically checks the user's quota, inserts a queued run,
// and counts it toward the monthly quota. A quota hit surfaces as
// *task.LimitExceededError rather than a generic failure.
func (s *Store) Enqueue(ctx context.Context, req task.EnqueueRequest) (*task.TaskRun, error) {
	if req.TaskID == "" {
		return nil, fmt.Errorf("enqueue: task id required")
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = task.DefaultMaxAttempts
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	if req.UserID != "" {
		if err := ensureUserRow(ctx, tx, req.UserID); err != nil {
			return nil, err
		}
		if !req.SkipLimitCheck {
			if err := checkUserLimits(ctx, tx, req.UserID); err != nil {
				return nil, err
			}
		}
	}

	capsJSON, err := encodeStringSlice(req.RequiredCapabilities)
	if err != nil {
		return nil, fmt.Errorf("encode required capabilities: %w", err)
	}

	now := nowUTC()
	row := tx.QueryRow(ctx,
		`INSERT INTO `+runsTable+` (id, task_id, user_id, priority, status, max_attempts,
			notify_email, notify_webhook_url, target_agent_name, required_capabilities,
			deadline_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		 RETURNING `+runColumns,
		uuid.NewString(), req.TaskID, req.UserID, req.Priority, string(task.RunQueued), maxAttempts,
		req.NotifyEmail, req.NotifyWebhookURL, req.TargetAgentName, capsJSON,
		req.DeadlineAt, now,
	)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("enqueue run for task %s: %w", req.TaskID, err)
	}

	if req.UserID != "" {
		if _, err := tx.Exec(ctx,
			`UPDATE `+usersTable+` SET tasks_used_this_month = tasks_used_this_month + 1, updated_at = now()
			 WHERE id = $1`, req.UserID); err != nil {
			return nil, fmt.Errorf("count run toward quota: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit enqueue tx: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*task.TaskRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM `+runsTable+` WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ClaimNext atomically claims the best matching queued run for the
// worker using FOR UPDATE SKIP LOCKED, so concurrent claimers never
// receive the same run. Returns nil when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, worker task.WorkerIdentity, leaseDuration time.Duration) (*task.TaskRun, error) {
	if worker.WorkerID == "" {
		return nil, fmt.Errorf("claim next: worker id required")
	}
	caps := worker.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("encode worker capabilities: %w", err)
	}
	leaseUntil := nowUTC().Add(leaseDuration)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	row := tx.QueryRow(ctx,
		`UPDATE `+runsTable+` SET
			status = $1, lease_owner = $2, lease_expires_at = $3,
			attempts = attempts + 1,
			started_at = COALESCE(started_at, now()),
			updated_at = now()
		WHERE id = (
			SELECT r.id FROM `+runsTable+` r
			LEFT JOIN `+usersTable+` u ON u.id = r.user_id
			WHERE r.status = $4
			  AND (r.deadline_at IS NULL OR r.deadline_at > now())
			  AND (r.target_agent_name = '' OR r.target_agent_name = $5)
			  AND (r.required_capabilities IS NULL OR r.required_capabilities <@ $6::jsonb)
			  AND (u.id IS NULL OR u.concurrency_limit <= 0 OR (
					SELECT COUNT(*) FROM `+runsTable+` x
					WHERE x.user_id = r.user_id AND x.status IN ($7, $8)
				  ) < u.concurrency_limit)
			ORDER BY r.priority DESC, r.created_at ASC
			FOR UPDATE OF r SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+runColumns,
		string(task.RunRunning), worker.WorkerID, leaseUntil,
		string(task.RunQueued), worker.AgentName, capsJSON,
		string(task.RunRunning), string(task.RunNeedsInput),
	)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next run: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+tasksTable+` SET status = $1, updated_at = now() WHERE id = $2`,
		string(task.StatusRunning), run.TaskID); err != nil {
		return nil, fmt.Errorf("mark task running: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return run, nil
}

// ClaimRunByID claims one specific queued run for the worker. A repeat
// claim by the current lease owner reports success without mutating.
func (s *Store) ClaimRunByID(ctx context.Context, runID, workerID string, leaseDuration time.Duration) (bool, error) {
	leaseUntil := nowUTC().Add(leaseDuration)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	var taskID string
	err = tx.QueryRow(ctx,
		`UPDATE `+runsTable+` SET
			status = $1, lease_owner = $2, lease_expires_at = $3,
			attempts = attempts + 1,
			started_at = COALESCE(started_at, now()),
			updated_at = now()
		WHERE id = $4 AND status = $5 AND (deadline_at IS NULL OR deadline_at > now())
		RETURNING task_id`,
		string(task.RunRunning), workerID, leaseUntil, runID, string(task.RunQueued),
	).Scan(&taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		var owned bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM `+runsTable+`
				WHERE id = $1 AND lease_owner = $2 AND status IN ($3, $4)
			)`,
			runID, workerID, string(task.RunRunning), string(task.RunNeedsInput),
		).Scan(&owned); err != nil {
			return false, fmt.Errorf("check existing claim: %w", err)
		}
		return owned, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", runID, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+tasksTable+` SET status = $1, updated_at = now() WHERE id = $2`,
		string(task.StatusRunning), taskID); err != nil {
		return false, fmt.Errorf("mark task running: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit claim tx: %w", err)
	}
	return true, nil
}

// RenewLease extends the lease iff the caller still owns it and the
// run is in a leasable status. Idempotent.
func (s *Store) RenewLease(ctx context.Context, runID, workerID string, leaseDuration time.Duration) (bool, error) {
	leaseUntil := nowUTC().Add(leaseDuration)
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+runsTable+` SET lease_expires_at = $1, updated_at = now()
		 WHERE id = $2 AND lease_owner = $3 AND status IN ($4, $5)`,
		leaseUntil, runID, workerID, string(task.RunRunning), string(task.RunNeedsInput))
	if err != nil {
		return false, fmt.Errorf("renew lease for run %s: %w", runID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease puts a leased run back in the queue, keeping its
// attempt count. Used to undo a claim whose registry half failed.
func (s *Store) ReleaseLease(ctx context.Context, runID, workerID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	var taskID string
	err = tx.QueryRow(ctx,
		`UPDATE `+runsTable+` SET status = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		 WHERE id = $2 AND lease_owner = $3 AND status IN ($4, $5)
		 RETURNING task_id`,
		string(task.RunQueued), runID, workerID,
		string(task.RunRunning), string(task.RunNeedsInput),
	).Scan(&taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release lease for run %s: %w", runID, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+tasksTable+` SET status = $1, updated_at = now() WHERE id = $2`,
		string(task.StatusPending), taskID); err != nil {
		return false, fmt.Errorf("mark task pending: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit release tx: %w", err)
	}
	return true, nil
}

// MarkNeedsInput parks a running run in needs_input while keeping the
// lease alive, so heartbeat renewal continues to work.
func (s *Store) MarkNeedsInput(ctx context.Context, runID, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+runsTable+` SET status = $1, updated_at = now()
		 WHERE id = $2 AND lease_owner = $3 AND status = $4`,
		string(task.RunNeedsInput), runID, workerID, string(task.RunRunning))
	if err != nil {
		return false, fmt.Errorf("mark run %s needs_input: %w", runID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete settles a leased run into a terminal status, records the
// result, computes runtime, clears the lease, seeds notification state
// where destinations exist, and rolls the outcome into the worker's
// lifetime counters.
func (s *Store) Complete(ctx context.Context, req task.CompleteRequest) (bool, error) {
	if !req.Status.IsTerminal() {
		return false, fmt.Errorf("complete: status %q is not terminal", req.Status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	var (
		taskID  string
		runtime float64
	)
	err = tx.QueryRow(ctx,
		`UPDATE `+runsTable+` SET
			status = $1,
			result_summary = $2,
			result_full = $3,
			last_error = $4,
			completed_at = now(),
			runtime_seconds = CASE WHEN started_at IS NULL THEN 0
				ELSE EXTRACT(EPOCH FROM (now() - started_at)) END,
			lease_owner = NULL,
			lease_expires_at = NULL,
			notification_status = CASE WHEN notify_email <> '' THEN $5 ELSE notification_status END,
			webhook_status = CASE WHEN notify_webhook_url <> '' THEN $5 ELSE webhook_status END,
			updated_at = now()
		WHERE id = $6 AND lease_owner = $7 AND status IN ($8, $9)
		RETURNING task_id, runtime_seconds`,
		string(req.Status), req.ResultSummary, req.ResultFull,
		fleeterrors.Truncate(req.ErrorText, maxErrorLen),
		string(task.NotificationPending),
		req.RunID, req.WorkerID,
		string(task.RunRunning), string(task.RunNeedsInput),
	).Scan(&taskID, &runtime)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete run %s: %w", req.RunID, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+tasksTable+` SET status = $1, updated_at = now() WHERE id = $2`,
		string(taskStatusFor(req.Status)), taskID); err != nil {
		return false, fmt.Errorf("mark task terminal: %w", err)
	}

	// Worker row may not exist for SSE-only workers; zero rows is fine.
	if req.WorkerID != "" {
		if _, err := tx.Exec(ctx,
			`UPDATE `+workersTable+` SET
				tasks_completed = tasks_completed + CASE WHEN $1 THEN 1 ELSE 0 END,
				tasks_failed = tasks_failed + CASE WHEN $2 THEN 1 ELSE 0 END,
				total_runtime_seconds = total_runtime_seconds + $3
			WHERE id = $4`,
			req.Status == task.RunCompleted, req.Status == task.RunFailed,
			runtime, req.WorkerID); err != nil {
			return false, fmt.Errorf("update worker counters: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit complete tx: %w", err)
	}
	return true, nil
}

// CancelRun cancels a run, only from queued.
func (s *Store) CancelRun(ctx context.Context, runID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	var taskID string
	err = tx.QueryRow(ctx,
		`UPDATE `+runsTable+` SET status = $1, completed_at = now(), updated_at = now()
		 WHERE id = $2 AND status = $3
		 RETURNING task_id`,
		string(task.RunCancelled), runID, string(task.RunQueued),
	).Scan(&taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel run %s: %w", runID, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+tasksTable+` SET status = $1, updated_at = now() WHERE id = $2`,
		string(task.StatusCancelled), taskID); err != nil {
		return false, fmt.Errorf("mark task cancelled: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit cancel tx: %w", err)
	}
	return true, nil
}

// ReclaimExpired recovers every leased run whose lease lapsed: back to
// queued while attempts remain, else failed. Row locking makes
// concurrent reclaim scans safe.
func (s *Store) ReclaimExpired(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reclaim tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	requeued, err := collectIDs(tx.Query(ctx,
		`UPDATE `+runsTable+` SET status = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		 WHERE status IN ($2, $3) AND lease_expires_at IS NOT NULL AND lease_expires_at < now()
		   AND attempts < max_attempts
		 RETURNING task_id`,
		string(task.RunQueued), string(task.RunRunning), string(task.RunNeedsInput)))
	if err != nil {
		return 0, fmt.Errorf("requeue expired runs: %w", err)
	}

	exhausted, err := collectIDs(tx.Query(ctx,
		`UPDATE `+runsTable+` SET status = $1, last_error = $2, completed_at = now(),
			lease_owner = NULL, lease_expires_at = NULL,
			notification_status = CASE WHEN notify_email <> '' THEN $3 ELSE notification_status END,
			webhook_status = CASE WHEN notify_webhook_url <> '' THEN $3 ELSE webhook_status END,
			updated_at = now()
		 WHERE status IN ($4, $5) AND lease_expires_at IS NOT NULL AND lease_expires_at < now()
		   AND attempts >= max_attempts
		 RETURNING task_id`,
		string(task.RunFailed), "max attempts exceeded", string(task.NotificationPending),
		string(task.RunRunning), string(task.RunNeedsInput)))
	if err != nil {
		return 0, fmt.Errorf("fail exhausted runs: %w", err)
	}

	if len(requeued) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE `+tasksTable+` SET status = $1, updated_at = now() WHERE id = ANY($2)`,
			string(task.StatusPending), requeued); err != nil {
			return 0, fmt.Errorf("mark tasks pending: %w", err)
		}
	}
	if len(exhausted) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE `+tasksTable+` SET status = $1, updated_at = now() WHERE id = ANY($2)`,
			string(task.StatusFailed), exhausted); err != nil {
			return 0, fmt.Errorf("mark tasks failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reclaim tx: %w", err)
	}

	total := len(requeued) + len(exhausted)
	if total > 0 {
		s.logger.Info("Reclaimed %d expired runs (%d requeued, %d failed)", total, len(requeued), len(exhausted))
	}
	return total, nil
}

// ExpireOverdue fails queued runs whose deadline passed before any
// worker claimed them.
func (s *Store) ExpireOverdue(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin expire tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	expired, err := collectIDs(tx.Query(ctx,
		`UPDATE `+runsTable+` SET status = $1, last_error = $2,
			routing_failed_at = now(), routing_failure_reason = $2,
			completed_at = now(),
			notification_status = CASE WHEN notify_email <> '' THEN $3 ELSE notification_status END,
			webhook_status = CASE WHEN notify_webhook_url <> '' THEN $3 ELSE webhook_status END,
			updated_at = now()
		 WHERE status = $4 AND deadline_at IS NOT NULL AND deadline_at < now()
		 RETURNING task_id`,
		string(task.RunFailed), "deadline exceeded", string(task.NotificationPending),
		string(task.RunQueued)))
	if err != nil {
		return 0, fmt.Errorf("expire overdue runs: %w", err)
	}

	if len(expired) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE `+tasksTable+` SET status = $1, updated_at = now() WHERE id = ANY($2)`,
			string(task.StatusFailed), expired); err != nil {
			return 0, fmt.Errorf("mark tasks failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit expire tx: %w", err)
	}

	if len(expired) > 0 {
		s.logger.Info("Expired %d overdue queued runs", len(expired))
	}
	return len(expired), nil
}

// ListRuns returns runs filtered by status ("" for all), newest first.
func (s *Store) ListRuns(ctx context.Context, status task.RunStatus, limit int) ([]*task.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+runColumns+` FROM `+runsTable+`
			 ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+runColumns+` FROM `+runsTable+`
			 WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// RecentRuns returns the most recently updated runs.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]*task.TaskRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM `+runsTable+`
		 ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// QueueDepth counts queued runs.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+runsTable+` WHERE status = $1`,
		string(task.RunQueued)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// RunningCount counts leased runs.
func (s *Store) RunningCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+runsTable+` WHERE status IN ($1, $2)`,
		string(task.RunRunning), string(task.RunNeedsInput)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("running count: %w", err)
	}
	return n, nil
}

func taskStatusFor(rs task.RunStatus) task.Status {
	switch rs {
	case task.RunCompleted:
		return task.StatusCompleted
	case task.RunCancelled:
		return task.StatusCancelled
	default:
		return task.StatusFailed
	}
}

// collectIDs drains a single-column id result set.
func collectIDs(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
