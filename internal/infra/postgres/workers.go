package postgres

import (
	"context"
	"fmt"
	"time"

	"fleet/internal/domain/task"

	"github.com/google/uuid"
)

// RegisterWorker inserts a worker row, or revives an existing one back
// to active with fresh heartbeat and start time.
func (s *Store) RegisterWorker(ctx context.Context, w *task.Worker) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.MaxConcurrentTasks <= 0 {
		w.MaxConcurrentTasks = 1
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+workersTable+` (id, hostname, process_id, max_concurrent_tasks, current_tasks, status, last_heartbeat, started_at)
		 VALUES ($1, $2, $3, $4, 0, $5, now(), now())
		 ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			process_id = EXCLUDED.process_id,
			max_concurrent_tasks = EXCLUDED.max_concurrent_tasks,
			current_tasks = 0,
			status = EXCLUDED.status,
			last_heartbeat = now(),
			started_at = now(),
			stopped_at = NULL`,
		w.ID, w.Hostname, w.ProcessID, w.MaxConcurrentTasks, string(task.WorkerActive))
	if err != nil {
		return fmt.Errorf("register worker %s: %w", w.ID, err)
	}
	return nil
}

// WorkerHeartbeat refreshes the worker row's heartbeat and current
// load. A row the reaper stopped while the process was alive revives.
func (s *Store) WorkerHeartbeat(ctx context.Context, workerID string, currentTasks int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+workersTable+` SET
			last_heartbeat = now(),
			current_tasks = $1,
			status = $2,
			stopped_at = NULL
		 WHERE id = $3`,
		currentTasks, string(task.WorkerActive), workerID)
	if err != nil {
		return false, fmt.Errorf("worker heartbeat %s: %w", workerID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkWorkerStopped transitions the worker row to stopped.
func (s *Store) MarkWorkerStopped(ctx context.Context, workerID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+workersTable+` SET status = $1, stopped_at = now(), current_tasks = 0
		 WHERE id = $2`,
		string(task.WorkerStopped), workerID)
	if err != nil {
		return fmt.Errorf("mark worker %s stopped: %w", workerID, err)
	}
	return nil
}

// StaleWorkerSweep stops active worker rows whose heartbeat is older
// than the cutoff. Their abandoned leases are recovered separately by
// ReclaimExpired.
func (s *Store) StaleWorkerSweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := nowUTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+workersTable+` SET status = $1, stopped_at = now(), current_tasks = 0
		 WHERE status = $2 AND last_heartbeat < $3`,
		string(task.WorkerStopped), string(task.WorkerActive), cutoff)
	if err != nil {
		return 0, fmt.Errorf("stale worker sweep: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		s.logger.Warn("Stopped %d stale workers (no heartbeat since %s)", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// ListWorkers returns worker rows, optionally active only, most
// recently started first.
func (s *Store) ListWorkers(ctx context.Context, activeOnly bool) ([]*task.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM ` + workersTable + ` ORDER BY started_at DESC`
	args := []any{}
	if activeOnly {
		query = `SELECT ` + workerColumns + ` FROM ` + workersTable + ` WHERE status = $1 ORDER BY started_at DESC`
		args = append(args, string(task.WorkerActive))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*task.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return workers, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}
