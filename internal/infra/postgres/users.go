package postgres

import (
	"context"
	"errors"
	"fmt"

	"fleet/internal/domain/task"

	"github.com/jackc/pgx/v5"
)

// GetUser retrieves a user's quota row.
func (s *Store) GetUser(ctx context.Context, userID string) (*task.User, error) {
	var u task.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, concurrency_limit, tasks_limit, tasks_used_this_month, max_runtime_seconds, created_at, updated_at
		 FROM `+usersTable+` WHERE id = $1`, userID,
	).Scan(&u.ID, &u.ConcurrencyLimit, &u.TasksLimit, &u.TasksUsedThisMonth,
		&u.MaxRuntimeSeconds, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return &u, nil
}

// UpsertUser creates or updates a user's quota row.
func (s *Store) UpsertUser(ctx context.Context, u *task.User) error {
	if u.ID == "" {
		return fmt.Errorf("upsert user: id required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+usersTable+` (id, concurrency_limit, tasks_limit, tasks_used_this_month, max_runtime_seconds)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
			concurrency_limit = EXCLUDED.concurrency_limit,
			tasks_limit = EXCLUDED.tasks_limit,
			tasks_used_this_month = EXCLUDED.tasks_used_this_month,
			max_runtime_seconds = EXCLUDED.max_runtime_seconds,
			updated_at = now()`,
		u.ID, u.ConcurrencyLimit, u.TasksLimit, u.TasksUsedThisMonth, u.MaxRuntimeSeconds)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// ensureUserRow lazily creates a default quota row so unknown users
// get the schema defaults instead of an enqueue failure.
func ensureUserRow(ctx context.Context, tx pgx.Tx, userID string) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+usersTable+` (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		userID); err != nil {
		return fmt.Errorf("ensure user row: %w", err)
	}
	return nil
}

// checkUserLimits enforces the monthly quota and the concurrency cap.
// The user row is locked so concurrent enqueues for the same user
// serialize on the check.
func checkUserLimits(ctx context.Context, tx pgx.Tx, userID string) error {
	var (
		concurrencyLimit int
		tasksLimit       int
		tasksUsed        int
	)
	err := tx.QueryRow(ctx,
		`SELECT concurrency_limit, tasks_limit, tasks_used_this_month
		 FROM `+usersTable+` WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&concurrencyLimit, &tasksLimit, &tasksUsed)
	if err != nil {
		return fmt.Errorf("load user quota: %w", err)
	}

	var running int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+runsTable+` WHERE user_id = $1 AND status IN ($2, $3)`,
		userID, string(task.RunRunning), string(task.RunNeedsInput),
	).Scan(&running); err != nil {
		return fmt.Errorf("count running tasks: %w", err)
	}

	if tasksLimit > 0 && tasksUsed >= tasksLimit {
		return &task.LimitExceededError{
			TasksUsed:        tasksUsed,
			TasksLimit:       tasksLimit,
			RunningCount:     running,
			ConcurrencyLimit: concurrencyLimit,
			Message:          fmt.Sprintf("monthly task limit reached (%d/%d)", tasksUsed, tasksLimit),
		}
	}
	if concurrencyLimit > 0 && running >= concurrencyLimit {
		return &task.LimitExceededError{
			TasksUsed:        tasksUsed,
			TasksLimit:       tasksLimit,
			RunningCount:     running,
			ConcurrencyLimit: concurrencyLimit,
			Message:          fmt.Sprintf("concurrent task limit reached (%d running, limit %d)", running, concurrencyLimit),
		}
	}
	return nil
}
