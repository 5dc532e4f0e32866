package postgres

import (
	"context"
	"errors"
	"fmt"

	"fleet/internal/domain/task"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateTask persists a new task, generating an id when absent.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = task.StatusPending
	}
	now := nowUTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+tasksTable+` (id, user_id, title, prompt, model, agent_type, priority, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.UserID, t.Title, t.Prompt, t.ModelRef, t.AgentType,
		t.Priority, string(t.Status), t.Metadata, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM `+tasksTable+` WHERE id = $1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

// FindRunByExternalID locates the newest run of the task whose
// metadata records the given external protocol id.
func (s *Store) FindRunByExternalID(ctx context.Context, externalID string) (*task.TaskRun, error) {
	if externalID == "" {
		return nil, fmt.Errorf("external id: %w", task.ErrNotFound)
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM `+runsTable+`
		 WHERE task_id = (
			SELECT id FROM `+tasksTable+`
			WHERE metadata->>'`+task.MetadataExternalID+`' = $1
			ORDER BY created_at DESC LIMIT 1
		 )
		 ORDER BY created_at DESC LIMIT 1`, externalID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run for external id %s: %w", externalID, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find run by external id: %w", err)
	}
	return run, nil
}
