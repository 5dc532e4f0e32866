package task

import (
	"context"
	"time"
)

// Store is the persistence port for tasks, runs, workers, users, and
// notification state. All mutating operations run in a single
// transaction and fail closed on database errors; callers retry at the
// next tick. Implemented by internal/infra/postgres.
type Store interface {
	// EnsureSchema creates or migrates the schema idempotently.
	EnsureSchema(ctx context.Context) error

	// CreateTask persists a new task in pending status.
	CreateTask(ctx context.Context, t *Task) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// FindRunByExternalID locates the newest run of the task whose
	// metadata records the given external protocol id.
	FindRunByExternalID(ctx context.Context, externalID string) (*TaskRun, error)

	// Enqueue atomically checks the user's quota (unless skipped),
	// inserts a queued run, and increments the monthly counter. A quota
	// hit returns *LimitExceededError.
	Enqueue(ctx context.Context, req EnqueueRequest) (*TaskRun, error)

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID string) (*TaskRun, error)

	// ClaimNext atomically claims the best matching queued run for the
	// worker: not past deadline, agent name and capabilities match, user
	// concurrency cap honored. Returns nil when nothing is claimable.
	ClaimNext(ctx context.Context, worker WorkerIdentity, leaseDuration time.Duration) (*TaskRun, error)

	// ClaimRunByID claims one specific queued run for the worker.
	// Returns false when the run is not queued or already leased.
	ClaimRunByID(ctx context.Context, runID, workerID string, leaseDuration time.Duration) (bool, error)

	// RenewLease extends the lease iff workerID still owns it and the
	// run is running or needs_input. Idempotent.
	RenewLease(ctx context.Context, runID, workerID string, leaseDuration time.Duration) (bool, error)

	// ReleaseLease puts a leased run back in the queue, keeping its
	// attempt count. Used to undo a claim whose in-memory half failed.
	ReleaseLease(ctx context.Context, runID, workerID string) (bool, error)

	// MarkNeedsInput parks a running run in needs_input, keeping the
	// lease alive. Only the lease owner may call it.
	MarkNeedsInput(ctx context.Context, runID, workerID string) (bool, error)

	// Complete settles a run into a terminal status: records results,
	// computes runtime, clears the lease, and seeds per-channel
	// notification state to pending where destinations exist.
	Complete(ctx context.Context, req CompleteRequest) (bool, error)

	// CancelRun cancels a run, only from queued.
	CancelRun(ctx context.Context, runID string) (bool, error)

	// ReclaimExpired requeues every running run whose lease lapsed, or
	// fails it when attempts reached max_attempts. Returns the count.
	ReclaimExpired(ctx context.Context) (int, error)

	// ExpireOverdue fails queued runs whose deadline passed before any
	// worker claimed them. Returns the count.
	ExpireOverdue(ctx context.Context) (int, error)

	// ListRuns returns runs filtered by status ("" for all), newest
	// first.
	ListRuns(ctx context.Context, status RunStatus, limit int) ([]*TaskRun, error)

	// RecentRuns returns the most recently updated runs.
	RecentRuns(ctx context.Context, limit int) ([]*TaskRun, error)

	// QueueDepth counts queued runs.
	QueueDepth(ctx context.Context) (int, error)

	// RunningCount counts running or needs_input runs.
	RunningCount(ctx context.Context) (int, error)

	// GetUser retrieves a user's quota row.
	GetUser(ctx context.Context, userID string) (*User, error)

	// UpsertUser creates or updates a user's quota row.
	UpsertUser(ctx context.Context, u *User) error

	// RegisterWorker inserts or revives a worker row in active status.
	RegisterWorker(ctx context.Context, w *Worker) error

	// WorkerHeartbeat refreshes the worker row's heartbeat and load.
	// Returns false when the worker row does not exist.
	WorkerHeartbeat(ctx context.Context, workerID string, currentTasks int) (bool, error)

	// MarkWorkerStopped transitions the worker row to stopped.
	MarkWorkerStopped(ctx context.Context, workerID string) error

	// StaleWorkerSweep stops active worker rows whose heartbeat is
	// older than the cutoff. Returns the count.
	StaleWorkerSweep(ctx context.Context, olderThan time.Duration) (int, error)

	// ListWorkers returns worker rows, optionally active only.
	ListWorkers(ctx context.Context, activeOnly bool) ([]*Worker, error)

	// ClaimForSend is the notification mutual-exclusion primitive:
	// pending and attempts < max flips to claimed with attempts
	// incremented, atomically. False when another sender won.
	ClaimForSend(ctx context.Context, runID string, ch Channel, maxAttempts int) (bool, error)

	// MarkSent settles a claimed notification as sent. Terminal.
	MarkSent(ctx context.Context, runID string, ch Channel) error

	// MarkFailed settles a claimed notification as failed, scheduling
	// next_retry_at with exponential backoff while attempts < max.
	MarkFailed(ctx context.Context, runID string, ch Channel, sendErr string, maxAttempts int) error

	// PendingNotificationRetries returns runs with a failed channel
	// whose next_retry_at has passed, oldest first.
	PendingNotificationRetries(ctx context.Context, limit int) ([]*TaskRun, error)

	// Close releases the underlying connection pool.
	Close()
}
