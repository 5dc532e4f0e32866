package task

import "time"

// WorkerStatus is the persisted lifecycle state of a worker process.
type WorkerStatus string

const (
	WorkerActive  WorkerStatus = "active"
	WorkerStopped WorkerStatus = "stopped"
)

// Worker is the persisted record of a worker process. Live session
// state (mailbox, capabilities, busy flag) lives in the registry only;
// this row carries identity, capacity, heartbeat, and lifetime
// counters.
type Worker struct {
	ID                  string       `json:"id"`
	Hostname            string       `json:"hostname"`
	ProcessID           int          `json:"process_id,omitempty"`
	MaxConcurrentTasks  int          `json:"max_concurrent_tasks"`
	CurrentTasks        int          `json:"current_tasks"`
	Status              WorkerStatus `json:"status"`
	LastHeartbeat       time.Time    `json:"last_heartbeat"`
	TasksCompleted      int64        `json:"tasks_completed"`
	TasksFailed         int64        `json:"tasks_failed"`
	TotalRuntimeSeconds float64      `json:"total_runtime_seconds"`
	StartedAt           time.Time    `json:"started_at"`
	StoppedAt           *time.Time   `json:"stopped_at,omitempty"`
}

// User carries the per-user quota fields the queue enforces. The queue
// reads these and increments the monthly counter on enqueue; everything
// else about users belongs to the outer platform.
type User struct {
	ID                 string    `json:"id"`
	ConcurrencyLimit   int       `json:"concurrency_limit"`
	TasksLimit         int       `json:"tasks_limit"`
	TasksUsedThisMonth int       `json:"tasks_used_this_month"`
	MaxRuntimeSeconds  int       `json:"max_runtime_seconds"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Reserved codebase tags match any worker regardless of its affinity
// set. Every other codebase id requires explicit membership in the
// worker's set, so a worker with no registered codebases only ever
// sees reserved traffic.
const (
	CodebaseGlobal  = "global"
	CodebasePending = "__pending__"
)

// IsReservedCodebase reports whether id is one of the match-any tags.
func IsReservedCodebase(id string) bool {
	return id == CodebaseGlobal || id == CodebasePending
}
