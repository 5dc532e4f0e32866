// Package task defines the task domain model shared by the queue, the
// worker fleet, the reaper, and the notification courier, plus the
// store port that persistence adapters implement.
//
// A Task is the business-level unit of work; a TaskRun is one attempt
// to execute it. Exclusive execution is enforced through leases on the
// run: a run in running or needs_input always carries a lease owner,
// and an expired lease is how the reaper detects a dead worker.
package task

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Well-known task metadata keys. Metadata is opaque JSON; these keys
// are the ones the core itself reads.
const (
	// MetadataExternalID records the external protocol id, making
	// resubmission by the same external id idempotent.
	MetadataExternalID = "external_id"

	// MetadataCodebaseID records the codebase a task is tied to and
	// drives worker affinity filtering during dispatch.
	MetadataCodebaseID = "codebase_id"
)

// Task is the business-level unit of work. Execution attempts are
// recorded separately as TaskRun rows; a task may accumulate several
// runs across retries.
type Task struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id,omitempty"`
	Title     string          `json:"title"`
	Prompt    string          `json:"prompt"`
	ModelRef  string          `json:"model,omitempty"` // "provider:model"
	AgentType string          `json:"agent_type,omitempty"`
	Priority  int             `json:"priority"`
	Status    Status          `json:"status"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MetadataString returns the string stored under key in the task
// metadata JSON, or "" when the key is absent or the JSON malformed.
func (t *Task) MetadataString(key string) string {
	if len(t.Metadata) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(t.Metadata, &m); err != nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
