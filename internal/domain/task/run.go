package task

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a task run.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunRunning    RunStatus = "running"
	RunNeedsInput RunStatus = "needs_input"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// IsTerminal reports whether the run status is a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Leasable reports whether the status admits a live lease.
func (s RunStatus) Leasable() bool {
	return s == RunRunning || s == RunNeedsInput
}

// NotificationStatus tracks one delivery channel's progress for a run.
type NotificationStatus string

const (
	NotificationNone    NotificationStatus = ""
	NotificationPending NotificationStatus = "pending"
	NotificationClaimed NotificationStatus = "claimed"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Channel identifies a notification delivery channel.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// NotificationState is the per-channel delivery ledger on a run.
type NotificationState struct {
	Status      NotificationStatus `json:"status,omitempty"`
	Attempts    int                `json:"attempts,omitempty"`
	NextRetryAt *time.Time         `json:"next_retry_at,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
}

// TaskRun is one attempt to execute a Task.
type TaskRun struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	UserID string `json:"user_id,omitempty"`

	Priority int       `json:"priority"`
	Status   RunStatus `json:"status"`

	LeaseOwner     *string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`

	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	RuntimeSeconds float64    `json:"runtime_seconds,omitempty"`

	ResultSummary string          `json:"result_summary,omitempty"`
	ResultFull    json.RawMessage `json:"result_full,omitempty"`

	NotifyEmail      string            `json:"notify_email,omitempty"`
	NotifyWebhookURL string            `json:"notify_webhook_url,omitempty"`
	Email            NotificationState `json:"email_notification"`
	Webhook          NotificationState `json:"webhook_notification"`

	TargetAgentName      string     `json:"target_agent_name,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	DeadlineAt           *time.Time `json:"deadline_at,omitempty"`
	RoutingFailedAt      *time.Time `json:"routing_failed_at,omitempty"`
	RoutingFailureReason string     `json:"routing_failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OwnedBy reports whether workerID currently owns the run's lease.
func (r *TaskRun) OwnedBy(workerID string) bool {
	return r.LeaseOwner != nil && *r.LeaseOwner == workerID
}

// LeaseExpired reports whether the run holds a lease that lapsed
// before now.
func (r *TaskRun) LeaseExpired(now time.Time) bool {
	return r.LeaseExpiresAt != nil && r.LeaseExpiresAt.Before(now)
}

// ChannelState returns the notification ledger for ch.
func (r *TaskRun) ChannelState(ch Channel) NotificationState {
	if ch == ChannelWebhook {
		return r.Webhook
	}
	return r.Email
}

// Destination returns the configured destination for ch, or "" when
// the run does not notify on that channel.
func (r *TaskRun) Destination(ch Channel) string {
	if ch == ChannelWebhook {
		return r.NotifyWebhookURL
	}
	return r.NotifyEmail
}

// DefaultMaxAttempts bounds run retries when the enqueue request does
// not set its own limit.
const DefaultMaxAttempts = 3

// EnqueueRequest describes a new run to queue.
type EnqueueRequest struct {
	TaskID               string
	UserID               string
	Priority             int
	TargetAgentName      string
	RequiredCapabilities []string
	DeadlineAt           *time.Time
	NotifyEmail          string
	NotifyWebhookURL     string
	MaxAttempts          int // 0 means DefaultMaxAttempts
	SkipLimitCheck       bool
}

// CompleteRequest settles a leased run into a terminal status.
type CompleteRequest struct {
	RunID         string
	WorkerID      string
	Status        RunStatus // completed, failed or cancelled
	ResultSummary string
	ResultFull    json.RawMessage
	ErrorText     string
}

// WorkerIdentity is the claim-side view of a worker: the identity and
// declared capabilities ClaimNext filters candidate runs against.
type WorkerIdentity struct {
	WorkerID     string
	AgentName    string
	Capabilities []string
}
