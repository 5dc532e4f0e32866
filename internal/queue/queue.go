// Package queue implements the task submission service. It sits
// between the HTTP/A2A surfaces and the store: validates requests,
// creates the parent task, enqueues the run, and surfaces quota
// rejections in their structured form.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fleet/internal/domain/task"
	"fleet/internal/observability"
	"fleet/internal/shared/logging"

	"github.com/google/uuid"
)

// Notifier is told about runs entering the queue so connected workers
// can be poked over their streams. Wiring one is optional.
type Notifier interface {
	TaskQueued(ctx context.Context, t *task.Task, run *task.TaskRun)
}

// Config holds queue service configuration.
type Config struct {
	// MaxAttempts is stamped on new runs that do not set their own.
	MaxAttempts int
}

// Service is the task queue facade.
type Service struct {
	cfg      Config
	store    task.Store
	notifier Notifier
	metrics  *observability.MetricsCollector
	logger   logging.Logger
}

// New creates the queue service. notifier and metrics may be nil.
func New(cfg Config, store task.Store, notifier Notifier, metrics *observability.MetricsCollector, logger logging.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = task.DefaultMaxAttempts
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   logging.OrNop(logger),
	}
}

// SubmitRequest describes a new unit of work plus its routing and
// notification options.
type SubmitRequest struct {
	Title                string            `json:"title,omitempty"`
	Prompt               string            `json:"prompt"`
	ModelRef             string            `json:"model,omitempty"`
	AgentType            string            `json:"agent_type,omitempty"`
	UserID               string            `json:"user_id,omitempty"`
	Priority             int               `json:"priority,omitempty"`
	TargetAgentName      string            `json:"target_agent_name,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	DeadlineAt           *time.Time        `json:"deadline_at,omitempty"`
	NotifyEmail          string            `json:"notify_email,omitempty"`
	NotifyWebhookURL     string            `json:"notify_webhook_url,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	MaxAttempts          int               `json:"max_attempts,omitempty"`
	SkipLimitCheck       bool              `json:"-"`
}

func (r SubmitRequest) validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

// Submit creates a task and its first run in one pass. A quota hit
// returns *task.LimitExceededError and inserts no run; the task row
// stays pending so the submission can be retried by id.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*task.Task, *task.TaskRun, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}

	t := &task.Task{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Title:     req.Title,
		Prompt:    req.Prompt,
		ModelRef:  req.ModelRef,
		AgentType: req.AgentType,
		Priority:  req.Priority,
	}
	if t.Title == "" {
		t.Title = deriveTitle(req.Prompt)
	}
	if len(req.Metadata) > 0 {
		meta, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("encode metadata: %w", err)
		}
		t.Metadata = meta
	}

	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, nil, fmt.Errorf("create task: %w", err)
	}

	run, err := s.enqueue(ctx, t, req)
	if err != nil {
		return nil, nil, err
	}
	return t, run, nil
}

// EnqueueRun queues a new run for an existing task, for resubmission
// after a quota rejection or a manual retry of a failed task.
func (s *Service) EnqueueRun(ctx context.Context, req task.EnqueueRequest) (*task.TaskRun, error) {
	t, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", req.TaskID, err)
	}
	if req.UserID == "" {
		req.UserID = t.UserID
	}
	return s.enqueue(ctx, t, SubmitRequest{
		UserID:               req.UserID,
		Priority:             req.Priority,
		TargetAgentName:      req.TargetAgentName,
		RequiredCapabilities: req.RequiredCapabilities,
		DeadlineAt:           req.DeadlineAt,
		NotifyEmail:          req.NotifyEmail,
		NotifyWebhookURL:     req.NotifyWebhookURL,
		MaxAttempts:          req.MaxAttempts,
		SkipLimitCheck:       req.SkipLimitCheck,
	})
}

func (s *Service) enqueue(ctx context.Context, t *task.Task, req SubmitRequest) (*task.TaskRun, error) {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	run, err := s.store.Enqueue(ctx, task.EnqueueRequest{
		TaskID:               t.ID,
		UserID:               req.UserID,
		Priority:             req.Priority,
		TargetAgentName:      req.TargetAgentName,
		RequiredCapabilities: req.RequiredCapabilities,
		DeadlineAt:           req.DeadlineAt,
		NotifyEmail:          req.NotifyEmail,
		NotifyWebhookURL:     req.NotifyWebhookURL,
		MaxAttempts:          maxAttempts,
		SkipLimitCheck:       req.SkipLimitCheck,
	})
	if err != nil {
		if lim, ok := task.AsLimitExceeded(err); ok {
			s.logger.Warn("Queue: submission rejected for user %s: %s", req.UserID, lim.Error())
			return nil, err
		}
		return nil, fmt.Errorf("enqueue run: %w", err)
	}

	s.metrics.RecordEnqueue(ctx, run.Priority)
	s.logger.Info("Queue: run %s queued (task=%s priority=%d agent=%s)",
		run.ID, t.ID, run.Priority, orAny(run.TargetAgentName))

	if s.notifier != nil {
		s.notifier.TaskQueued(ctx, t, run)
	}
	return run, nil
}

// GetRun returns one run by id.
func (s *Service) GetRun(ctx context.Context, runID string) (*task.TaskRun, error) {
	return s.store.GetRun(ctx, runID)
}

// GetTask returns one task by id.
func (s *Service) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// FindRunByExternalID resolves the most recent run of the task carrying
// the given external id in its metadata.
func (s *Service) FindRunByExternalID(ctx context.Context, externalID string) (*task.TaskRun, error) {
	return s.store.FindRunByExternalID(ctx, externalID)
}

// CancelRun cancels a queued run. Running runs cannot be cancelled
// externally; their lease owner settles them.
func (s *Service) CancelRun(ctx context.Context, runID string) (bool, error) {
	ok, err := s.store.CancelRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if ok {
		s.metrics.RecordCompletion(ctx, string(task.RunCancelled), 0)
		s.logger.Info("Queue: run %s cancelled", runID)
	}
	return ok, nil
}

// ListRuns returns runs filtered by status; empty status means all.
func (s *Service) ListRuns(ctx context.Context, status task.RunStatus, limit int) ([]*task.TaskRun, error) {
	return s.store.ListRuns(ctx, status, limit)
}

// RecentRuns returns the newest runs regardless of status.
func (s *Service) RecentRuns(ctx context.Context, limit int) ([]*task.TaskRun, error) {
	return s.store.RecentRuns(ctx, limit)
}

// Stats is a point-in-time queue summary for the ops surface.
type Stats struct {
	QueueDepth int `json:"queue_depth"`
	Running    int `json:"running"`
}

// Stats reports queue depth and the number of running runs.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	depth, err := s.store.QueueDepth(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue depth: %w", err)
	}
	running, err := s.store.RunningCount(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("running count: %w", err)
	}
	return Stats{QueueDepth: depth, Running: running}, nil
}

const maxDerivedTitleLen = 80

// deriveTitle builds a display title from the first line of the prompt.
func deriveTitle(prompt string) string {
	line := strings.TrimSpace(prompt)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	if len(line) > maxDerivedTitleLen {
		line = strings.TrimSpace(line[:maxDerivedTitleLen]) + "..."
	}
	if line == "" {
		return "untitled task"
	}
	return line
}

func orAny(agentName string) string {
	if agentName == "" {
		return "any"
	}
	return agentName
}
