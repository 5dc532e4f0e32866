package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleet/internal/domain/task"
	"fleet/internal/queue"
	"fleet/internal/shared/logging"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// TaskService is the slice of the queue the executor needs.
type TaskService interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (*task.Task, *task.TaskRun, error)
	GetRun(ctx context.Context, runID string) (*task.TaskRun, error)
	FindRunByExternalID(ctx context.Context, externalID string) (*task.TaskRun, error)
	CancelRun(ctx context.Context, runID string) (bool, error)
}

// Renotifier re-broadcasts a queued run to connected workers. Wiring
// one is optional; polling workers pick the run up regardless.
type Renotifier interface {
	NotifyRunQueued(ctx context.Context, runID string) (int, error)
}

const (
	defaultPollInterval     = time.Second
	defaultRenotifyInterval = 5 * time.Second
	defaultMaxPollDuration  = 2 * time.Minute
	defaultCacheSize        = 1024
)

// Config tunes the executor's poll loop.
type Config struct {
	// PollInterval is how often the run is re-read while attached.
	PollInterval time.Duration
	// RenotifyInterval is how long a run may sit queued before workers
	// are poked again.
	RenotifyInterval time.Duration
	// MaxPollDuration bounds how long Execute stays attached. The run
	// keeps executing after detach.
	MaxPollDuration time.Duration
	// IdempotencyCacheSize bounds the external-id to run-id cache.
	IdempotencyCacheSize int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RenotifyInterval <= 0 {
		c.RenotifyInterval = defaultRenotifyInterval
	}
	if c.MaxPollDuration <= 0 {
		c.MaxPollDuration = defaultMaxPollDuration
	}
	if c.IdempotencyCacheSize <= 0 {
		c.IdempotencyCacheSize = defaultCacheSize
	}
	return c
}

// Executor bridges protocol requests onto the durable queue. Requests
// are idempotent by protocol task id: resubmitting an id attaches to
// the existing run instead of enqueueing a second one.
type Executor struct {
	cfg        Config
	tasks      TaskService
	renotifier Renotifier
	seen       *lru.Cache[string, string]
	logger     logging.Logger
}

// New creates an executor. renotifier may be nil.
func New(cfg Config, tasks TaskService, renotifier Renotifier, logger logging.Logger) *Executor {
	cfg = cfg.withDefaults()
	cache, _ := lru.New[string, string](cfg.IdempotencyCacheSize)
	return &Executor{
		cfg:        cfg,
		tasks:      tasks,
		renotifier: renotifier,
		seen:       cache,
		logger:     logging.OrNop(logger),
	}
}

// Execute submits the request's message as a task run and streams
// status events until the run settles or the poll budget runs out.
func (e *Executor) Execute(ctx context.Context, rc RequestContext, sink EventSink) error {
	prompt := promptFromParts(rc.Message.Parts)
	if prompt == "" {
		return sink.Put(StatusEvent(rc.TaskID, StateFailed, "message contains no text parts"))
	}

	run, err := e.resolveOrSubmit(ctx, rc, prompt, sink)
	if err != nil || run == nil {
		return err
	}
	if run.Status.IsTerminal() {
		return e.emitTerminal(rc.TaskID, run, sink)
	}

	if err := sink.Put(StatusEvent(rc.TaskID, StateWorking, "task queued for execution")); err != nil {
		return err
	}
	return e.pollUntilSettled(ctx, rc.TaskID, run.ID, sink)
}

// Cancel resolves the run behind the protocol task id and cancels it
// if it has not started yet.
func (e *Executor) Cancel(ctx context.Context, rc RequestContext, sink EventSink) error {
	run, err := e.resolveRun(ctx, rc.TaskID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		state, msg := stateForRun(run)
		return sink.Put(StatusEvent(rc.TaskID, state, msg))
	}

	ok, err := e.tasks.CancelRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", run.ID, err)
	}
	if !ok {
		return sink.Put(StatusEvent(rc.TaskID, StateWorking, "cannot cancel, currently running"))
	}
	e.logger.Info("A2A: run %s cancelled", run.ID)
	return sink.Put(StatusEvent(rc.TaskID, StateCancelled, "cancelled before execution"))
}

// resolveOrSubmit finds the run already submitted under the protocol
// task id or enqueues a new one. A nil run with nil error means a
// final event was already emitted.
func (e *Executor) resolveOrSubmit(ctx context.Context, rc RequestContext, prompt string, sink EventSink) (*task.TaskRun, error) {
	if run, err := e.lookup(ctx, rc.TaskID); err != nil {
		return nil, err
	} else if run != nil {
		e.logger.Info("A2A: task %s already submitted as run %s", rc.TaskID, run.ID)
		return run, nil
	}

	_, run, err := e.tasks.Submit(ctx, e.submitRequest(rc, prompt))
	if err != nil {
		if lim, ok := task.AsLimitExceeded(err); ok {
			msg := fmt.Sprintf("quota exceeded: %d/%d tasks this month, %d/%d running",
				lim.TasksUsed, lim.TasksLimit, lim.RunningCount, lim.ConcurrencyLimit)
			if putErr := sink.Put(StatusEvent(rc.TaskID, StateFailed, msg)); putErr != nil {
				return nil, putErr
			}
			return nil, nil
		}
		return nil, fmt.Errorf("submit task: %w", err)
	}

	e.seen.Add(rc.TaskID, run.ID)
	e.logger.Info("A2A: task %s submitted as run %s", rc.TaskID, run.ID)
	return run, nil
}

// lookup returns the run previously submitted under externalID, or
// nil when there is none.
func (e *Executor) lookup(ctx context.Context, externalID string) (*task.TaskRun, error) {
	if runID, ok := e.seen.Get(externalID); ok {
		run, err := e.tasks.GetRun(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, task.ErrNotFound) {
			return nil, fmt.Errorf("load cached run %s: %w", runID, err)
		}
		e.seen.Remove(externalID)
	}

	run, err := e.tasks.FindRunByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve external id %s: %w", externalID, err)
	}
	e.seen.Add(externalID, run.ID)
	return run, nil
}

func (e *Executor) resolveRun(ctx context.Context, externalID string) (*task.TaskRun, error) {
	run, err := e.lookup(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("task %s: %w", externalID, task.ErrNotFound)
	}
	return run, nil
}

func (e *Executor) submitRequest(rc RequestContext, prompt string) queue.SubmitRequest {
	md := mergedMetadata(rc)
	req := queue.SubmitRequest{
		Prompt:               prompt,
		UserID:               metaString(md, "user_id"),
		Priority:             metaInt(md, "priority"),
		TargetAgentName:      metaString(md, "target_agent_name"),
		RequiredCapabilities: metaStrings(md, "required_capabilities"),
		ModelRef:             metaString(md, "model_ref"),
		NotifyEmail:          metaString(md, "notify_email"),
		NotifyWebhookURL:     metaString(md, "notify_webhook_url"),
		Metadata:             map[string]string{task.MetadataExternalID: rc.TaskID},
	}
	if cb := metaString(md, "codebase_id"); cb != "" {
		req.Metadata[task.MetadataCodebaseID] = cb
	}
	if rc.ContextID != "" {
		req.Metadata["context_id"] = rc.ContextID
	}
	return req
}

func (e *Executor) pollUntilSettled(ctx context.Context, taskID, runID string, sink EventSink) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(e.cfg.MaxPollDuration)
	lastState := StateWorking
	lastNotify := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		run, err := e.tasks.GetRun(ctx, runID)
		if err != nil {
			e.logger.Warn("A2A: poll run %s: %v", runID, err)
		} else {
			if run.Status.IsTerminal() {
				return e.emitTerminal(taskID, run, sink)
			}
			state, msg := stateForRun(run)
			if state != lastState {
				if err := sink.Put(StatusEvent(taskID, state, msg)); err != nil {
					return err
				}
				lastState = state
			}
			if run.Status == task.RunQueued && e.renotifier != nil && time.Since(lastNotify) >= e.cfg.RenotifyInterval {
				if n, nerr := e.renotifier.NotifyRunQueued(ctx, runID); nerr != nil {
					e.logger.Warn("A2A: renotify run %s: %v", runID, nerr)
				} else if n > 0 {
					e.logger.Debug("A2A: renotified %d worker(s) for run %s", n, runID)
				}
				lastNotify = time.Now()
			}
		}

		if time.Now().After(deadline) {
			e.logger.Warn("A2A: run %s still %s after %s, detaching", runID, lastState, e.cfg.MaxPollDuration)
			return sink.Put(StatusEvent(taskID, StateFailed,
				fmt.Sprintf("execution did not settle within %s; run %s continues in the background",
					e.cfg.MaxPollDuration, runID)))
		}
	}
}

// emitTerminal sends the result artifact, when there is one, followed
// by the final status event.
func (e *Executor) emitTerminal(taskID string, run *task.TaskRun, sink EventSink) error {
	if run.ResultSummary != "" || len(run.ResultFull) > 0 {
		if err := sink.Put(ArtifactEvent(taskID, buildArtifact(run))); err != nil {
			return err
		}
	}
	state, msg := stateForRun(run)
	return sink.Put(StatusEvent(taskID, state, msg))
}

func buildArtifact(run *task.TaskRun) Artifact {
	parts := make([]Part, 0, 2)
	if run.ResultSummary != "" {
		parts = append(parts, TextPart{Text: run.ResultSummary})
	}
	if len(run.ResultFull) > 0 {
		var data map[string]any
		if err := json.Unmarshal(run.ResultFull, &data); err == nil && len(data) > 0 {
			parts = append(parts, DataPart{Data: data})
		}
	}
	return Artifact{
		ArtifactID: uuid.NewString(),
		Name:       "result",
		Parts:      parts,
	}
}

func stateForRun(run *task.TaskRun) (TaskState, string) {
	switch run.Status {
	case task.RunQueued:
		return StateWorking, "waiting for a worker"
	case task.RunRunning:
		return StateWorking, ""
	case task.RunNeedsInput:
		return StateInputRequired, "waiting for additional input"
	case task.RunCompleted:
		return StateCompleted, ""
	case task.RunFailed:
		return StateFailed, run.LastError
	case task.RunCancelled:
		return StateCancelled, ""
	default:
		return StateWorking, ""
	}
}

// promptFromParts joins the text parts with newlines. File and data
// parts do not contribute.
func promptFromParts(parts []Part) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if tp, ok := p.(TextPart); ok && strings.TrimSpace(tp.Text) != "" {
			texts = append(texts, tp.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// mergedMetadata overlays message metadata on request metadata; the
// message wins on conflicts.
func mergedMetadata(rc RequestContext) map[string]any {
	md := make(map[string]any, len(rc.Metadata)+len(rc.Message.Metadata))
	for k, v := range rc.Metadata {
		md[k] = v
	}
	for k, v := range rc.Message.Metadata {
		md[k] = v
	}
	return md
}

func metaString(md map[string]any, key string) string {
	if v, ok := md[key].(string); ok {
		return v
	}
	return ""
}

func metaInt(md map[string]any, key string) int {
	switch v := md[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func metaStrings(md map[string]any, key string) []string {
	switch v := md[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
