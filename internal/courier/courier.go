// Package courier delivers run-completion notifications over email and
// webhook channels. The per (run, channel) ledger in the store is the
// only lock: a send is attempted only after ClaimForSend wins the CAS,
// so any number of courier instances can run concurrently without
// double delivery.
package courier

import (
	"context"
	"fmt"
	"time"

	"fleet/internal/domain/task"
	"fleet/internal/observability"
	fleeterrors "fleet/internal/shared/errors"
	"fleet/internal/shared/logging"
)

const defaultMaxAttempts = 3

// Config tunes delivery behaviour.
type Config struct {
	// MaxAttempts bounds sends per (run, channel). After it the
	// channel latches failed with no retry scheduled.
	MaxAttempts int
	// SendTimeout caps one Send call. Zero means the channel's own
	// client timeout applies.
	SendTimeout time.Duration
}

// Courier runs the claim, send, settle loop for run notifications.
type Courier struct {
	cfg      Config
	store    task.Store
	channels map[task.Channel]Channel
	metrics  *observability.MetricsCollector
	logger   logging.Logger
}

// New creates a courier. Channels are attached with Register.
func New(cfg Config, store task.Store, metrics *observability.MetricsCollector, logger logging.Logger) *Courier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Courier{
		cfg:      cfg,
		store:    store,
		channels: make(map[task.Channel]Channel),
		metrics:  metrics,
		logger:   logging.OrNop(logger),
	}
}

// Register attaches a delivery channel. The channel's Name decides
// which run destinations it serves.
func (c *Courier) Register(ch Channel) {
	c.channels[task.Channel(ch.Name())] = ch
}

// DeliverForRun attempts every eligible notification for a terminal
// run and returns how many were delivered. Send failures settle
// through MarkFailed and surface on a later retry pass, so they are
// logged here rather than returned.
func (c *Courier) DeliverForRun(ctx context.Context, run *task.TaskRun) int {
	if run == nil || !run.Status.IsTerminal() {
		return 0
	}

	title := c.lookupTitle(ctx, run.TaskID)
	now := time.Now().UTC()
	sent := 0
	for _, key := range []task.Channel{task.ChannelEmail, task.ChannelWebhook} {
		dest := run.Destination(key)
		if dest == "" || !eligible(run.ChannelState(key), now) {
			continue
		}
		ch, ok := c.channels[key]
		if !ok {
			c.logger.Warn("Courier: no %s channel registered, run %s notification stays pending", key, run.ID)
			continue
		}
		ok, err := c.attempt(ctx, run, key, ch, dest, title)
		if err != nil {
			c.logger.Error("Courier: %s notification for run %s: %v", key, run.ID, err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent
}

// RetryPass re-drives failed notifications whose backoff has elapsed.
func (c *Courier) RetryPass(ctx context.Context, limit int) (int, error) {
	runs, err := c.store.PendingNotificationRetries(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list notification retries: %w", err)
	}

	sent := 0
	for _, run := range runs {
		sent += c.DeliverForRun(ctx, run)
	}
	if sent > 0 {
		c.logger.Info("Courier: retry pass delivered %d notification(s)", sent)
	}
	return sent, nil
}

func (c *Courier) attempt(ctx context.Context, run *task.TaskRun, key task.Channel, ch Channel, dest, title string) (bool, error) {
	claimed, err := c.store.ClaimForSend(ctx, run.ID, key, c.cfg.MaxAttempts)
	if err != nil {
		return false, fmt.Errorf("claim for send: %w", err)
	}
	if !claimed {
		c.logger.Debug("Courier: %s notification for run %s already claimed or settled", key, run.ID)
		return false, nil
	}
	attempt := run.ChannelState(key).Attempts + 1

	d := Delivery{
		Event:         eventForStatus(run.Status),
		RunID:         run.ID,
		TaskID:        run.TaskID,
		Title:         title,
		Status:        string(run.Status),
		ResultSummary: run.ResultSummary,
		Error:         run.LastError,
		Timestamp:     time.Now().UTC(),
		Destination:   dest,
	}

	sendCtx := ctx
	if c.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, c.cfg.SendTimeout)
		defer cancel()
	}

	if sendErr := ch.Send(sendCtx, d); sendErr != nil {
		c.logger.Warn("Courier: %s notification for run %s failed on attempt %d/%d (%s): %v",
			key, run.ID, attempt, c.cfg.MaxAttempts, fleeterrors.GetErrorType(sendErr), sendErr)
		if err := c.store.MarkFailed(ctx, run.ID, key, sendErr.Error(), c.cfg.MaxAttempts); err != nil {
			return false, fmt.Errorf("mark failed: %w", err)
		}
		c.metrics.RecordNotification(ctx, ch.Name(), "failed")
		return false, nil
	}

	if err := c.store.MarkSent(ctx, run.ID, key); err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	c.metrics.RecordNotification(ctx, ch.Name(), "sent")
	c.logger.Info("Courier: %s notification delivered for run %s (attempt %d)", key, run.ID, attempt)
	return true, nil
}

func (c *Courier) lookupTitle(ctx context.Context, taskID string) string {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil || t == nil {
		c.logger.Debug("Courier: task %s not found for notification title: %v", taskID, err)
		return ""
	}
	return t.Title
}

// eligible reports whether the channel ledger admits a new claim right
// now. The SQL CAS re-checks the same condition; this just avoids
// pointless round trips.
func eligible(state task.NotificationState, now time.Time) bool {
	switch state.Status {
	case task.NotificationPending:
		return true
	case task.NotificationFailed:
		return state.NextRetryAt != nil && !state.NextRetryAt.After(now)
	default:
		return false
	}
}

func eventForStatus(s task.RunStatus) string {
	switch s {
	case task.RunCompleted:
		return "task_completed"
	case task.RunFailed:
		return "task_failed"
	case task.RunCancelled:
		return "task_cancelled"
	default:
		return "task_" + string(s)
	}
}
