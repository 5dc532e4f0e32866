package postgres

import (
	"context"
	"fmt"

	"fleet/internal/domain/task"
	fleeterrors "fleet/internal/shared/errors"
)

// Notification backoff: min(2^attempts * 30s, 10min), computed in SQL
// from the post-claim attempt count.
const (
	notificationBackoffBaseSeconds = 30
	notificationBackoffCapSeconds  = 600
)

// channelColumns maps a delivery channel to its ledger columns on the
// runs table.
func channelColumns(ch task.Channel) (statusCol, attemptsCol, retryCol, lastErrCol string, err error) {
	switch ch {
	case task.ChannelEmail:
		return "notification_status", "notification_attempts", "notification_next_retry_at", "notification_last_error", nil
	case task.ChannelWebhook:
		return "webhook_status", "webhook_attempts", "webhook_next_retry_at", "webhook_last_error", nil
	default:
		return "", "", "", "", fmt.Errorf("unknown notification channel %q", ch)
	}
}

// ClaimForSend is the notification mutual-exclusion primitive: a
// pending entry, or a failed entry whose retry time arrived, flips to
// claimed with the attempt counted, atomically. Concurrent claimers
// (a completing worker and the retry loop) race here and exactly one
// wins.
func (s *Store) ClaimForSend(ctx context.Context, runID string, ch task.Channel, maxAttempts int) (bool, error) {
	statusCol, attemptsCol, retryCol, _, err := channelColumns(ch)
	if err != nil {
		return false, err
	}
	if maxAttempts <= 0 {
		maxAttempts = task.DefaultMaxAttempts
	}

	query := fmt.Sprintf(
		`UPDATE %s SET %s = $1, %s = %s + 1, updated_at = now()
		 WHERE id = $2 AND %s < $3
		   AND (%s = $4 OR (%s = $5 AND %s IS NOT NULL AND %s <= now()))`,
		runsTable, statusCol, attemptsCol, attemptsCol,
		attemptsCol,
		statusCol, statusCol, retryCol, retryCol)
	tag, err := s.pool.Exec(ctx, query,
		string(task.NotificationClaimed), runID, maxAttempts,
		string(task.NotificationPending), string(task.NotificationFailed))
	if err != nil {
		return false, fmt.Errorf("claim %s notification for run %s: %w", ch, runID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSent settles a claimed notification as sent. Terminal: a second
// settle for the same (run, channel) is a protocol violation and
// reports an error.
func (s *Store) MarkSent(ctx context.Context, runID string, ch task.Channel) error {
	statusCol, _, retryCol, lastErrCol, err := channelColumns(ch)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		`UPDATE %s SET %s = $1, %s = NULL, %s = '', updated_at = now()
		 WHERE id = $2 AND %s = $3`,
		runsTable, statusCol, retryCol, lastErrCol, statusCol)
	tag, err := s.pool.Exec(ctx, query,
		string(task.NotificationSent), runID, string(task.NotificationClaimed))
	if err != nil {
		return fmt.Errorf("mark %s notification sent for run %s: %w", ch, runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s notification for run %s is not in claimed state", ch, runID)
	}
	return nil
}

// MarkFailed settles a claimed notification as failed. While attempts
// remain the next retry is scheduled with exponential backoff;
// afterwards the failure latches with no retry time.
func (s *Store) MarkFailed(ctx context.Context, runID string, ch task.Channel, sendErr string, maxAttempts int) error {
	statusCol, attemptsCol, retryCol, lastErrCol, err := channelColumns(ch)
	if err != nil {
		return err
	}
	if maxAttempts <= 0 {
		maxAttempts = task.DefaultMaxAttempts
	}

	query := fmt.Sprintf(
		`UPDATE %s SET %s = $1, %s = $2,
			%s = CASE WHEN %s < $3
				THEN now() + make_interval(secs => LEAST(POWER(2, %s) * %d, %d))
				ELSE NULL END,
			updated_at = now()
		 WHERE id = $4 AND %s = $5`,
		runsTable, statusCol, lastErrCol,
		retryCol, attemptsCol, attemptsCol,
		notificationBackoffBaseSeconds, notificationBackoffCapSeconds,
		statusCol)
	tag, err := s.pool.Exec(ctx, query,
		string(task.NotificationFailed), fleeterrors.Truncate(sendErr, maxErrorLen),
		maxAttempts, runID, string(task.NotificationClaimed))
	if err != nil {
		return fmt.Errorf("mark %s notification failed for run %s: %w", ch, runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s notification for run %s is not in claimed state", ch, runID)
	}
	return nil
}

// PendingNotificationRetries returns runs with at least one failed
// channel whose retry time arrived, oldest first. Latched failures
// carry no retry time and never surface here.
func (s *Store) PendingNotificationRetries(ctx context.Context, limit int) ([]*task.TaskRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM `+runsTable+`
		 WHERE (notification_status = $1 AND notification_next_retry_at IS NOT NULL AND notification_next_retry_at <= now())
		    OR (webhook_status = $1 AND webhook_next_retry_at IS NOT NULL AND webhook_next_retry_at <= now())
		 ORDER BY updated_at ASC
		 LIMIT $2`,
		string(task.NotificationFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("pending notification retries: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}
