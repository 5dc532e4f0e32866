package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fleet/internal/domain/task"
	"fleet/internal/registry"
)

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// statusLabel colorizes a run status, padded to width before the color
// codes go on so table columns stay aligned.
func statusLabel(status task.RunStatus, width int) string {
	s := string(status)
	if width > len(s) {
		s += strings.Repeat(" ", width-len(s))
	}
	switch status {
	case task.RunQueued:
		return yellow(s)
	case task.RunRunning:
		return blue(s)
	case task.RunNeedsInput:
		return cyan(s)
	case task.RunCompleted:
		return green(s)
	case task.RunFailed:
		return red(s)
	case task.RunCancelled:
		return gray(s)
	default:
		return s
	}
}

func workerStatusLabel(status task.WorkerStatus, width int) string {
	s := string(status)
	if width > len(s) {
		s += strings.Repeat(" ", width-len(s))
	}
	if status == task.WorkerActive {
		return green(s)
	}
	return gray(s)
}

func renderRunDetail(run *task.TaskRun) {
	fmt.Printf("%s %s\n", bold("Run"), run.ID)
	fmt.Printf("  %s: %s\n", bold("Task"), run.TaskID)
	fmt.Printf("  %s: %s\n", bold("Status"), statusLabel(run.Status, 0))
	fmt.Printf("  %s: %d\n", bold("Priority"), run.Priority)
	fmt.Printf("  %s: %d/%d\n", bold("Attempts"), run.Attempts, run.MaxAttempts)
	if run.UserID != "" {
		fmt.Printf("  %s: %s\n", bold("User"), run.UserID)
	}
	if run.LeaseOwner != nil {
		lease := *run.LeaseOwner
		if run.LeaseExpiresAt != nil {
			lease += gray(" (expires " + formatTime(*run.LeaseExpiresAt) + ")")
		}
		fmt.Printf("  %s: %s\n", bold("Lease"), lease)
	}
	if run.TargetAgentName != "" {
		fmt.Printf("  %s: %s\n", bold("Target Agent"), run.TargetAgentName)
	}
	if len(run.RequiredCapabilities) > 0 {
		fmt.Printf("  %s: %s\n", bold("Capabilities"), strings.Join(run.RequiredCapabilities, ", "))
	}
	if run.DeadlineAt != nil {
		fmt.Printf("  %s: %s\n", bold("Deadline"), formatTime(*run.DeadlineAt))
	}

	fmt.Printf("  %s: %s\n", bold("Created"), formatTime(run.CreatedAt))
	if run.StartedAt != nil {
		fmt.Printf("  %s: %s\n", bold("Started"), formatTime(*run.StartedAt))
	}
	if run.CompletedAt != nil {
		fmt.Printf("  %s: %s\n", bold("Completed"), formatTime(*run.CompletedAt))
	}
	if run.RuntimeSeconds > 0 {
		fmt.Printf("  %s: %.1fs\n", bold("Runtime"), run.RuntimeSeconds)
	}

	if run.ResultSummary != "" {
		fmt.Printf("  %s: %s\n", bold("Result"), green(run.ResultSummary))
	}
	if run.LastError != "" {
		fmt.Printf("  %s: %s\n", bold("Last Error"), red(run.LastError))
	}
	if run.RoutingFailureReason != "" {
		fmt.Printf("  %s: %s\n", bold("Routing"), yellow(run.RoutingFailureReason))
	}

	if run.NotifyEmail != "" {
		fmt.Printf("  %s: %s %s\n", bold("Email"), run.NotifyEmail, notifLine(run.Email))
	}
	if run.NotifyWebhookURL != "" {
		fmt.Printf("  %s: %s %s\n", bold("Webhook"), run.NotifyWebhookURL, notifLine(run.Webhook))
	}
}

func notifLine(state task.NotificationState) string {
	switch state.Status {
	case task.NotificationSent:
		return green(fmt.Sprintf("(sent, %d attempts)", state.Attempts))
	case task.NotificationFailed:
		return red(fmt.Sprintf("(failed after %d attempts: %s)", state.Attempts, state.LastError))
	case task.NotificationPending, task.NotificationClaimed:
		if state.NextRetryAt != nil {
			return yellow(fmt.Sprintf("(pending, retry %s)", formatTime(*state.NextRetryAt)))
		}
		return yellow("(pending)")
	default:
		return ""
	}
}

func renderRunTable(runs []*task.TaskRun) {
	if len(runs) == 0 {
		fmt.Println(gray("No runs."))
		return
	}

	fmt.Printf("%-36s  %-12s  %3s  %3s  %-20s  %s\n", "RUN ID", "STATUS", "PRI", "ATT", "WORKER", "UPDATED")
	for _, run := range runs {
		worker := "-"
		if run.LeaseOwner != nil {
			worker = *run.LeaseOwner
		}
		fmt.Printf("%-36s  %s  %3d  %3d  %-20s  %s\n",
			run.ID,
			statusLabel(run.Status, 12),
			run.Priority,
			run.Attempts,
			truncate(worker, 20),
			formatAge(run.UpdatedAt),
		)
	}
}

func renderWorkerTable(workers []*task.Worker) {
	if len(workers) == 0 {
		fmt.Println(gray("No workers."))
		return
	}

	fmt.Printf("%-30s  %-8s  %-16s  %5s  %6s  %6s  %s\n",
		"WORKER ID", "STATUS", "HOST", "LOAD", "DONE", "FAILED", "HEARTBEAT")
	for _, w := range workers {
		fmt.Printf("%-30s  %s  %-16s  %2d/%-2d  %6d  %6d  %s\n",
			truncate(w.ID, 30),
			workerStatusLabel(w.Status, 8),
			truncate(w.Hostname, 16),
			w.CurrentTasks, w.MaxConcurrentTasks,
			w.TasksCompleted,
			w.TasksFailed,
			formatAge(w.LastHeartbeat),
		)
	}
}

func renderConnectedWorkers(workers []registry.WorkerInfo) {
	if len(workers) == 0 {
		fmt.Println(gray("No connected workers."))
		return
	}

	fmt.Printf("%-30s  %-12s  %-4s  %-36s  %7s  %s\n",
		"WORKER ID", "AGENT", "BUSY", "CURRENT RUN", "MAILBOX", "CONNECTED")
	for _, w := range workers {
		busy := green("idle")
		if w.IsBusy {
			busy = yellow("busy")
		}
		run := w.CurrentRunID
		if run == "" {
			run = "-"
		}
		fmt.Printf("%-30s  %-12s  %s  %-36s  %7d  %s\n",
			truncate(w.WorkerID, 30),
			truncate(w.AgentName, 12),
			busy,
			truncate(run, 36),
			w.MailboxDepth,
			formatAge(w.ConnectedAt),
		)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

// formatAge renders how long ago t was, coarsely.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh ago", d.Hours())
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
