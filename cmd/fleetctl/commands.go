package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fleet/internal/domain/task"
	"fleet/internal/queue"
)

// taskFile is the YAML shape accepted by enqueue -f.
type taskFile struct {
	Title         string            `yaml:"title"`
	Prompt        string            `yaml:"prompt"`
	Model         string            `yaml:"model"`
	AgentType     string            `yaml:"agent_type"`
	UserID        string            `yaml:"user_id"`
	Priority      int               `yaml:"priority"`
	TargetAgent   string            `yaml:"target_agent"`
	Capabilities  []string          `yaml:"capabilities"`
	Deadline      string            `yaml:"deadline"`
	NotifyEmail   string            `yaml:"notify_email"`
	NotifyWebhook string            `yaml:"notify_webhook"`
	Metadata      map[string]string `yaml:"metadata"`
	MaxAttempts   int               `yaml:"max_attempts"`
}

// newEnqueueCommand creates the enqueue subcommand
func newEnqueueCommand() *cobra.Command {
	var (
		file          string
		title         string
		model         string
		agentType     string
		userID        string
		priority      int
		targetAgent   string
		capabilities  []string
		deadline      string
		notifyEmail   string
		notifyWebhook string
		metadata      map[string]string
		maxAttempts   int
		wait          bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue [prompt]",
		Short: "Enqueue a task for the worker fleet",
		Long: `Enqueue a task. The prompt comes from the arguments, from a YAML
task file (-f), or both - arguments win when both are given.

Examples:
  fleetctl enqueue "refresh the staging fixtures"
  fleetctl enqueue -p 5 --target-agent coder "fix the flaky test"
  fleetctl enqueue -f nightly-task.yaml --wait

Task file fields: title, prompt, model, agent_type, user_id, priority,
target_agent, capabilities, deadline, notify_email, notify_webhook,
metadata, max_attempts.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req queue.SubmitRequest
			if file != "" {
				loaded, err := loadTaskFile(file)
				if err != nil {
					return err
				}
				req = *loaded
			}
			if len(args) > 0 {
				req.Prompt = strings.Join(args, " ")
			}

			flags := cmd.Flags()
			if flags.Changed("title") {
				req.Title = title
			}
			if flags.Changed("model") {
				req.ModelRef = model
			}
			if flags.Changed("agent-type") {
				req.AgentType = agentType
			}
			if flags.Changed("user") {
				req.UserID = userID
			}
			if flags.Changed("priority") {
				req.Priority = priority
			}
			if flags.Changed("target-agent") {
				req.TargetAgentName = targetAgent
			}
			if flags.Changed("capability") {
				req.RequiredCapabilities = capabilities
			}
			if flags.Changed("notify-email") {
				req.NotifyEmail = notifyEmail
			}
			if flags.Changed("notify-webhook") {
				req.NotifyWebhookURL = notifyWebhook
			}
			if flags.Changed("meta") {
				req.Metadata = metadata
			}
			if flags.Changed("max-attempts") {
				req.MaxAttempts = maxAttempts
			}
			if flags.Changed("deadline") {
				at, err := parseDeadline(deadline)
				if err != nil {
					return err
				}
				req.DeadlineAt = at
			}

			if strings.TrimSpace(req.Prompt) == "" {
				return errors.New("a prompt is required: pass it as arguments or in the task file")
			}

			client := newClient()
			res, err := client.EnqueueTask(cmd.Context(), req)
			if err != nil {
				return err
			}

			if jsonOutput() {
				return printJSON(res)
			}

			fmt.Printf("%s task %s\n", green("Enqueued:"), bold(res.Task.ID))
			fmt.Printf("  %s: %s\n", bold("Run"), res.Run.ID)
			fmt.Printf("  %s: %s\n", bold("Title"), res.Task.Title)
			fmt.Printf("  %s: %d\n", bold("Priority"), res.Run.Priority)
			if res.Run.TargetAgentName != "" {
				fmt.Printf("  %s: %s\n", bold("Target Agent"), res.Run.TargetAgentName)
			}

			if !wait {
				return nil
			}
			final, err := waitForRun(cmd.Context(), client, res.Run.ID)
			if err != nil {
				return err
			}
			fmt.Println()
			renderRunDetail(final)
			return terminalExitError(final)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML task file")
	cmd.Flags().StringVar(&title, "title", "", "Task title (defaults to the first prompt line)")
	cmd.Flags().StringVar(&model, "model", "", "Model reference, e.g. provider:model")
	cmd.Flags().StringVar(&agentType, "agent-type", "", "Agent type hint for the runtime")
	cmd.Flags().StringVar(&userID, "user", "", "User the task is billed against")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "Priority (higher dispatches first)")
	cmd.Flags().StringVar(&targetAgent, "target-agent", "", "Pin the run to a named agent")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "Required worker capability (repeatable)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "Deadline as RFC3339 or a duration like 2h")
	cmd.Flags().StringVar(&notifyEmail, "notify-email", "", "Email address notified on completion")
	cmd.Flags().StringVar(&notifyWebhook, "notify-webhook", "", "Webhook URL notified on completion")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Metadata key=value (repeatable)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Retry budget for the run")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Poll until the run settles")

	return cmd
}

// newStatusCommand creates the status subcommand
func newStatusCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()

			if watch {
				run, err := waitForRun(cmd.Context(), client, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(run)
				}
				fmt.Println()
				renderRunDetail(run)
				return terminalExitError(run)
			}

			run, err := client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(run)
			}
			renderRunDetail(run)
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Poll until the run settles")
	return cmd
}

// newRunsCommand creates the runs subcommand
func newRunsCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Long: `List runs, most recently updated first. Filter with --status
(queued, running, needs_input, completed, failed, cancelled).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := newClient().ListRuns(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(runs)
			}
			renderRunTable(runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by run status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows")
	return cmd
}

// newWorkersCommand creates the workers subcommand
func newWorkersCommand() *cobra.Command {
	var (
		connected bool
		all       bool
	)

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List the worker fleet",
		Long: `List persisted worker rows (active by default, --all for stopped
ones too). --connected shows the live task-stream sessions instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()

			if connected {
				workers, err := client.ConnectedWorkers(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(workers)
				}
				renderConnectedWorkers(workers)
				return nil
			}

			workers, err := client.ListWorkers(cmd.Context(), !all)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(workers)
			}
			renderWorkerTable(workers)
			return nil
		},
	}

	cmd.Flags().BoolVar(&connected, "connected", false, "Show live task-stream sessions")
	cmd.Flags().BoolVar(&all, "all", false, "Include stopped workers")
	return cmd
}

// newCancelCommand creates the cancel subcommand
func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a queued run",
		Long: `Cancel a run that is still queued. Runs already claimed by a worker
cannot be cancelled; let them finish or expire.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().CancelRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s run %s cancelled\n", green("OK:"), args[0])
			return nil
		},
	}
}

// newStatsCommand creates the stats subcommand
func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue and fleet counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := newClient().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(stats)
			}

			fmt.Printf("%s\n", bold("Queue"))
			fmt.Printf("  %s: %d\n", bold("Depth"), stats.QueueDepth)
			fmt.Printf("  %s: %d\n", bold("Running"), stats.Running)
			fmt.Printf("%s\n", bold("Registry"))
			fmt.Printf("  %s: %d\n", bold("Connected Workers"), stats.Registry.ConnectedWorkers)
			fmt.Printf("  %s: %d\n", bold("Busy Workers"), stats.Registry.BusyWorkers)
			fmt.Printf("  %s: %d\n", bold("Events Sent"), stats.Registry.EventsSent)
			fmt.Printf("  %s: %d\n", bold("Events Dropped"), stats.Registry.EventsDropped)
			fmt.Printf("  %s: %d\n", bold("Total Connections"), stats.Registry.TotalConnections)
			return nil
		},
	}
}

// newLogsCommand creates the logs subcommand
func newLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <run-id|worker-id>",
		Short: "Show server log lines mentioning an id",
		Long: `Grep the server's debug log for lines mentioning a run or worker id.
Useful when a run failed and the stored error is not enough.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snippet, err := newClient().LogSearch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(snippet)
			}

			if snippet.Error == "not_found" {
				return fmt.Errorf("no server log file at %s", snippet.Path)
			}
			if snippet.Error != "" {
				return fmt.Errorf("log search failed: %s", snippet.Error)
			}
			if len(snippet.Entries) == 0 {
				fmt.Printf("%s no log lines mention %s\n", yellow("Empty:"), args[0])
				return nil
			}

			fmt.Printf("%s\n", gray(snippet.Path))
			for _, line := range snippet.Entries {
				fmt.Println(line)
			}
			if snippet.Truncated {
				fmt.Printf("%s output truncated\n", yellow("Note:"))
			}
			return nil
		},
	}
}

// loadTaskFile reads a YAML task description into a submit request.
func loadTaskFile(path string) (*queue.SubmitRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var spec taskFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}

	req := &queue.SubmitRequest{
		Title:                spec.Title,
		Prompt:               spec.Prompt,
		ModelRef:             spec.Model,
		AgentType:            spec.AgentType,
		UserID:               spec.UserID,
		Priority:             spec.Priority,
		TargetAgentName:      spec.TargetAgent,
		RequiredCapabilities: spec.Capabilities,
		NotifyEmail:          spec.NotifyEmail,
		NotifyWebhookURL:     spec.NotifyWebhook,
		Metadata:             spec.Metadata,
		MaxAttempts:          spec.MaxAttempts,
	}
	if spec.Deadline != "" {
		at, err := parseDeadline(spec.Deadline)
		if err != nil {
			return nil, fmt.Errorf("task file %s: %w", path, err)
		}
		req.DeadlineAt = at
	}
	return req, nil
}

// parseDeadline accepts an absolute RFC3339 timestamp or a relative
// duration like "90m".
func parseDeadline(s string) (*time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("deadline duration must be positive, got %q", s)
		}
		at := time.Now().Add(d)
		return &at, nil
	}
	if at, err := time.Parse(time.RFC3339, s); err == nil {
		return &at, nil
	}
	return nil, fmt.Errorf("deadline %q is neither RFC3339 nor a duration", s)
}

// waitForRun polls a run until it reaches a terminal status, printing
// each transition as it happens.
func waitForRun(ctx context.Context, client *apiClient, runID string) (*task.TaskRun, error) {
	const pollInterval = 2 * time.Second

	var lastStatus task.RunStatus
	for {
		run, err := client.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status != lastStatus {
			fmt.Printf("%s %s\n", gray(time.Now().Format("15:04:05")), statusLabel(run.Status, 0))
			lastStatus = run.Status
		}
		if run.Status.IsTerminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// terminalExitError maps a settled run to the command's exit status:
// completed exits zero, anything else reports why.
func terminalExitError(run *task.TaskRun) error {
	switch run.Status {
	case task.RunCompleted:
		return nil
	case task.RunCancelled:
		return fmt.Errorf("run %s was cancelled", run.ID)
	default:
		if run.LastError != "" {
			return fmt.Errorf("run %s failed: %s", run.ID, run.LastError)
		}
		return fmt.Errorf("run %s settled as %s", run.ID, run.Status)
	}
}
