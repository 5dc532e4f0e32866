// Package dispatch turns queued runs into task_available pushes for
// matching live workers. Pushes are wakeup hints only; the SQL claim
// re-applies every routing filter, and polling remains the correctness
// floor for workers that miss a push.
package dispatch

import (
	"context"
	"fmt"

	"fleet/internal/domain/task"
	"fleet/internal/registry"
	"fleet/internal/shared/logging"
)

// Dispatcher fans queued-run notifications out through the registry.
type Dispatcher struct {
	store    task.Store
	registry *registry.Registry
	logger   logging.Logger
}

// New creates a Dispatcher.
func New(store task.Store, reg *registry.Registry, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: reg,
		logger:   logging.OrNop(logger),
	}
}

// TaskQueued broadcasts a freshly queued run. Implements the queue
// service's Notifier.
func (d *Dispatcher) TaskQueued(ctx context.Context, t *task.Task, run *task.TaskRun) {
	d.broadcast(t, run)
}

// NotifyRunQueued re-broadcasts one run by id, loading its task for
// the payload. Used by the A2A adapter when a run lingers in the
// queue. Returns the number of workers notified.
func (d *Dispatcher) NotifyRunQueued(ctx context.Context, runID string) (int, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status != task.RunQueued {
		return 0, nil
	}
	t, err := d.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return 0, fmt.Errorf("load task %s: %w", run.TaskID, err)
	}
	return len(d.broadcast(t, run)), nil
}

// PokeQueued re-broadcasts up to limit queued runs. The reaper calls
// this after reclaiming leases so requeued work reaches workers that
// connected after the original broadcast.
func (d *Dispatcher) PokeQueued(ctx context.Context, limit int) (int, error) {
	runs, err := d.store.ListRuns(ctx, task.RunQueued, limit)
	if err != nil {
		return 0, fmt.Errorf("list queued runs: %w", err)
	}

	notified := 0
	for _, run := range runs {
		t, err := d.store.GetTask(ctx, run.TaskID)
		if err != nil {
			d.logger.Warn("Dispatch: load task %s for run %s: %v", run.TaskID, run.ID, err)
			continue
		}
		if len(d.broadcast(t, run)) > 0 {
			notified++
		}
	}
	return notified, nil
}

func (d *Dispatcher) broadcast(t *task.Task, run *task.TaskRun) []string {
	event := registry.TaskEvent{
		ID:                   run.ID,
		Title:                t.Title,
		Prompt:               t.Prompt,
		Model:                t.ModelRef,
		Priority:             run.Priority,
		CodebaseID:           t.MetadataString(task.MetadataCodebaseID),
		TargetAgentName:      run.TargetAgentName,
		RequiredCapabilities: run.RequiredCapabilities,
	}

	notified := d.registry.BroadcastTask(event, event.CodebaseID, run.TargetAgentName, run.RequiredCapabilities)
	if len(notified) == 0 {
		d.logger.Debug("Dispatch: no live workers for run %s (agent=%s codebase=%s); polling will pick it up",
			run.ID, run.TargetAgentName, event.CodebaseID)
	}
	return notified
}
