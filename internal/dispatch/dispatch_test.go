package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"fleet/internal/domain/task"
	"fleet/internal/registry"
)

type fakeStore struct {
	task.Store

	runs  map[string]*task.TaskRun
	tasks map[string]*task.Task
}

func (f *fakeStore) GetRun(_ context.Context, id string) (*task.TaskRun, error) {
	if r, ok := f.runs[id]; ok {
		return r, nil
	}
	return nil, task.ErrNotFound
}

func (f *fakeStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, task.ErrNotFound
}

func (f *fakeStore) ListRuns(_ context.Context, status task.RunStatus, _ int) ([]*task.TaskRun, error) {
	var out []*task.TaskRun
	for _, r := range f.runs {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func metaJSON(t *testing.T, kv map[string]string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(kv)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	return b
}

func TestDispatcher_TaskQueuedRoutesByMetadataCodebase(t *testing.T) {
	reg := registry.New(nil, nil)
	scoped := reg.Register("scoped", "coder", nil, []string{"billing"})
	bare := reg.Register("bare", "coder", nil, nil)

	d := New(&fakeStore{}, reg, nil)
	tsk := &task.Task{
		ID:       "task-1",
		Title:    "fix rounding",
		Prompt:   "prompt",
		Metadata: metaJSON(t, map[string]string{task.MetadataCodebaseID: "billing"}),
	}
	run := &task.TaskRun{ID: "run-1", TaskID: "task-1", Status: task.RunQueued, Priority: 2}

	d.TaskQueued(context.Background(), tsk, run)

	select {
	case ev := <-scoped.Mailbox:
		payload := ev.Data.(registry.TaskEvent)
		if payload.ID != "run-1" || payload.CodebaseID != "billing" || payload.Title != "fix rounding" {
			t.Errorf("payload = %+v", payload)
		}
	default:
		t.Fatalf("scoped worker not notified")
	}

	select {
	case ev := <-bare.Mailbox:
		t.Errorf("bare-affinity worker received codebase task: %+v", ev)
	default:
	}
}

func TestDispatcher_NotifyRunQueued(t *testing.T) {
	reg := registry.New(nil, nil)
	w := reg.Register("w1", "coder", nil, nil)

	store := &fakeStore{
		runs: map[string]*task.TaskRun{
			"run-1": {ID: "run-1", TaskID: "task-1", Status: task.RunQueued},
			"run-2": {ID: "run-2", TaskID: "task-1", Status: task.RunRunning},
		},
		tasks: map[string]*task.Task{
			"task-1": {ID: "task-1", Title: "t", Prompt: "p"},
		},
	}
	d := New(store, reg, nil)

	n, err := d.NotifyRunQueued(context.Background(), "run-1")
	if err != nil || n != 1 {
		t.Fatalf("notify queued = %d, %v", n, err)
	}
	<-w.Mailbox

	// A run no longer queued is not re-broadcast.
	n, err = d.NotifyRunQueued(context.Background(), "run-2")
	if err != nil || n != 0 {
		t.Fatalf("notify running run = %d, %v; want 0", n, err)
	}

	if _, err := d.NotifyRunQueued(context.Background(), "missing"); err == nil {
		t.Errorf("notify for missing run succeeded")
	}
}

func TestDispatcher_PokeQueued(t *testing.T) {
	reg := registry.New(nil, nil)
	w := reg.Register("w1", "coder", nil, nil)

	store := &fakeStore{
		runs: map[string]*task.TaskRun{
			"run-1": {ID: "run-1", TaskID: "task-1", Status: task.RunQueued},
			"run-2": {ID: "run-2", TaskID: "task-1", Status: task.RunQueued},
		},
		tasks: map[string]*task.Task{
			"task-1": {ID: "task-1", Title: "t", Prompt: "p"},
		},
	}
	d := New(store, reg, nil)

	notified, err := d.PokeQueued(context.Background(), 10)
	if err != nil {
		t.Fatalf("poke: %v", err)
	}
	if notified != 2 {
		t.Errorf("notified = %d, want 2", notified)
	}
	if len(w.Mailbox) != 2 {
		t.Errorf("mailbox depth = %d, want 2", len(w.Mailbox))
	}
}
