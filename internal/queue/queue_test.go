package queue

import (
	"context"
	"strings"
	"testing"

	"fleet/internal/domain/task"
)

type fakeStore struct {
	task.Store

	created     []*task.Task
	enqueued    []task.EnqueueRequest
	enqueueErr  error
	tasks       map[string]*task.Task
	cancelOK    bool
	depth       int
	runningRuns int
}

func (f *fakeStore) CreateTask(_ context.Context, t *task.Task) error {
	f.created = append(f.created, t)
	return nil
}

func (f *fakeStore) Enqueue(_ context.Context, req task.EnqueueRequest) (*task.TaskRun, error) {
	f.enqueued = append(f.enqueued, req)
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	return &task.TaskRun{
		ID:          "run-1",
		TaskID:      req.TaskID,
		UserID:      req.UserID,
		Status:      task.RunQueued,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}, nil
}

func (f *fakeStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, task.ErrNotFound
}

func (f *fakeStore) CancelRun(context.Context, string) (bool, error) {
	return f.cancelOK, nil
}

func (f *fakeStore) QueueDepth(context.Context) (int, error)   { return f.depth, nil }
func (f *fakeStore) RunningCount(context.Context) (int, error) { return f.runningRuns, nil }

type fakeNotifier struct {
	calls    int
	lastTask *task.Task
	lastRun  *task.TaskRun
}

func (n *fakeNotifier) TaskQueued(_ context.Context, t *task.Task, run *task.TaskRun) {
	n.calls++
	n.lastTask = t
	n.lastRun = run
}

func TestSubmitCreatesTaskAndRun(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	svc := New(Config{}, store, notifier, nil, nil)

	created, run, err := svc.Submit(context.Background(), SubmitRequest{
		Prompt:   "Review the billing module\nFocus on invoice rounding.",
		UserID:   "user-1",
		Priority: 5,
		Metadata: map[string]string{task.MetadataCodebaseID: "billing"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if created.Title != "Review the billing module" {
		t.Errorf("derived title = %q", created.Title)
	}
	if created.MetadataString(task.MetadataCodebaseID) != "billing" {
		t.Errorf("metadata not encoded: %s", created.Metadata)
	}
	if run.Status != task.RunQueued || run.TaskID != created.ID {
		t.Errorf("run = %+v", run)
	}

	if len(store.enqueued) != 1 {
		t.Fatalf("enqueue calls = %d", len(store.enqueued))
	}
	req := store.enqueued[0]
	if req.MaxAttempts != task.DefaultMaxAttempts {
		t.Errorf("max attempts = %d, want default %d", req.MaxAttempts, task.DefaultMaxAttempts)
	}
	if req.UserID != "user-1" || req.Priority != 5 {
		t.Errorf("enqueue request = %+v", req)
	}

	if notifier.calls != 1 || notifier.lastRun.ID != run.ID {
		t.Errorf("notifier calls = %d", notifier.calls)
	}
}

func TestSubmitRequiresPrompt(t *testing.T) {
	svc := New(Config{}, &fakeStore{}, nil, nil, nil)
	if _, _, err := svc.Submit(context.Background(), SubmitRequest{Title: "no prompt"}); err == nil {
		t.Fatalf("submit without prompt succeeded")
	}
}

func TestSubmitQuotaRejected(t *testing.T) {
	store := &fakeStore{
		enqueueErr: &task.LimitExceededError{TasksUsed: 100, TasksLimit: 100},
	}
	notifier := &fakeNotifier{}
	svc := New(Config{}, store, notifier, nil, nil)

	_, _, err := svc.Submit(context.Background(), SubmitRequest{Prompt: "p", UserID: "user-1"})
	lim, ok := task.AsLimitExceeded(err)
	if !ok {
		t.Fatalf("error = %v, want LimitExceededError", err)
	}
	if lim.TasksUsed != 100 {
		t.Errorf("tasks used = %d", lim.TasksUsed)
	}
	if notifier.calls != 0 {
		t.Errorf("notifier called on rejected submission")
	}
}

func TestEnqueueRunForExistingTask(t *testing.T) {
	existing := &task.Task{ID: "task-1", UserID: "user-7", Title: "t", Prompt: "p"}
	store := &fakeStore{tasks: map[string]*task.Task{"task-1": existing}}
	notifier := &fakeNotifier{}
	svc := New(Config{MaxAttempts: 5}, store, notifier, nil, nil)

	run, err := svc.EnqueueRun(context.Background(), task.EnqueueRequest{TaskID: "task-1"})
	if err != nil {
		t.Fatalf("enqueue run: %v", err)
	}
	if run.UserID != "user-7" {
		t.Errorf("user id not inherited from task: %q", run.UserID)
	}
	if store.enqueued[0].MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want config default 5", store.enqueued[0].MaxAttempts)
	}
	if notifier.lastTask != existing {
		t.Errorf("notifier got task %+v", notifier.lastTask)
	}

	if _, err := svc.EnqueueRun(context.Background(), task.EnqueueRequest{TaskID: "missing"}); err == nil {
		t.Errorf("enqueue for missing task succeeded")
	}
}

func TestCancelRun(t *testing.T) {
	store := &fakeStore{cancelOK: true}
	svc := New(Config{}, store, nil, nil, nil)

	ok, err := svc.CancelRun(context.Background(), "run-1")
	if err != nil || !ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}

	store.cancelOK = false
	ok, err = svc.CancelRun(context.Background(), "run-1")
	if err != nil || ok {
		t.Fatalf("cancel of non-queued run = %v, %v; want false", ok, err)
	}
}

func TestStats(t *testing.T) {
	svc := New(Config{}, &fakeStore{depth: 4, runningRuns: 2}, nil, nil, nil)
	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.QueueDepth != 4 || stats.Running != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDeriveTitle(t *testing.T) {
	long := strings.Repeat("x", 120)
	tests := []struct {
		prompt string
		want   string
	}{
		{"simple prompt", "simple prompt"},
		{"  first line \nsecond line", "first line"},
		{long, long[:80] + "..."},
		{"\n\n", "untitled task"},
	}
	for _, tt := range tests {
		if got := deriveTitle(tt.prompt); got != tt.want {
			t.Errorf("deriveTitle(%.20q) = %q, want %q", tt.prompt, got, tt.want)
		}
	}
}
