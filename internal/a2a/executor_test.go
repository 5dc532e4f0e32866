package a2a

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleet/internal/domain/task"
	"fleet/internal/queue"
)

type fakeTasks struct {
	submit    func(ctx context.Context, req queue.SubmitRequest) (*task.Task, *task.TaskRun, error)
	getRun    func(ctx context.Context, runID string) (*task.TaskRun, error)
	findRun   func(ctx context.Context, externalID string) (*task.TaskRun, error)
	cancelRun func(ctx context.Context, runID string) (bool, error)
}

func (f *fakeTasks) Submit(ctx context.Context, req queue.SubmitRequest) (*task.Task, *task.TaskRun, error) {
	if f.submit != nil {
		return f.submit(ctx, req)
	}
	return nil, nil, task.ErrNotFound
}

func (f *fakeTasks) GetRun(ctx context.Context, runID string) (*task.TaskRun, error) {
	if f.getRun != nil {
		return f.getRun(ctx, runID)
	}
	return nil, task.ErrNotFound
}

func (f *fakeTasks) FindRunByExternalID(ctx context.Context, externalID string) (*task.TaskRun, error) {
	if f.findRun != nil {
		return f.findRun(ctx, externalID)
	}
	return nil, task.ErrNotFound
}

func (f *fakeTasks) CancelRun(ctx context.Context, runID string) (bool, error) {
	if f.cancelRun != nil {
		return f.cancelRun(ctx, runID)
	}
	return false, nil
}

type captureSink struct {
	events []Event
}

func (s *captureSink) Put(ev Event) error {
	s.events = append(s.events, ev)
	return nil
}

// runScript serves a scripted sequence of run snapshots; the last one
// repeats once the script is exhausted.
type runScript struct {
	runs []*task.TaskRun
}

func (s *runScript) next(string) (*task.TaskRun, error) {
	if len(s.runs) == 0 {
		return nil, task.ErrNotFound
	}
	r := s.runs[0]
	if len(s.runs) > 1 {
		s.runs = s.runs[1:]
	}
	return r, nil
}

func fastExecutor(tasks TaskService, renotifier Renotifier) *Executor {
	return New(Config{
		PollInterval:     2 * time.Millisecond,
		RenotifyInterval: time.Hour,
		MaxPollDuration:  2 * time.Second,
	}, tasks, renotifier, nil)
}

func textRequest(taskID, text string) RequestContext {
	return RequestContext{
		TaskID:  taskID,
		Message: Message{Role: "user", Parts: []Part{TextPart{Text: text}}},
	}
}

func TestExecuteStreamsLifecycleEvents(t *testing.T) {
	script := &runScript{runs: []*task.TaskRun{
		{ID: "run-1", Status: task.RunQueued},
		{ID: "run-1", Status: task.RunRunning},
		{ID: "run-1", Status: task.RunCompleted, ResultSummary: "done", ResultFull: []byte(`{"files":2}`)},
	}}

	var submitted queue.SubmitRequest
	tasks := &fakeTasks{
		submit: func(_ context.Context, req queue.SubmitRequest) (*task.Task, *task.TaskRun, error) {
			submitted = req
			return &task.Task{ID: "task-1"}, &task.TaskRun{ID: "run-1", TaskID: "task-1", Status: task.RunQueued}, nil
		},
		getRun: func(_ context.Context, id string) (*task.TaskRun, error) { return script.next(id) },
	}

	rc := RequestContext{
		TaskID:    "ext-1",
		ContextID: "ctx-9",
		Metadata:  map[string]any{"priority": float64(2), "user_id": "u1"},
		Message: Message{
			Parts: []Part{
				TextPart{Text: "fix the bug"},
				DataPart{Data: map[string]any{"ignored": true}},
				TextPart{Text: "and add a test"},
			},
			Metadata: map[string]any{"target_agent_name": "coder"},
		},
	}

	sink := &captureSink{}
	require.NoError(t, fastExecutor(tasks, nil).Execute(context.Background(), rc, sink))

	require.Equal(t, "fix the bug\nand add a test", submitted.Prompt)
	require.Equal(t, 2, submitted.Priority)
	require.Equal(t, "u1", submitted.UserID)
	require.Equal(t, "coder", submitted.TargetAgentName)
	require.Equal(t, "ext-1", submitted.Metadata[task.MetadataExternalID])
	require.Equal(t, "ctx-9", submitted.Metadata["context_id"])

	require.Len(t, sink.events, 3, "want working, artifact, completed")

	first := sink.events[0]
	require.Equal(t, EventStatus, first.Type)
	require.Equal(t, StateWorking, first.Status.State)
	require.False(t, first.Final)

	art := sink.events[1]
	require.Equal(t, EventArtifact, art.Type)
	require.NotNil(t, art.Artifact)
	require.Len(t, art.Artifact.Parts, 2)
	tp, ok := art.Artifact.Parts[0].(TextPart)
	require.True(t, ok)
	require.Equal(t, "done", tp.Text)
	dp, ok := art.Artifact.Parts[1].(DataPart)
	require.True(t, ok)
	require.Equal(t, float64(2), dp.Data["files"])

	final := sink.events[2]
	require.Equal(t, StateCompleted, final.Status.State)
	require.True(t, final.Final)
}

func TestExecuteEmitsInputRequiredTransition(t *testing.T) {
	script := &runScript{runs: []*task.TaskRun{
		{ID: "run-1", Status: task.RunQueued},
		{ID: "run-1", Status: task.RunNeedsInput},
		{ID: "run-1", Status: task.RunCompleted},
	}}
	tasks := &fakeTasks{
		submit: func(context.Context, queue.SubmitRequest) (*task.Task, *task.TaskRun, error) {
			return &task.Task{ID: "task-1"}, &task.TaskRun{ID: "run-1", Status: task.RunQueued}, nil
		},
		getRun: func(_ context.Context, id string) (*task.TaskRun, error) { return script.next(id) },
	}

	sink := &captureSink{}
	require.NoError(t, fastExecutor(tasks, nil).Execute(context.Background(), textRequest("ext-1", "p"), sink))

	var states []TaskState
	for _, ev := range sink.events {
		if ev.Type == EventStatus {
			states = append(states, ev.Status.State)
		}
	}
	require.Equal(t, []TaskState{StateWorking, StateInputRequired, StateCompleted}, states)
	require.False(t, sink.events[1].Final, "input-required must not be final")
}

func TestExecuteQuotaFailure(t *testing.T) {
	tasks := &fakeTasks{
		submit: func(context.Context, queue.SubmitRequest) (*task.Task, *task.TaskRun, error) {
			return nil, nil, &task.LimitExceededError{
				TasksUsed: 100, TasksLimit: 100,
				RunningCount: 2, ConcurrencyLimit: 2,
				Message: "monthly task limit reached",
			}
		},
	}

	sink := &captureSink{}
	require.NoError(t, fastExecutor(tasks, nil).Execute(context.Background(), textRequest("ext-1", "p"), sink),
		"quota failures surface as failed status events, not errors")

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	require.Equal(t, StateFailed, ev.Status.State)
	require.True(t, ev.Final)
	require.Contains(t, ev.Status.Message, "100/100")
}

func TestExecuteRejectsMessageWithoutText(t *testing.T) {
	submitCalls := 0
	tasks := &fakeTasks{
		submit: func(context.Context, queue.SubmitRequest) (*task.Task, *task.TaskRun, error) {
			submitCalls++
			return nil, nil, nil
		},
	}

	rc := RequestContext{
		TaskID:  "ext-1",
		Message: Message{Parts: []Part{DataPart{Data: map[string]any{"k": "v"}}}},
	}
	sink := &captureSink{}
	require.NoError(t, fastExecutor(tasks, nil).Execute(context.Background(), rc, sink))

	require.Zero(t, submitCalls, "textless messages must not reach submit")
	require.Len(t, sink.events, 1)
	require.Equal(t, StateFailed, sink.events[0].Status.State)
	require.True(t, sink.events[0].Final)
}

func TestExecuteIsIdempotentByExternalID(t *testing.T) {
	submitCalls := 0
	settled := &task.TaskRun{ID: "run-1", Status: task.RunCompleted, ResultSummary: "done"}
	tasks := &fakeTasks{
		submit: func(context.Context, queue.SubmitRequest) (*task.Task, *task.TaskRun, error) {
			submitCalls++
			return &task.Task{ID: "task-1"}, &task.TaskRun{ID: "run-1", Status: task.RunQueued}, nil
		},
		getRun: func(context.Context, string) (*task.TaskRun, error) { return settled, nil },
	}

	e := fastExecutor(tasks, nil)
	rc := textRequest("ext-1", "p")

	require.NoError(t, e.Execute(context.Background(), rc, &captureSink{}))

	sink := &captureSink{}
	require.NoError(t, e.Execute(context.Background(), rc, sink))

	require.Equal(t, 1, submitCalls, "resubmission must attach, not enqueue again")
	last := sink.events[len(sink.events)-1]
	require.Equal(t, StateCompleted, last.Status.State)
	require.True(t, last.Final)
}

func TestExecuteResolvesExternalIDFromStore(t *testing.T) {
	findCalls := 0
	tasks := &fakeTasks{
		findRun: func(_ context.Context, externalID string) (*task.TaskRun, error) {
			findCalls++
			require.Equal(t, "ext-1", externalID)
			return &task.TaskRun{ID: "run-1", Status: task.RunCompleted}, nil
		},
	}

	// Cold cache: resolution must fall through to the store lookup.
	sink := &captureSink{}
	require.NoError(t, fastExecutor(tasks, nil).Execute(context.Background(), textRequest("ext-1", "p"), sink))

	require.Equal(t, 1, findCalls)
	last := sink.events[len(sink.events)-1]
	require.Equal(t, StateCompleted, last.Status.State)
	require.True(t, last.Final)
}

func TestExecuteDetachesAfterPollBudget(t *testing.T) {
	tasks := &fakeTasks{
		submit: func(context.Context, queue.SubmitRequest) (*task.Task, *task.TaskRun, error) {
			return &task.Task{ID: "task-1"}, &task.TaskRun{ID: "run-1", Status: task.RunQueued}, nil
		},
		getRun: func(context.Context, string) (*task.TaskRun, error) {
			return &task.TaskRun{ID: "run-1", Status: task.RunRunning}, nil
		},
	}

	e := New(Config{
		PollInterval:     2 * time.Millisecond,
		RenotifyInterval: time.Hour,
		MaxPollDuration:  20 * time.Millisecond,
	}, tasks, nil, nil)

	sink := &captureSink{}
	require.NoError(t, e.Execute(context.Background(), textRequest("ext-1", "p"), sink))

	last := sink.events[len(sink.events)-1]
	require.Equal(t, StateFailed, last.Status.State)
	require.True(t, last.Final)
	require.Contains(t, last.Status.Message, "run-1", "detach message must name the run")
}

type fakeRenotifier struct {
	calls int
}

func (f *fakeRenotifier) NotifyRunQueued(context.Context, string) (int, error) {
	f.calls++
	return 1, nil
}

func TestExecuteRenotifiesLingeringQueuedRun(t *testing.T) {
	tasks := &fakeTasks{
		submit: func(context.Context, queue.SubmitRequest) (*task.Task, *task.TaskRun, error) {
			return &task.Task{ID: "task-1"}, &task.TaskRun{ID: "run-1", Status: task.RunQueued}, nil
		},
		getRun: func(context.Context, string) (*task.TaskRun, error) {
			return &task.TaskRun{ID: "run-1", Status: task.RunQueued}, nil
		},
	}
	renotifier := &fakeRenotifier{}

	e := New(Config{
		PollInterval:     2 * time.Millisecond,
		RenotifyInterval: 6 * time.Millisecond,
		MaxPollDuration:  40 * time.Millisecond,
	}, tasks, renotifier, nil)

	require.NoError(t, e.Execute(context.Background(), textRequest("ext-1", "p"), &captureSink{}))
	require.NotZero(t, renotifier.calls, "lingering queued run was never re-announced")
}

func TestCancelQueuedRun(t *testing.T) {
	var cancelled string
	tasks := &fakeTasks{
		findRun: func(context.Context, string) (*task.TaskRun, error) {
			return &task.TaskRun{ID: "run-1", Status: task.RunQueued}, nil
		},
		cancelRun: func(_ context.Context, runID string) (bool, error) {
			cancelled = runID
			return true, nil
		},
	}

	sink := &captureSink{}
	require.NoError(t, fastExecutor(tasks, nil).Cancel(context.Background(), RequestContext{TaskID: "ext-1"}, sink))

	require.Equal(t, "run-1", cancelled)
	require.Len(t, sink.events, 1)
	require.Equal(t, StateCancelled, sink.events[0].Status.State)
	require.True(t, sink.events[0].Final)
}

func TestCancelRunningRunIsRefused(t *testing.T) {
	tasks := &fakeTasks{
		findRun: func(context.Context, string) (*task.TaskRun, error) {
			return &task.TaskRun{ID: "run-1", Status: task.RunRunning}, nil
		},
		cancelRun: func(context.Context, string) (bool, error) { return false, nil },
	}

	sink := &captureSink{}
	require.NoError(t, fastExecutor(tasks, nil).Cancel(context.Background(), RequestContext{TaskID: "ext-1"}, sink))

	ev := sink.events[0]
	require.Equal(t, StateWorking, ev.Status.State)
	require.False(t, ev.Final)
	require.Contains(t, ev.Status.Message, "cannot cancel")
}

func TestCancelSettledRunEmitsItsFinalState(t *testing.T) {
	cancelCalls := 0
	tasks := &fakeTasks{
		findRun: func(context.Context, string) (*task.TaskRun, error) {
			return &task.TaskRun{ID: "run-1", Status: task.RunFailed, LastError: "agent exploded"}, nil
		},
		cancelRun: func(context.Context, string) (bool, error) {
			cancelCalls++
			return false, nil
		},
	}

	sink := &captureSink{}
	require.NoError(t, fastExecutor(tasks, nil).Cancel(context.Background(), RequestContext{TaskID: "ext-1"}, sink))

	require.Zero(t, cancelCalls, "CancelRun must not be called on a settled run")
	ev := sink.events[0]
	require.Equal(t, StateFailed, ev.Status.State)
	require.True(t, ev.Final)
	require.Equal(t, "agent exploded", ev.Status.Message)
}

func TestCancelUnknownTask(t *testing.T) {
	sink := &captureSink{}
	err := fastExecutor(&fakeTasks{}, nil).Cancel(context.Background(), RequestContext{TaskID: "ghost"}, sink)
	require.Error(t, err)
	require.Empty(t, sink.events)
}

func TestUnmarshalPartKinds(t *testing.T) {
	text, err := UnmarshalPart([]byte(`{"kind":"text","text":"hello"}`))
	require.NoError(t, err)
	tp, ok := text.(TextPart)
	require.True(t, ok)
	require.Equal(t, "hello", tp.Text)

	file, err := UnmarshalPart([]byte(`{"kind":"file","name":"a.txt","uri":"s3://bucket/a.txt"}`))
	require.NoError(t, err)
	fp, ok := file.(FilePart)
	require.True(t, ok)
	require.Equal(t, "a.txt", fp.Name)
	require.Equal(t, "s3://bucket/a.txt", fp.URI)

	data, err := UnmarshalPart([]byte(`{"kind":"data","data":{"n":1}}`))
	require.NoError(t, err)
	dp, ok := data.(DataPart)
	require.True(t, ok)
	require.Equal(t, float64(1), dp.Data["n"])

	_, err = UnmarshalPart([]byte(`{"kind":"audio"}`))
	require.Error(t, err, "unknown kind must be rejected")
}
