package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fleet/internal/domain/task"
	fleeterrors "fleet/internal/shared/errors"
)

type fakeStore struct {
	task.Store

	mu         sync.Mutex
	claims     map[string]int
	claimDeny  map[string]bool
	sent       []string
	failed     map[string]string
	tasks      map[string]*task.Task
	retries    []*task.TaskRun
	retriesErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		claims:    make(map[string]int),
		claimDeny: make(map[string]bool),
		failed:    make(map[string]string),
		tasks:     make(map[string]*task.Task),
	}
}

func ledgerKey(runID string, ch task.Channel) string {
	return runID + "/" + string(ch)
}

// ClaimForSend mimics the SQL CAS: the first claim per (run, channel)
// wins, every later one loses.
func (f *fakeStore) ClaimForSend(_ context.Context, runID string, ch task.Channel, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := ledgerKey(runID, ch)
	if f.claimDeny[k] {
		return false, nil
	}
	f.claims[k]++
	return f.claims[k] == 1, nil
}

func (f *fakeStore) MarkSent(_ context.Context, runID string, ch task.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ledgerKey(runID, ch))
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, runID string, ch task.Channel, sendErr string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[ledgerKey(runID, ch)] = sendErr
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, taskID string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok {
		return t, nil
	}
	return nil, task.ErrNotFound
}

func (f *fakeStore) PendingNotificationRetries(_ context.Context, _ int) ([]*task.TaskRun, error) {
	if f.retriesErr != nil {
		return nil, f.retriesErr
	}
	return f.retries, nil
}

func (f *fakeStore) claimCount(runID string, ch task.Channel) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims[ledgerKey(runID, ch)]
}

type mockChannel struct {
	name string

	mu      sync.Mutex
	sent    []Delivery
	sendErr error
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Send(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, d)
	return nil
}

func (m *mockChannel) deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.sent))
	copy(out, m.sent)
	return out
}

func completedRun(id, webhookURL string) *task.TaskRun {
	return &task.TaskRun{
		ID:               id,
		TaskID:           "task-" + id,
		Status:           task.RunCompleted,
		ResultSummary:    "all checks passed",
		NotifyWebhookURL: webhookURL,
		Webhook:          task.NotificationState{Status: task.NotificationPending},
	}
}

func TestWebhookChannel_Send(t *testing.T) {
	var (
		mu          sync.Mutex
		contentType string
		token       string
		payload     map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		contentType = r.Header.Get("Content-Type")
		token = r.Header.Get("X-Fleet-Token")
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(
		WithTimeout(5*time.Second),
		WithHeaders(map[string]string{"X-Fleet-Token": "secret-token"}),
	)
	if ch.Name() != "webhook" {
		t.Fatalf("name = %q, want webhook", ch.Name())
	}

	d := Delivery{
		Event:         "task_completed",
		RunID:         "run-1",
		TaskID:        "task-1",
		Title:         "Nightly review",
		Status:        "completed",
		ResultSummary: "all checks passed",
		Timestamp:     time.Now().UTC(),
		Destination:   srv.URL,
	}
	if err := ch.Send(context.Background(), d); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if contentType != "application/json" {
		t.Errorf("content type = %q, want application/json", contentType)
	}
	if token != "secret-token" {
		t.Errorf("custom header = %q, want secret-token", token)
	}
	for field, want := range map[string]string{
		"event":   "task_completed",
		"run_id":  "run-1",
		"task_id": "task-1",
		"status":  "completed",
		"result":  "all checks passed",
	} {
		if got, _ := payload[field].(string); got != want {
			t.Errorf("payload[%s] = %q, want %q", field, got, want)
		}
	}
	if _, present := payload["timestamp"]; !present {
		t.Error("payload missing timestamp")
	}
}

func TestWebhookChannel_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sink exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := NewWebhookChannel()
	err := ch.Send(context.Background(), Delivery{RunID: "run-1", Destination: srv.URL})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("expected status 500 in error, got: %v", err)
	}
	if !fleeterrors.IsTransient(err) {
		t.Errorf("500 response should classify transient, got %s", fleeterrors.GetErrorType(err))
	}
}

func TestWebhookChannel_MissingDestination(t *testing.T) {
	ch := NewWebhookChannel()
	err := ch.Send(context.Background(), Delivery{RunID: "run-1"})
	if err == nil {
		t.Fatal("expected error for empty destination")
	}
	if !fleeterrors.IsPermanent(err) {
		t.Errorf("missing destination should classify permanent, got %s", fleeterrors.GetErrorType(err))
	}
}

func TestEmailChannel_Send(t *testing.T) {
	var (
		mu      sync.Mutex
		auth    string
		payload map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewEmailChannel(EmailConfig{
		APIURL: srv.URL,
		APIKey: "key-123",
		From:   "fleet@example.com",
	})
	if ch.Name() != "email" {
		t.Fatalf("name = %q, want email", ch.Name())
	}

	d := Delivery{
		Event:       "task_failed",
		RunID:       "run-2",
		Title:       "Fix flaky test",
		Status:      "failed",
		Error:       "agent runtime unreachable",
		Timestamp:   time.Now().UTC(),
		Destination: "ops@example.com",
	}
	if err := ch.Send(context.Background(), d); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if auth != "Bearer key-123" {
		t.Errorf("authorization = %q, want Bearer key-123", auth)
	}
	if got, _ := payload["to"].(string); got != "ops@example.com" {
		t.Errorf("to = %q, want ops@example.com", got)
	}
	if got, _ := payload["from"].(string); got != "fleet@example.com" {
		t.Errorf("from = %q, want fleet@example.com", got)
	}
	subject, _ := payload["subject"].(string)
	if !strings.Contains(subject, "failed") || !strings.Contains(subject, "Fix flaky test") {
		t.Errorf("subject = %q, want status and title in it", subject)
	}
	text, _ := payload["text"].(string)
	if !strings.Contains(text, "agent runtime unreachable") {
		t.Errorf("body = %q, want error text in it", text)
	}
}

func TestEmailChannel_Unconfigured(t *testing.T) {
	ch := NewEmailChannel(EmailConfig{})
	err := ch.Send(context.Background(), Delivery{Destination: "ops@example.com"})
	if err == nil {
		t.Fatal("expected error when no API URL configured")
	}
	if !fleeterrors.IsPermanent(err) {
		t.Errorf("unconfigured channel should classify permanent, got %s", fleeterrors.GetErrorType(err))
	}
}

func TestLogChannel_Format(t *testing.T) {
	var buf bytes.Buffer
	ch := NewLogChannel("log", &buf)
	if ch.Name() != "log" {
		t.Fatalf("name = %q, want log", ch.Name())
	}

	ts := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	err := ch.Send(context.Background(), Delivery{
		Event:       "task_completed",
		RunID:       "run-9",
		Status:      "completed",
		Timestamp:   ts,
		Destination: "dev",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	want := "[2026-01-15T10:30:00Z] [task_completed] run=run-9 status=completed dest=dev\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestCourier_DeliverForRun(t *testing.T) {
	store := newFakeStore()
	run := completedRun("run-1", "https://example.com/hook")
	store.tasks[run.TaskID] = &task.Task{ID: run.TaskID, Title: "Nightly review"}

	hook := &mockChannel{name: "webhook"}
	c := New(Config{MaxAttempts: 3}, store, nil, nil)
	c.Register(hook)

	if n := c.DeliverForRun(context.Background(), run); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}

	got := hook.deliveries()
	if len(got) != 1 {
		t.Fatalf("sent = %d deliveries, want 1", len(got))
	}
	d := got[0]
	if d.Event != "task_completed" || d.RunID != "run-1" || d.TaskID != "task-run-1" {
		t.Errorf("unexpected delivery identity: %+v", d)
	}
	if d.Title != "Nightly review" {
		t.Errorf("title = %q, want Nightly review", d.Title)
	}
	if d.Destination != "https://example.com/hook" {
		t.Errorf("destination = %q", d.Destination)
	}
	if len(store.sent) != 1 || store.sent[0] != "run-1/webhook" {
		t.Errorf("marked sent = %v, want [run-1/webhook]", store.sent)
	}
	if len(store.failed) != 0 {
		t.Errorf("marked failed = %v, want none", store.failed)
	}
}

func TestCourier_DeliverForRun_BothChannels(t *testing.T) {
	store := newFakeStore()
	run := completedRun("run-1", "https://example.com/hook")
	run.NotifyEmail = "ops@example.com"
	run.Email = task.NotificationState{Status: task.NotificationPending}

	hook := &mockChannel{name: "webhook"}
	mail := &mockChannel{name: "email"}
	c := New(Config{MaxAttempts: 3}, store, nil, nil)
	c.Register(hook)
	c.Register(mail)

	if n := c.DeliverForRun(context.Background(), run); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if len(mail.deliveries()) != 1 || mail.deliveries()[0].Destination != "ops@example.com" {
		t.Errorf("email deliveries = %+v", mail.deliveries())
	}
	if len(hook.deliveries()) != 1 {
		t.Errorf("webhook deliveries = %+v", hook.deliveries())
	}
}

func TestCourier_SendFailureMarksFailed(t *testing.T) {
	store := newFakeStore()
	run := completedRun("run-1", "https://example.com/hook")

	hook := &mockChannel{name: "webhook", sendErr: errors.New("webhook returned status 503: unavailable")}
	c := New(Config{MaxAttempts: 3}, store, nil, nil)
	c.Register(hook)

	if n := c.DeliverForRun(context.Background(), run); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}
	if got := store.failed["run-1/webhook"]; !strings.Contains(got, "503") {
		t.Errorf("failed error text = %q, want 503 in it", got)
	}
	if len(store.sent) != 0 {
		t.Errorf("marked sent = %v, want none", store.sent)
	}
}

func TestCourier_ClaimLostSkipsSend(t *testing.T) {
	store := newFakeStore()
	run := completedRun("run-1", "https://example.com/hook")
	store.claimDeny["run-1/webhook"] = true

	hook := &mockChannel{name: "webhook"}
	c := New(Config{MaxAttempts: 3}, store, nil, nil)
	c.Register(hook)

	if n := c.DeliverForRun(context.Background(), run); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}
	if len(hook.deliveries()) != 0 {
		t.Error("send happened despite losing the claim")
	}
	if len(store.sent) != 0 || len(store.failed) != 0 {
		t.Error("ledger settled despite losing the claim")
	}
}

func TestCourier_SkipsIneligibleStates(t *testing.T) {
	store := newFakeStore()
	hook := &mockChannel{name: "webhook"}
	c := New(Config{MaxAttempts: 3}, store, nil, nil)
	c.Register(hook)

	running := completedRun("run-1", "https://example.com/hook")
	running.Status = task.RunRunning
	if n := c.DeliverForRun(context.Background(), running); n != 0 {
		t.Errorf("non-terminal run delivered %d notifications", n)
	}

	settled := completedRun("run-2", "https://example.com/hook")
	settled.Webhook = task.NotificationState{Status: task.NotificationSent, Attempts: 1}
	if n := c.DeliverForRun(context.Background(), settled); n != 0 {
		t.Errorf("sent channel delivered %d notifications", n)
	}

	future := time.Now().UTC().Add(time.Hour)
	notDue := completedRun("run-3", "https://example.com/hook")
	notDue.Webhook = task.NotificationState{Status: task.NotificationFailed, Attempts: 1, NextRetryAt: &future}
	if n := c.DeliverForRun(context.Background(), notDue); n != 0 {
		t.Errorf("not yet due channel delivered %d notifications", n)
	}

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if got := store.claimCount(id, task.ChannelWebhook); got != 0 {
			t.Errorf("run %s claimed %d times, want 0", id, got)
		}
	}
}

func TestCourier_FailedDueIsRetried(t *testing.T) {
	store := newFakeStore()
	past := time.Now().UTC().Add(-time.Minute)
	run := completedRun("run-1", "https://example.com/hook")
	run.Webhook = task.NotificationState{Status: task.NotificationFailed, Attempts: 1, NextRetryAt: &past}

	hook := &mockChannel{name: "webhook"}
	c := New(Config{MaxAttempts: 3}, store, nil, nil)
	c.Register(hook)

	if n := c.DeliverForRun(context.Background(), run); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if len(store.sent) != 1 {
		t.Errorf("marked sent = %v, want one entry", store.sent)
	}
}

func TestCourier_NoChannelRegistered(t *testing.T) {
	store := newFakeStore()
	run := completedRun("run-1", "https://example.com/hook")

	c := New(Config{MaxAttempts: 3}, store, nil, nil)
	if n := c.DeliverForRun(context.Background(), run); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}
	if got := store.claimCount("run-1", task.ChannelWebhook); got != 0 {
		t.Errorf("claimed %d times with no channel registered, want 0", got)
	}
}

func TestCourier_RetryPass(t *testing.T) {
	store := newFakeStore()
	past := time.Now().UTC().Add(-time.Minute)
	run := completedRun("run-1", "https://example.com/hook")
	run.Webhook = task.NotificationState{Status: task.NotificationFailed, Attempts: 2, NextRetryAt: &past}
	store.retries = []*task.TaskRun{run}

	hook := &mockChannel{name: "webhook"}
	c := New(Config{MaxAttempts: 3}, store, nil, nil)
	c.Register(hook)

	sent, err := c.RetryPass(context.Background(), 10)
	if err != nil {
		t.Fatalf("retry pass: %v", err)
	}
	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}

	store.retriesErr = errors.New("connection refused")
	if _, err := c.RetryPass(context.Background(), 10); err == nil {
		t.Error("expected error when listing retries fails")
	}
}

func TestCourier_ConcurrentDeliverySingleSend(t *testing.T) {
	store := newFakeStore()
	run := completedRun("run-1", "https://example.com/hook")

	hook := &mockChannel{name: "webhook"}
	c := New(Config{MaxAttempts: 3}, store, nil, nil)
	c.Register(hook)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.DeliverForRun(context.Background(), run)
		}()
	}
	wg.Wait()

	if got := len(hook.deliveries()); got != 1 {
		t.Errorf("sent %d deliveries for one claim, want 1", got)
	}
	if len(store.sent) != 1 {
		t.Errorf("marked sent %d times, want 1", len(store.sent))
	}
}
