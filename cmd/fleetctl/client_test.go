package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fleet/internal/queue"
)

func TestEnqueueTaskRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/tasks" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("unexpected Authorization header: %q", got)
		}

		var req queue.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Prompt != "do the thing" || req.Priority != 3 {
			t.Errorf("unexpected request payload: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"task": map[string]any{"id": "task-1", "title": "do the thing", "status": "queued"},
			"run":  map[string]any{"id": "run-1", "task_id": "task-1", "status": "queued", "priority": 3},
		})
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "tok-1", 5*time.Second)
	res, err := client.EnqueueTask(context.Background(), queue.SubmitRequest{Prompt: "do the thing", Priority: 3})
	if err != nil {
		t.Fatalf("EnqueueTask returned error: %v", err)
	}
	if res.Task.ID != "task-1" || res.Run.ID != "run-1" {
		t.Fatalf("unexpected result: task=%s run=%s", res.Task.ID, res.Run.ID)
	}
	if res.Run.Priority != 3 {
		t.Fatalf("expected priority 3, got %d", res.Run.Priority)
	}
}

func TestClientSurfacesQuotaMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "limit_exceeded",
			"message": "monthly task limit reached (100/100)",
		})
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "", 5*time.Second)
	_, err := client.EnqueueTask(context.Background(), queue.SubmitRequest{Prompt: "x"})
	if err == nil {
		t.Fatal("expected an error for 429 response")
	}
	if !strings.Contains(err.Error(), "monthly task limit reached") {
		t.Fatalf("expected quota message in error, got: %v", err)
	}
}

func TestClientSurfacesErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "run not found"})
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "", 5*time.Second)
	_, err := client.GetRun(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected an error for 404 response")
	}
	if !strings.Contains(err.Error(), "run not found") {
		t.Fatalf("expected server error text, got: %v", err)
	}
}

func TestCancelRunHitsCancelRoute(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"run_id": "run-9", "status": "cancelled"})
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "", 5*time.Second)
	if err := client.CancelRun(context.Background(), "run-9"); err != nil {
		t.Fatalf("CancelRun returned error: %v", err)
	}
	if gotPath != "POST /v1/runs/run-9/cancel" {
		t.Fatalf("unexpected request: %s", gotPath)
	}
}

func TestListRunsPassesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "running" {
			t.Errorf("expected status=running, got %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("expected limit=5, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"runs":  []map[string]any{{"id": "run-1", "status": "running"}},
			"count": 1,
		})
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "", 5*time.Second)
	runs, err := client.ListRuns(context.Background(), "running", 5)
	if err != nil {
		t.Fatalf("ListRuns returned error: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestConnectedWorkersUsesLiveRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/worker/connected" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"workers": []map[string]any{{"worker_id": "w1", "agent_name": "coder", "is_busy": true}},
			"count":   1,
		})
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "", 5*time.Second)
	workers, err := client.ConnectedWorkers(context.Background())
	if err != nil {
		t.Fatalf("ConnectedWorkers returned error: %v", err)
	}
	if len(workers) != 1 || workers[0].WorkerID != "w1" || !workers[0].IsBusy {
		t.Fatalf("unexpected workers: %+v", workers)
	}
}
