package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleet/internal/domain/task"
	"fleet/internal/queue"
	"fleet/internal/registry"
	"fleet/internal/shared/logging"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// HandleEnqueueTask handles POST /v1/tasks - creates a task and queues
// its first run. Quota rejections surface as 429 with the counts the
// caller can show to the user.
func (h *Handler) HandleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req queue.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		h.writeJSONError(w, http.StatusBadRequest, "prompt is required", nil)
		return
	}

	t, run, err := h.queue.Submit(r.Context(), req)
	if err != nil {
		if lim, ok := task.AsLimitExceeded(err); ok {
			h.writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":             "limit_exceeded",
				"message":           lim.Error(),
				"tasks_used":        lim.TasksUsed,
				"tasks_limit":       lim.TasksLimit,
				"running_count":     lim.RunningCount,
				"concurrency_limit": lim.ConcurrencyLimit,
			})
			return
		}
		h.writeJSONError(w, http.StatusInternalServerError, "failed to enqueue task", err)
		return
	}

	h.logger.Info("Task enqueued: task=%s run=%s priority=%d", t.ID, run.ID, run.Priority)
	h.writeJSON(w, http.StatusCreated, map[string]any{"task": t, "run": run})
}

// HandleGetRun handles GET /v1/runs/:id.
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	run, err := h.queue.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			h.writeJSONError(w, http.StatusNotFound, "run not found", nil)
			return
		}
		h.writeJSONError(w, http.StatusInternalServerError, "failed to load run", err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/runs?status=&limit=. Without a status
// filter it returns the most recently updated runs.
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		limit = n
	}

	var (
		runs []*task.TaskRun
		err  error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, ok := parseRunStatus(raw)
		if !ok {
			h.writeJSONError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw), nil)
			return
		}
		runs, err = h.queue.ListRuns(r.Context(), status, limit)
	} else {
		runs, err = h.queue.RecentRuns(r.Context(), limit)
	}
	if err != nil {
		h.writeJSONError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// HandleCancelRun handles POST /v1/runs/:id/cancel. Only queued runs
// cancel; anything already leased reports a conflict.
func (h *Handler) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/cancel")
	cancelled, err := h.queue.CancelRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			h.writeJSONError(w, http.StatusNotFound, "run not found", nil)
			return
		}
		h.writeJSONError(w, http.StatusInternalServerError, "cancel failed", err)
		return
	}
	if !cancelled {
		h.writeJSONError(w, http.StatusConflict, "run is not queued; cannot cancel", nil)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": string(task.RunCancelled)})
}

// HandleListWorkers handles GET /v1/workers?active=true - the
// persisted worker rows, as opposed to the live session list.
func (h *Handler) HandleListWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	activeOnly := false
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeJSONError(w, http.StatusBadRequest, "active must be a boolean", nil)
			return
		}
		activeOnly = v
	}

	workers, err := h.store.ListWorkers(r.Context(), activeOnly)
	if err != nil {
		h.writeJSONError(w, http.StatusInternalServerError, "failed to list workers", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workers": workers, "count": len(workers)})
}

// HandleStats handles GET /v1/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.writeJSONError(w, http.StatusInternalServerError, "failed to load stats", err)
		return
	}

	resp := struct {
		QueueDepth int              `json:"queue_depth"`
		Running    int              `json:"running"`
		Registry   registry.Metrics `json:"registry"`
	}{
		QueueDepth: stats.QueueDepth,
		Running:    stats.Running,
		Registry:   h.registry.Metrics(),
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleLogSearch handles GET /v1/logs?id= - greps the service log for
// lines mentioning a run or worker id. Best effort: hosts without a
// log file report the miss in the snippet rather than failing the call.
func (h *Handler) HandleLogSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		h.writeJSONError(w, http.StatusBadRequest, "id is required", nil)
		return
	}

	h.writeJSON(w, http.StatusOK, logging.FetchLogMatches(id, logging.LogFetchOptions{}))
}

// HandleHealthz handles GET /healthz - process liveness only.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadyz handles GET /readyz - readiness including a storage
// ping.
func (h *Handler) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.writeJSONError(w, http.StatusServiceUnavailable, "database unavailable", err)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
