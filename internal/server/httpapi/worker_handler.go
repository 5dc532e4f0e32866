package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleet/internal/domain/task"
	"fleet/internal/registry"
	"fleet/internal/shared/async"
)

// streamHeartbeatInterval paces keepalive frames on idle worker
// streams so intermediaries do not drop the connection.
const streamHeartbeatInterval = 30 * time.Second

// HandleTaskStream handles GET /v1/worker/tasks/stream - the worker
// push channel. The worker identifies itself via query parameters or
// headers, receives a connected event, then task_available frames as
// matching work is enqueued, with heartbeats in between.
func (h *Handler) HandleTaskStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agentName := queryOrHeader(r, "agent_name", "X-Agent-Name")
	if agentName == "" {
		h.writeJSONError(w, http.StatusBadRequest, "agent_name is required", nil)
		return
	}
	workerID := queryOrHeader(r, "worker_id", "X-Worker-ID")
	if workerID == "" {
		workerID = uuid.NewString()
	}
	capabilities := splitCSV(queryOrHeader(r, "capabilities", "X-Capabilities"))
	codebases := splitCSV(queryOrHeader(r, "codebases", "X-Codebases"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSONError(w, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	session := h.registry.Register(workerID, agentName, capabilities, codebases)
	defer h.registry.UnregisterSession(session)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	connected := map[string]any{
		"worker_id":  workerID,
		"agent_name": agentName,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeSSEEvent(w, flusher, registry.EventConnected, connected); err != nil {
		h.logger.Warn("SSE: failed to write connected event to %s: %v", workerID, err)
		return
	}

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-session.Mailbox:
			if !open {
				// Session replaced by a reconnect under the same id.
				h.logger.Info("SSE: stream for worker %s superseded", workerID)
				return
			}
			if err := writeSSEEvent(w, flusher, ev.Type, ev.Data); err != nil {
				h.logger.Warn("SSE: write to worker %s failed: %v", workerID, err)
				return
			}
		case <-heartbeat.C:
			h.registry.UpdateHeartbeat(workerID)
			frame := map[string]any{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"worker_id": workerID,
			}
			if err := writeSSEEvent(w, flusher, registry.EventHeartbeat, frame); err != nil {
				h.logger.Warn("SSE: heartbeat to worker %s failed: %v", workerID, err)
				return
			}
		case <-r.Context().Done():
			h.logger.Info("SSE: worker %s disconnected", workerID)
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func queryOrHeader(r *http.Request, queryKey, headerKey string) string {
	if v := strings.TrimSpace(r.URL.Query().Get(queryKey)); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get(headerKey))
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ClaimTaskRequest claims one announced run. TaskID carries the id
// field of the task_available frame.
type ClaimTaskRequest struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

// HandleClaimTask handles POST /v1/worker/tasks/claim. The store claim
// runs first; the in-memory claim follows and rolls the lease back on
// refusal, so the database stays authoritative.
func (h *Handler) HandleClaimTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ClaimTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if req.TaskID == "" || req.WorkerID == "" {
		h.writeJSONError(w, http.StatusBadRequest, "task_id and worker_id are required", nil)
		return
	}

	claimed, err := h.store.ClaimRunByID(r.Context(), req.TaskID, req.WorkerID, h.cfg.LeaseDuration)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			h.writeJSONError(w, http.StatusNotFound, "run not found", nil)
			return
		}
		h.writeJSONError(w, http.StatusInternalServerError, "claim failed", err)
		return
	}
	if !claimed {
		h.writeJSONError(w, http.StatusConflict, "task already claimed", nil)
		return
	}

	if !h.registry.Claim(req.TaskID, req.WorkerID) {
		if _, rbErr := h.store.ReleaseLease(r.Context(), req.TaskID, req.WorkerID); rbErr != nil {
			h.logger.Error("Claim rollback for run %s failed: %v", req.TaskID, rbErr)
		}
		h.writeJSONError(w, http.StatusConflict, "worker busy or task claimed by another session", nil)
		return
	}

	run, err := h.store.GetRun(r.Context(), req.TaskID)
	if err != nil {
		h.writeJSONError(w, http.StatusInternalServerError, "claim succeeded but run lookup failed", err)
		return
	}
	t, err := h.store.GetTask(r.Context(), run.TaskID)
	if err != nil {
		h.writeJSONError(w, http.StatusInternalServerError, "claim succeeded but task lookup failed", err)
		return
	}

	h.logger.Info("Worker %s claimed run %s via HTTP", req.WorkerID, req.TaskID)
	h.writeJSON(w, http.StatusOK, map[string]any{"run": run, "task": t})
}

// ReleaseTaskRequest settles or parks a claimed run.
type ReleaseTaskRequest struct {
	TaskID        string          `json:"task_id"`
	WorkerID      string          `json:"worker_id"`
	Status        string          `json:"status"`
	ResultSummary string          `json:"result_summary,omitempty"`
	ResultFull    json.RawMessage `json:"result_full,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// HandleReleaseTask handles POST /v1/worker/tasks/release. Terminal
// statuses settle the run and fire notifications; needs_input parks it
// with the lease and the in-memory claim kept alive.
func (h *Handler) HandleReleaseTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ReleaseTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if req.TaskID == "" || req.WorkerID == "" {
		h.writeJSONError(w, http.StatusBadRequest, "task_id and worker_id are required", nil)
		return
	}

	status, ok := parseRunStatus(req.Status)
	if !ok || (!status.IsTerminal() && status != task.RunNeedsInput) {
		h.writeJSONError(w, http.StatusBadRequest,
			"status must be completed, failed, cancelled or needs_input", nil)
		return
	}

	if status == task.RunNeedsInput {
		parked, err := h.store.MarkNeedsInput(r.Context(), req.TaskID, req.WorkerID)
		if err != nil {
			h.writeJSONError(w, http.StatusInternalServerError, "release failed", err)
			return
		}
		if !parked {
			h.writeJSONError(w, http.StatusConflict, "not the lease owner", nil)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"run_id": req.TaskID, "status": string(status)})
		return
	}

	settled, err := h.store.Complete(r.Context(), task.CompleteRequest{
		RunID:         req.TaskID,
		WorkerID:      req.WorkerID,
		Status:        status,
		ResultSummary: req.ResultSummary,
		ResultFull:    req.ResultFull,
		ErrorText:     req.Error,
	})
	if err != nil {
		h.writeJSONError(w, http.StatusInternalServerError, "release failed", err)
		return
	}
	if !settled {
		// Lease was lost: clear the stale in-memory claim too.
		h.registry.Release(req.TaskID, req.WorkerID)
		h.writeJSONError(w, http.StatusConflict, "not the lease owner or run already settled", nil)
		return
	}

	h.registry.Release(req.TaskID, req.WorkerID)
	h.notifyCompletion(req.TaskID)

	h.logger.Info("Worker %s released run %s as %s", req.WorkerID, req.TaskID, status)
	h.writeJSON(w, http.StatusOK, map[string]any{"run_id": req.TaskID, "status": string(status)})
}

// notifyCompletion fires the courier on a detached context so the
// worker's release call returns without waiting on webhooks.
func (h *Handler) notifyCompletion(runID string) {
	if h.courier == nil {
		return
	}
	run, err := h.store.GetRun(context.Background(), runID)
	if err != nil || !run.Status.IsTerminal() {
		if err != nil {
			h.logger.Warn("Notification lookup for run %s failed: %v", runID, err)
		}
		return
	}
	async.Go(h.logger, "notify:"+runID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DeliveryTimeout)
		defer cancel()
		h.courier.DeliverForRun(ctx, run)
	})
}

// UpdateCodebasesRequest replaces a connected worker's codebase
// affinity set.
type UpdateCodebasesRequest struct {
	WorkerID  string   `json:"worker_id"`
	Codebases []string `json:"codebases"`
}

// HandleUpdateCodebases handles PUT /v1/worker/codebases.
func (h *Handler) HandleUpdateCodebases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req UpdateCodebasesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if req.WorkerID == "" {
		h.writeJSONError(w, http.StatusBadRequest, "worker_id is required", nil)
		return
	}

	if !h.registry.UpdateCodebases(req.WorkerID, req.Codebases) {
		h.writeJSONError(w, http.StatusNotFound, "no such connected worker", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"worker_id": req.WorkerID,
		"codebases": req.Codebases,
	})
}

// HandleConnectedWorkers handles GET /v1/worker/connected - the live
// session listing for operators.
func (h *Handler) HandleConnectedWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workers := h.registry.ConnectedWorkers()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"workers": workers,
		"count":   len(workers),
	})
}
