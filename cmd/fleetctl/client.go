package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"fleet/internal/domain/task"
	"fleet/internal/queue"
	"fleet/internal/registry"
	"fleet/internal/shared/logging"
)

// apiClient is a thin typed wrapper over the fleet server HTTP API.
type apiClient struct {
	http *resty.Client
}

func newAPIClient(serverURL, token string, timeout time.Duration) *apiClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(serverURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetHeader("Authorization", "Bearer "+token)
	}
	return &apiClient{http: client}
}

type enqueueResult struct {
	Task task.Task    `json:"task"`
	Run  task.TaskRun `json:"run"`
}

type runList struct {
	Runs  []*task.TaskRun `json:"runs"`
	Count int             `json:"count"`
}

type workerList struct {
	Workers []*task.Worker `json:"workers"`
	Count   int            `json:"count"`
}

type connectedList struct {
	Workers []registry.WorkerInfo `json:"workers"`
	Count   int                   `json:"count"`
}

type serverStats struct {
	QueueDepth int              `json:"queue_depth"`
	Running    int              `json:"running"`
	Registry   registry.Metrics `json:"registry"`
}

func (c *apiClient) EnqueueTask(ctx context.Context, req queue.SubmitRequest) (*enqueueResult, error) {
	var out enqueueResult
	if err := c.post(ctx, "/v1/tasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) GetRun(ctx context.Context, runID string) (*task.TaskRun, error) {
	var out task.TaskRun
	if err := c.get(ctx, "/v1/runs/"+runID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) ListRuns(ctx context.Context, status string, limit int) ([]*task.TaskRun, error) {
	query := map[string]string{"limit": fmt.Sprintf("%d", limit)}
	if status != "" {
		query["status"] = status
	}
	var out runList
	if err := c.get(ctx, "/v1/runs", query, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func (c *apiClient) CancelRun(ctx context.Context, runID string) error {
	return c.post(ctx, "/v1/runs/"+runID+"/cancel", nil, nil)
}

func (c *apiClient) ListWorkers(ctx context.Context, activeOnly bool) ([]*task.Worker, error) {
	query := map[string]string{"active": fmt.Sprintf("%t", activeOnly)}
	var out workerList
	if err := c.get(ctx, "/v1/workers", query, &out); err != nil {
		return nil, err
	}
	return out.Workers, nil
}

func (c *apiClient) ConnectedWorkers(ctx context.Context) ([]registry.WorkerInfo, error) {
	var out connectedList
	if err := c.get(ctx, "/v1/worker/connected", nil, &out); err != nil {
		return nil, err
	}
	return out.Workers, nil
}

func (c *apiClient) LogSearch(ctx context.Context, id string) (*logging.LogFileSnippet, error) {
	var out logging.LogFileSnippet
	if err := c.get(ctx, "/v1/logs", map[string]string{"id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Stats(ctx context.Context) (*serverStats, error) {
	var out serverStats
	if err := c.get(ctx, "/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) get(ctx context.Context, path string, query map[string]string, out any) error {
	req := c.http.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("fleet server unreachable: %w", err)
	}
	return decodeResponse(resp, out)
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	req := c.http.R().SetContext(ctx).SetHeader("Content-Type", "application/json")
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("fleet server unreachable: %w", err)
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *resty.Response, out any) error {
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return apiErrorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode server response: %w", err)
	}
	return nil
}

// apiErrorFrom turns an error response into something readable. The
// server speaks two shapes: {"error","details"} for plain failures and
// the quota shape with a "message" field on 429.
func apiErrorFrom(resp *resty.Response) error {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err == nil {
		switch {
		case payload.Message != "":
			return fmt.Errorf("%s (%s)", payload.Message, resp.Status())
		case payload.Details != "":
			return fmt.Errorf("%s: %s (%s)", payload.Error, payload.Details, resp.Status())
		case payload.Error != "":
			return fmt.Errorf("%s (%s)", payload.Error, resp.Status())
		}
	}
	return fmt.Errorf("server returned %s", resp.Status())
}
