// Package worker runs the hosted execution pool: claim a run, keep its
// lease alive, execute it against the agent runtime, and settle the
// result. The agent runtime is an opaque HTTP service; its responses
// pass through unexamined beyond summary extraction.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"

	fleeterrors "fleet/internal/shared/errors"
	"fleet/internal/shared/logging"
)

const (
	defaultRuntimeTimeout = 10 * time.Minute
	defaultRuntimeRetries = 3

	// summaryProbeLimit caps how much of an unstructured response body
	// becomes the result summary.
	summaryProbeLimit = 200
)

// RuntimeRequest is one execution request against the agent runtime.
type RuntimeRequest struct {
	TaskID    string          `json:"task_id"`
	RunID     string          `json:"run_id"`
	Prompt    string          `json:"prompt"`
	ModelRef  string          `json:"model,omitempty"`
	AgentType string          `json:"agent_type,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// RuntimeResult is the settled outcome of one runtime call. Payload is
// always valid JSON: structured responses pass through, NDJSON
// transcripts are wrapped.
type RuntimeResult struct {
	Summary string
	Payload json.RawMessage
}

// AgentRuntime executes task attempts. Implementations must honor ctx
// cancellation: the pool cancels execution when a lease renewal fails.
type AgentRuntime interface {
	ContinueTask(ctx context.Context, req RuntimeRequest) (*RuntimeResult, error)
}

// RuntimeConfig configures the HTTP agent runtime client.
type RuntimeConfig struct {
	BaseURL string
	APIKey  string
	// Timeout bounds a single HTTP attempt. Keep it under the lease
	// duration or renewals cannot save a slow call.
	Timeout time.Duration
	// MaxRetries bounds attempts per call for transient failures.
	MaxRetries int
}

// HTTPRuntime calls the agent runtime over HTTP with exponential
// backoff on transient failures.
type HTTPRuntime struct {
	cfg    RuntimeConfig
	client *resty.Client
	logger logging.Logger
}

// NewHTTPRuntime creates the runtime client.
func NewHTTPRuntime(cfg RuntimeConfig, logger logging.Logger) *HTTPRuntime {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRuntimeTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultRuntimeRetries
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/x-ndjson, application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &HTTPRuntime{cfg: cfg, client: client, logger: logging.OrNop(logger)}
}

// ContinueTask runs one attempt, retrying transient transport and
// server failures. Client errors fail immediately.
func (c *HTTPRuntime) ContinueTask(ctx context.Context, req RuntimeRequest) (*RuntimeResult, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxInterval = 15 * time.Second

	attempt := 0
	return backoff.Retry(ctx, func() (*RuntimeResult, error) {
		attempt++
		result, err := c.continueOnce(ctx, req)
		if err != nil {
			if !fleeterrors.IsTransient(err) {
				return nil, backoff.Permanent(err)
			}
			c.logger.Warn("Runtime: attempt %d for run %s failed: %v", attempt, req.RunID, err)
			return nil, err
		}
		return result, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(c.cfg.MaxRetries)))
}

func (c *HTTPRuntime) continueOnce(ctx context.Context, req RuntimeRequest) (*RuntimeResult, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post("/v1/tasks/continue")
	if err != nil {
		return nil, fleeterrors.NewTransientError(err, "agent runtime unreachable")
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		detail := fmt.Errorf("agent runtime returned %s: %s",
			resp.Status(), fleeterrors.Truncate(string(resp.Body()), summaryProbeLimit))
		if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
			return nil, fleeterrors.NewTransientError(detail, "agent runtime degraded")
		}
		return nil, fleeterrors.NewPermanentError(detail, "agent runtime rejected the task")
	}

	return parseRuntimeResponse(resp.Body())
}

// parseRuntimeResponse normalizes the runtime's reply. A single JSON
// document passes through with its summary field lifted out; an NDJSON
// stream is scanned backwards for the last summary-bearing event and
// preserved whole under a transcript wrapper.
func parseRuntimeResponse(body []byte) (*RuntimeResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &RuntimeResult{}, nil
	}

	if json.Valid(trimmed) {
		return &RuntimeResult{
			Summary: probeSummary(trimmed),
			Payload: append(json.RawMessage(nil), trimmed...),
		}, nil
	}

	var summary string
	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		if s := probeSummary(line); s != "" {
			summary = s
			break
		}
	}
	if summary == "" {
		summary = fleeterrors.Truncate(string(trimmed), summaryProbeLimit)
	}

	wrapped, err := json.Marshal(map[string]string{"transcript": string(trimmed)})
	if err != nil {
		return nil, fmt.Errorf("wrap runtime transcript: %w", err)
	}
	return &RuntimeResult{Summary: summary, Payload: wrapped}, nil
}

func probeSummary(doc []byte) string {
	var probe map[string]any
	if err := json.Unmarshal(doc, &probe); err != nil {
		return ""
	}
	for _, key := range []string{"summary", "result", "content"} {
		if s, ok := probe[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
