// Package httpapi is the HTTP control plane: the worker surface
// (stream, claim, release) and the operator surface (enqueue, run
// queries, cancel, health). Handlers stay thin; the queue service and
// the store own every state transition.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"fleet/internal/domain/task"
	"fleet/internal/queue"
	"fleet/internal/registry"
	"fleet/internal/shared/logging"
)

const (
	defaultLeaseDuration   = 10 * time.Minute
	defaultDeliveryTimeout = 2 * time.Minute

	// maxRequestBodySize caps request bodies to avoid resource
	// exhaustion from oversized payloads.
	maxRequestBodySize = 1 << 20 // 1 MiB
)

// Deliverer fires completion notifications for a settled run.
// *courier.Courier implements it. Handlers call it on a detached
// context so worker HTTP calls never wait on outbound webhooks.
type Deliverer interface {
	DeliverForRun(ctx context.Context, run *task.TaskRun) int
}

// Pinger reports storage health for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the control plane.
type Config struct {
	// AuthTokens is the static bearer token set for /v1 routes. An
	// empty set disables auth.
	AuthTokens []string
	// LeaseDuration applies to claims made through the claim endpoint.
	LeaseDuration time.Duration
	// DeliveryTimeout bounds the notification pass fired after a
	// terminal release.
	DeliveryTimeout time.Duration
}

// Deps carries the control-plane collaborators. Courier and Pinger may
// be nil; the matching behavior degrades gracefully.
type Deps struct {
	Queue    *queue.Service
	Store    task.Store
	Registry *registry.Registry
	Courier  Deliverer
	Pinger   Pinger
	Logger   logging.Logger
}

// Handler implements every control-plane endpoint.
type Handler struct {
	cfg      Config
	queue    *queue.Service
	store    task.Store
	registry *registry.Registry
	courier  Deliverer
	pinger   Pinger
	logger   logging.Logger
}

// NewHandler creates the control-plane handler set.
func NewHandler(cfg Config, deps Deps) *Handler {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	return &Handler{
		cfg:      cfg,
		queue:    deps.Queue,
		store:    deps.Store,
		registry: deps.Registry,
		courier:  deps.Courier,
		pinger:   deps.Pinger,
		logger:   logging.OrNop(deps.Logger),
	}
}

// decodeJSON parses a single JSON object from the request body,
// rejecting unknown fields and trailing garbage.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer body.Close()

	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return fmt.Errorf("request body is empty")
		case errors.As(err, &syntaxErr):
			return fmt.Errorf("invalid JSON at position %d", syntaxErr.Offset)
		case errors.As(err, &typeErr):
			return fmt.Errorf("invalid value for field %q", typeErr.Field)
		case errors.As(err, &maxBytesErr):
			return fmt.Errorf("request body too large")
		default:
			return fmt.Errorf("invalid request body")
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func parseRunStatus(s string) (task.RunStatus, bool) {
	switch status := task.RunStatus(s); status {
	case task.RunQueued, task.RunRunning, task.RunNeedsInput,
		task.RunCompleted, task.RunFailed, task.RunCancelled:
		return status, true
	}
	return "", false
}
