package httpapi

import (
	"net/http"
	"strings"

	"fleet/internal/shared/logging"
)

// NewRouter wires every control-plane route. Auth wraps the /v1
// routes; health probes stay open for load balancers.
func NewRouter(h *Handler) http.Handler {
	logger := logging.NewComponentLogger("Router")

	authMiddleware := AuthMiddleware(h.cfg.AuthTokens)
	wrap := func(handler http.Handler) http.Handler {
		return authMiddleware(handler)
	}

	mux := http.NewServeMux()

	// Worker control plane
	mux.Handle("/v1/worker/tasks/stream", wrap(http.HandlerFunc(h.HandleTaskStream)))
	mux.Handle("/v1/worker/tasks/claim", wrap(http.HandlerFunc(h.HandleClaimTask)))
	mux.Handle("/v1/worker/tasks/release", wrap(http.HandlerFunc(h.HandleReleaseTask)))
	mux.Handle("/v1/worker/codebases", wrap(http.HandlerFunc(h.HandleUpdateCodebases)))
	mux.Handle("/v1/worker/connected", wrap(http.HandlerFunc(h.HandleConnectedWorkers)))

	// Operator surface
	mux.Handle("/v1/tasks", wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.HandleEnqueueTask(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})))

	runsHandler := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/runs" || r.URL.Path == "/v1/runs/" {
			switch r.Method {
			case http.MethodGet:
				h.HandleListRuns(w, r)
			default:
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			}
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/v1/runs/")

		// Handle /v1/runs/:id/cancel
		if strings.HasSuffix(path, "/cancel") {
			h.HandleCancelRun(w, r)
			return
		}

		// Handle /v1/runs/:id
		if !strings.Contains(path, "/") {
			h.HandleGetRun(w, r)
			return
		}

		http.Error(w, "Not found", http.StatusNotFound)
	}))
	// Handle both /v1/runs and /v1/runs/ without relying on ServeMux redirects.
	mux.Handle("/v1/runs", runsHandler)
	mux.Handle("/v1/runs/", runsHandler)

	mux.Handle("/v1/workers", wrap(http.HandlerFunc(h.HandleListWorkers)))
	mux.Handle("/v1/stats", wrap(http.HandlerFunc(h.HandleStats)))
	mux.Handle("/v1/logs", wrap(http.HandlerFunc(h.HandleLogSearch)))

	// Health probes
	mux.Handle("/healthz", http.HandlerFunc(h.HandleHealthz))
	mux.Handle("/readyz", http.HandlerFunc(h.HandleReadyz))

	// Apply middleware
	var handler http.Handler = mux
	handler = LoggingMiddleware(logger)(handler)
	handler = CORSMiddleware()(handler)

	return handler
}
