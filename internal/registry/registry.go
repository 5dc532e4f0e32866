// Package registry tracks live worker sessions and routes task
// notifications to them. Registry state is ephemeral: authoritative
// lease state lives in the store, and on divergence the store wins.
package registry

import (
	"context"
	"sync"
	"time"

	"fleet/internal/domain/task"
	"fleet/internal/observability"
	"fleet/internal/shared/logging"
)

// Event types pushed down a worker stream.
const (
	EventConnected     = "connected"
	EventTaskAvailable = "task_available"
	EventHeartbeat     = "heartbeat"
)

// mailboxSize bounds each worker's outbound queue. Writes that would
// block are dropped and counted, never letting a slow consumer stall
// the dispatcher.
const mailboxSize = 100

// Event is one frame destined for a worker's stream.
type Event struct {
	Type string
	Data any
}

// TaskEvent is the task_available payload.
type TaskEvent struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Prompt               string   `json:"prompt"`
	Model                string   `json:"model,omitempty"`
	Priority             int      `json:"priority"`
	CodebaseID           string   `json:"codebase_id,omitempty"`
	TargetAgentName      string   `json:"target_agent_name,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// LiveWorker is one connected worker session. The registry owns every
// field; outside the registry only the identity fields and the mailbox
// may be touched.
type LiveWorker struct {
	ID           string
	AgentName    string
	Capabilities []string
	Codebases    []string
	Mailbox      chan Event

	isBusy        bool
	currentRunID  string
	lastHeartbeat time.Time
	connectedAt   time.Time
}

// WorkerInfo is a point-in-time snapshot of a live worker for the ops
// surface.
type WorkerInfo struct {
	WorkerID      string    `json:"worker_id"`
	AgentName     string    `json:"agent_name"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	Codebases     []string  `json:"codebases,omitempty"`
	IsBusy        bool      `json:"is_busy"`
	CurrentRunID  string    `json:"current_run_id,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	MailboxDepth  int       `json:"mailbox_depth"`
}

// Metrics is a registry counter snapshot.
type Metrics struct {
	ConnectedWorkers int   `json:"connected_workers"`
	BusyWorkers      int   `json:"busy_workers"`
	EventsSent       int64 `json:"events_sent"`
	EventsDropped    int64 `json:"events_dropped"`
	TotalConnections int64 `json:"total_connections"`
}

// Registry is the in-memory worker directory and claim map. A single
// mutex guards both maps; critical sections are map operations only.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*LiveWorker
	claims  map[string]string // run id -> worker id

	eventsSent       int64
	eventsDropped    int64
	totalConnections int64

	collector *observability.MetricsCollector
	logger    logging.Logger
}

// New creates an empty registry. collector may be nil.
func New(collector *observability.MetricsCollector, logger logging.Logger) *Registry {
	return &Registry{
		workers:   make(map[string]*LiveWorker),
		claims:    make(map[string]string),
		collector: collector,
		logger:    logging.OrNop(logger),
	}
}

// Register adds a worker session. A reconnect under the same id
// replaces the previous session and closes its mailbox.
func (r *Registry) Register(workerID, agentName string, capabilities, codebases []string) *LiveWorker {
	now := time.Now().UTC()
	w := &LiveWorker{
		ID:            workerID,
		AgentName:     agentName,
		Capabilities:  append([]string(nil), capabilities...),
		Codebases:     append([]string(nil), codebases...),
		Mailbox:       make(chan Event, mailboxSize),
		lastHeartbeat: now,
		connectedAt:   now,
	}

	r.mu.Lock()
	var replaced, replacedBusy bool
	if old, ok := r.workers[workerID]; ok {
		close(old.Mailbox)
		r.dropClaimsLocked(workerID)
		replaced, replacedBusy = true, old.isBusy
		r.logger.Warn("Registry: worker %s reconnected, replacing previous session", workerID)
	}
	r.workers[workerID] = w
	r.totalConnections++
	total := len(r.workers)
	r.mu.Unlock()

	// Keep the gauges balanced across a replace: the old session's
	// stream handler sees itself superseded and skips its own teardown.
	if replaced {
		r.collector.WorkerDisconnected(context.Background())
		if replacedBusy {
			r.collector.WorkerBusy(context.Background(), -1)
		}
	}
	r.collector.WorkerConnected(context.Background())
	r.logger.Info("Registry: worker %s registered (agent=%s caps=%d codebases=%d, total=%d)",
		workerID, agentName, len(capabilities), len(codebases), total)
	return w
}

// Unregister drops a worker, closes its mailbox, and clears any claims
// it held. The store lease is left for the reaper.
func (r *Registry) Unregister(workerID string) {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.UnregisterSession(w)
}

// UnregisterSession drops w only while it is still the current session
// for its id. A stream handler whose session was replaced by a
// reconnect must not tear down the replacement.
func (r *Registry) UnregisterSession(w *LiveWorker) {
	r.mu.Lock()
	cur, ok := r.workers[w.ID]
	if !ok || cur != w {
		r.mu.Unlock()
		return
	}
	delete(r.workers, w.ID)
	close(w.Mailbox)
	r.dropClaimsLocked(w.ID)
	total := len(r.workers)
	busy := w.isBusy
	r.mu.Unlock()

	r.collector.WorkerDisconnected(context.Background())
	if busy {
		r.collector.WorkerBusy(context.Background(), -1)
	}
	r.logger.Info("Registry: worker %s unregistered (remaining=%d)", w.ID, total)
}

// dropClaimsLocked removes every claim held by workerID. Callers hold r.mu.
func (r *Registry) dropClaimsLocked(workerID string) {
	for runID, owner := range r.claims {
		if owner == workerID {
			delete(r.claims, runID)
		}
	}
}

// UpdateHeartbeat refreshes the worker's liveness timestamp.
func (r *Registry) UpdateHeartbeat(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return false
	}
	w.lastHeartbeat = time.Now().UTC()
	return true
}

// UpdateCodebases replaces the worker's codebase affinity set.
func (r *Registry) UpdateCodebases(workerID string, codebases []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return false
	}
	w.Codebases = append([]string(nil), codebases...)
	w.lastHeartbeat = time.Now().UTC()
	return true
}

// Claim records workerID as the claimant of runID. It refuses a run
// already claimed by another worker and is idempotent for the current
// claimant. A live session executes one run at a time.
func (r *Registry) Claim(runID, workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, claimed := r.claims[runID]; claimed {
		return owner == workerID
	}
	w, ok := r.workers[workerID]
	if !ok {
		r.logger.Warn("Registry: claim of run %s by unknown worker %s refused", runID, workerID)
		return false
	}
	if w.isBusy && w.currentRunID != runID {
		r.logger.Warn("Registry: worker %s busy with run %s, refusing claim of %s",
			workerID, w.currentRunID, runID)
		return false
	}

	r.claims[runID] = workerID
	if !w.isBusy {
		w.isBusy = true
		r.collector.WorkerBusy(context.Background(), 1)
	}
	w.currentRunID = runID
	w.lastHeartbeat = time.Now().UTC()
	return true
}

// Release clears the claim on runID if workerID holds it.
func (r *Registry) Release(runID, workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, claimed := r.claims[runID]
	if !claimed || owner != workerID {
		return false
	}
	delete(r.claims, runID)

	if w, ok := r.workers[workerID]; ok && w.currentRunID == runID {
		w.isBusy = false
		w.currentRunID = ""
		w.lastHeartbeat = time.Now().UTC()
		r.collector.WorkerBusy(context.Background(), -1)
	}
	return true
}

// ClaimedBy returns the worker currently claiming runID, if any.
func (r *Registry) ClaimedBy(runID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.claims[runID]
	return owner, ok
}

// AvailableWorkers returns the idle workers able to take a task with
// the given routing constraints.
//
// The codebase filter is restrictive: a worker that registered no
// codebases matches only the reserved tags ("global", "__pending__"),
// never a concrete codebase id.
func (r *Registry) AvailableWorkers(codebaseID, targetAgentName string, requiredCaps []string) []*LiveWorker {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*LiveWorker
	for _, w := range r.workers {
		if matchesLocked(w, codebaseID, targetAgentName, requiredCaps) {
			out = append(out, w)
		}
	}
	return out
}

func matchesLocked(w *LiveWorker, codebaseID, targetAgentName string, requiredCaps []string) bool {
	if w.isBusy {
		return false
	}
	if targetAgentName != "" && w.AgentName != targetAgentName {
		return false
	}
	if codebaseID != "" && !task.IsReservedCodebase(codebaseID) && !contains(w.Codebases, codebaseID) {
		return false
	}
	return containsAll(w.Capabilities, requiredCaps)
}

// BroadcastTask pushes a task_available event to every matching idle
// worker. Sends never block: a full mailbox logs, counts a drop, and
// skips that worker. Returns the ids notified.
func (r *Registry) BroadcastTask(event TaskEvent, codebaseID, targetAgentName string, requiredCaps []string) []string {
	r.mu.Lock()

	var notified []string
	var dropped int
	for _, w := range r.workers {
		if !matchesLocked(w, codebaseID, targetAgentName, requiredCaps) {
			continue
		}
		select {
		case w.Mailbox <- Event{Type: EventTaskAvailable, Data: event}:
			r.eventsSent++
			notified = append(notified, w.ID)
		default:
			r.eventsDropped++
			dropped++
			r.logger.Warn("Registry: mailbox full for worker %s, skipping task %s", w.ID, event.ID)
		}
	}
	r.mu.Unlock()

	for i := 0; i < dropped; i++ {
		r.collector.RecordDroppedEvent(context.Background())
	}
	if len(notified) > 0 {
		r.logger.Debug("Registry: task %s broadcast to %d worker(s)", event.ID, len(notified))
	}
	return notified
}

// ConnectedWorkers snapshots every live session.
func (r *Registry) ConnectedWorkers() []WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, WorkerInfo{
			WorkerID:      w.ID,
			AgentName:     w.AgentName,
			Capabilities:  append([]string(nil), w.Capabilities...),
			Codebases:     append([]string(nil), w.Codebases...),
			IsBusy:        w.isBusy,
			CurrentRunID:  w.currentRunID,
			ConnectedAt:   w.connectedAt,
			LastHeartbeat: w.lastHeartbeat,
			MailboxDepth:  len(w.Mailbox),
		})
	}
	return out
}

// ConnectedCount returns the number of live sessions.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Metrics returns a counter snapshot.
func (r *Registry) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	busy := 0
	for _, w := range r.workers {
		if w.isBusy {
			busy++
		}
	}
	return Metrics{
		ConnectedWorkers: len(r.workers),
		BusyWorkers:      busy,
		EventsSent:       r.eventsSent,
		EventsDropped:    r.eventsDropped,
		TotalConnections: r.totalConnections,
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsAll(set, required []string) bool {
	for _, req := range required {
		if !contains(set, req) {
			return false
		}
	}
	return true
}
