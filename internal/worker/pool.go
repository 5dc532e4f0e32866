package worker

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fleet/internal/domain/task"
	"fleet/internal/observability"
	"fleet/internal/shared/logging"
)

const (
	defaultPollInterval      = 2 * time.Second
	defaultLeaseDuration     = 10 * time.Minute
	defaultHeartbeatInterval = 60 * time.Second
	defaultMaxConcurrent     = 2
	defaultMaxRuntime        = time.Hour
	defaultDrainTimeout      = 30 * time.Second
	defaultRetryBatch        = 20

	settleTimeout = 30 * time.Second
)

// Notifier delivers run notifications. *courier.Courier implements it.
type Notifier interface {
	DeliverForRun(ctx context.Context, run *task.TaskRun) int
	RetryPass(ctx context.Context, limit int) (int, error)
}

// Config tunes the hosted worker pool.
type Config struct {
	// WorkerID identifies this process in leases and the worker table.
	// Defaults to a fresh UUID.
	WorkerID string
	// AgentName is the routing identity claims filter on.
	AgentName    string
	Capabilities []string
	// MaxConcurrentTasks is the number of runner goroutines.
	MaxConcurrentTasks int
	// PollInterval paces idle claim attempts.
	PollInterval time.Duration
	// LeaseDuration is granted on claim and on every renewal.
	LeaseDuration time.Duration
	// HeartbeatInterval paces lease renewal and the worker-row upsert.
	HeartbeatInterval time.Duration
	// MaxRuntime bounds a single execution end to end.
	MaxRuntime time.Duration
	// DrainTimeout is how long in-flight executions may continue after
	// shutdown begins.
	DrainTimeout time.Duration
	// RetryBatch bounds the notification retry pass per housekeeping
	// tick.
	RetryBatch int
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = defaultMaxConcurrent
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaultLeaseDuration
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.MaxRuntime <= 0 {
		c.MaxRuntime = defaultMaxRuntime
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = defaultRetryBatch
	}
	return c
}

// Pool claims queued runs and executes them against the agent runtime,
// MaxConcurrentTasks at a time. The store lease is the only execution
// permit: a lost renewal aborts the attempt.
type Pool struct {
	cfg      Config
	store    task.Store
	runtime  AgentRuntime
	notifier Notifier
	metrics  *observability.MetricsCollector
	logger   logging.Logger

	active atomic.Int64
}

// New creates the pool. notifier and metrics may be nil.
func New(cfg Config, store task.Store, runtime AgentRuntime, notifier Notifier, metrics *observability.MetricsCollector, logger logging.Logger) *Pool {
	return &Pool{
		cfg:      cfg.withDefaults(),
		store:    store,
		runtime:  runtime,
		notifier: notifier,
		metrics:  metrics,
		logger:   logging.OrNop(logger),
	}
}

// WorkerID returns the pool's effective worker identity.
func (p *Pool) WorkerID() string { return p.cfg.WorkerID }

// Run registers the worker row and drives the runner and housekeeping
// loops until ctx is cancelled. In-flight executions get DrainTimeout
// to finish; the worker row is marked stopped on the way out.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.registerRow(ctx); err != nil {
		return err
	}
	p.logger.Info("Worker %s: pool started (agent=%s concurrency=%d poll=%s lease=%s)",
		p.cfg.WorkerID, p.cfg.AgentName, p.cfg.MaxConcurrentTasks, p.cfg.PollInterval, p.cfg.LeaseDuration)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.MaxConcurrentTasks; i++ {
		g.Go(func() error { return p.runner(gctx) })
	}
	g.Go(func() error { return p.housekeeping(gctx) })

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stopErr := p.store.MarkWorkerStopped(stopCtx, p.cfg.WorkerID); stopErr != nil {
		p.logger.Error("Worker %s: failed to mark stopped: %v", p.cfg.WorkerID, stopErr)
	}
	p.logger.Info("Worker %s: pool stopped", p.cfg.WorkerID)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) registerRow(ctx context.Context) error {
	hostname, _ := os.Hostname()
	return p.store.RegisterWorker(ctx, &task.Worker{
		ID:                 p.cfg.WorkerID,
		Hostname:           hostname,
		ProcessID:          os.Getpid(),
		MaxConcurrentTasks: p.cfg.MaxConcurrentTasks,
		Status:             task.WorkerActive,
	})
}

func (p *Pool) identity() task.WorkerIdentity {
	return task.WorkerIdentity{
		WorkerID:     p.cfg.WorkerID,
		AgentName:    p.cfg.AgentName,
		Capabilities: p.cfg.Capabilities,
	}
}

// runner claims and executes runs until ctx is cancelled. A successful
// execution claims again immediately; an empty or failed claim waits a
// poll tick.
func (p *Pool) runner(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		run, err := p.store.ClaimNext(ctx, p.identity(), p.cfg.LeaseDuration)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("Worker %s: claim failed: %v", p.cfg.WorkerID, err)
		case run != nil:
			p.metrics.RecordClaim(ctx, p.cfg.AgentName, time.Since(run.CreatedAt))
			p.execute(ctx, run)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// execute runs one claimed run to a settled outcome. Execution
// deliberately survives pool shutdown for the drain window, so the
// context chain detaches from ctx and re-attaches a drain watcher.
func (p *Pool) execute(ctx context.Context, run *task.TaskRun) {
	p.active.Add(1)
	defer p.active.Add(-1)

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.MaxRuntime)
	defer cancel()
	stopWatcher := context.AfterFunc(ctx, func() {
		select {
		case <-execCtx.Done():
		case <-time.After(p.cfg.DrainTimeout):
			p.logger.Warn("Worker %s: drain window elapsed, aborting run %s", p.cfg.WorkerID, run.ID)
			cancel()
		}
	})
	defer stopWatcher()

	var leaseLost atomic.Bool
	stopHeartbeat := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopHeartbeat:
				return
			case <-execCtx.Done():
				return
			case <-ticker.C:
				ok, err := p.store.RenewLease(execCtx, run.ID, p.cfg.WorkerID, p.cfg.LeaseDuration)
				if err != nil {
					// Transient renewal errors keep trying; the lease
					// only lapses after LeaseDuration of silence.
					p.logger.Warn("Worker %s: lease renewal for run %s errored: %v", p.cfg.WorkerID, run.ID, err)
					continue
				}
				if !ok {
					leaseLost.Store(true)
					p.logger.Warn("Worker %s: lease on run %s lost, aborting execution", p.cfg.WorkerID, run.ID)
					cancel()
					return
				}
			}
		}
	}()

	start := time.Now()
	result, rpcErr := p.attempt(execCtx, run)
	elapsed := time.Since(start)

	close(stopHeartbeat)
	<-heartbeatDone

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer settleCancel()

	switch {
	case leaseLost.Load():
		// Another owner (or the reaper) took the run; the result is
		// theirs to produce now.
		p.logger.Warn("Worker %s: dropping result for run %s after lease loss", p.cfg.WorkerID, run.ID)
	case rpcErr == nil:
		if result == nil {
			result = &RuntimeResult{}
		}
		p.settle(settleCtx, run, task.RunCompleted, result.Summary, result.Payload, "", elapsed)
	case errors.Is(rpcErr, context.DeadlineExceeded):
		p.adoptOrFail(settleCtx, run, rpcErr, elapsed)
	default:
		p.settle(settleCtx, run, task.RunFailed, "", nil, rpcErr.Error(), elapsed)
	}
}

func (p *Pool) attempt(ctx context.Context, run *task.TaskRun) (*RuntimeResult, error) {
	t, err := p.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return nil, err
	}
	return p.runtime.ContinueTask(ctx, RuntimeRequest{
		TaskID:    t.ID,
		RunID:     run.ID,
		Prompt:    t.Prompt,
		ModelRef:  t.ModelRef,
		AgentType: t.AgentType,
		Metadata:  t.Metadata,
	})
}

// adoptOrFail handles an execution timeout: when the run settled
// upstream while our call was stuck, adopt that outcome instead of
// overwriting it with a failure.
func (p *Pool) adoptOrFail(ctx context.Context, run *task.TaskRun, rpcErr error, elapsed time.Duration) {
	fresh, err := p.store.GetRun(ctx, run.ID)
	if err == nil && fresh.Status.IsTerminal() {
		p.logger.Info("Worker %s: run %s settled upstream as %s during a timed-out call",
			p.cfg.WorkerID, run.ID, fresh.Status)
		return
	}
	p.settle(ctx, run, task.RunFailed, "", nil, "agent runtime timed out: "+rpcErr.Error(), elapsed)
}

func (p *Pool) settle(ctx context.Context, run *task.TaskRun, status task.RunStatus, summary string, payload []byte, errText string, elapsed time.Duration) {
	ok, err := p.store.Complete(ctx, task.CompleteRequest{
		RunID:         run.ID,
		WorkerID:      p.cfg.WorkerID,
		Status:        status,
		ResultSummary: summary,
		ResultFull:    payload,
		ErrorText:     errText,
	})
	if err != nil {
		p.logger.Error("Worker %s: settle of run %s as %s failed: %v", p.cfg.WorkerID, run.ID, status, err)
		return
	}
	if !ok {
		p.logger.Warn("Worker %s: run %s was no longer ours to settle", p.cfg.WorkerID, run.ID)
		return
	}

	p.metrics.RecordCompletion(ctx, string(status), elapsed)
	p.logger.Info("Worker %s: run %s %s after %s", p.cfg.WorkerID, run.ID, status, elapsed.Round(time.Millisecond))

	if p.notifier != nil {
		fresh, err := p.store.GetRun(ctx, run.ID)
		if err != nil {
			p.logger.Warn("Worker %s: notification lookup for run %s failed: %v", p.cfg.WorkerID, run.ID, err)
			return
		}
		p.notifier.DeliverForRun(ctx, fresh)
	}
}

// housekeeping refreshes the worker row and retries failed
// notifications once per heartbeat interval.
func (p *Pool) housekeeping(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.heartbeatOnce(ctx)
		}
	}
}

func (p *Pool) heartbeatOnce(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ok, err := p.store.WorkerHeartbeat(hctx, p.cfg.WorkerID, int(p.active.Load()))
	if err != nil {
		p.logger.Warn("Worker %s: heartbeat failed: %v", p.cfg.WorkerID, err)
	} else if !ok {
		// The reaper swept us as stale; revive the row.
		p.logger.Warn("Worker %s: row missing or stopped, re-registering", p.cfg.WorkerID)
		if err := p.registerRow(hctx); err != nil {
			p.logger.Error("Worker %s: re-register failed: %v", p.cfg.WorkerID, err)
		}
	}

	if p.notifier == nil {
		return
	}
	retried, err := p.notifier.RetryPass(hctx, p.cfg.RetryBatch)
	if err != nil {
		p.logger.Warn("Worker %s: notification retry pass failed: %v", p.cfg.WorkerID, err)
	} else if retried > 0 {
		p.logger.Info("Worker %s: retried %d notification(s)", p.cfg.WorkerID, retried)
	}
}
