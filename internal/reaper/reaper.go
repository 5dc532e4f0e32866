// Package reaper reconciles state the happy path leaves behind: lapsed
// leases back to the queue, overdue queued runs to failed, dead worker
// rows to stopped, and notification retries back onto the wire. It is
// the correctness floor under SSE push and worker polling, so every
// repair must stay safe to run concurrently with live claims.
package reaper

import (
	"context"
	"math/rand"
	"time"

	"fleet/internal/domain/task"
	"fleet/internal/observability"
	"fleet/internal/shared/logging"
)

const (
	defaultInterval     = 60 * time.Second
	defaultStuckTimeout = 300 * time.Second
	defaultRetryBatch   = 20
	defaultPokeBatch    = 50
)

// Poker re-announces queued runs to live workers after a reclaim.
// Satisfied by *dispatch.Dispatcher.
type Poker interface {
	PokeQueued(ctx context.Context, limit int) (int, error)
}

// Retrier re-drives failed notification deliveries whose backoff has
// elapsed. Satisfied by *courier.Courier.
type Retrier interface {
	RetryPass(ctx context.Context, limit int) (int, error)
}

// Config tunes the reconciliation loop. Zero values fall back to the
// defaults above.
type Config struct {
	// Interval is the time between sweeps.
	Interval time.Duration
	// StuckTimeout is how stale a worker heartbeat may be before its
	// row is marked stopped.
	StuckTimeout time.Duration
	// RetryBatch caps notification retries per sweep.
	RetryBatch int
	// PokeBatch caps queued-run re-announcements per sweep.
	PokeBatch int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = defaultStuckTimeout
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = defaultRetryBatch
	}
	if c.PokeBatch <= 0 {
		c.PokeBatch = defaultPokeBatch
	}
	return c
}

// Reaper periodically repairs queue, worker, and notification state.
type Reaper struct {
	cfg        Config
	store      task.Store
	dispatcher Poker
	courier    Retrier
	metrics    *observability.MetricsCollector
	logger     logging.Logger
}

// New creates a Reaper. dispatcher, courier, and metrics may be nil;
// the matching sweep steps are skipped.
func New(cfg Config, store task.Store, dispatcher Poker, courier Retrier, metrics *observability.MetricsCollector, logger logging.Logger) *Reaper {
	return &Reaper{
		cfg:        cfg.withDefaults(),
		store:      store,
		dispatcher: dispatcher,
		courier:    courier,
		metrics:    metrics,
		logger:     logging.OrNop(logger),
	}
}

// Run sweeps every cfg.Interval until ctx is cancelled. The first
// sweep is delayed by a random fraction of the interval so multiple
// server replicas do not scan the same rows in lockstep.
func (r *Reaper) Run(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(r.cfg.Interval)))
	r.logger.Info("Reaper: starting (interval=%s stuck_timeout=%s first sweep in %s)",
		r.cfg.Interval, r.cfg.StuckTimeout, jitter.Round(time.Millisecond))

	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}
	r.Sweep(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper: stopping")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. Each repair is independent: a
// failing step logs its error and the remaining steps still run, so a
// flaky notification endpoint cannot stall lease recovery.
func (r *Reaper) Sweep(ctx context.Context) {
	reclaimed, err := r.store.ReclaimExpired(ctx)
	switch {
	case err != nil:
		r.logger.Error("Reaper: reclaim expired leases: %v", err)
	case reclaimed > 0:
		r.logger.Info("Reaper: reclaimed %d expired lease(s)", reclaimed)
		r.metrics.RecordReclaims(ctx, reclaimed)
		r.pokeQueued(ctx)
	default:
		r.logger.Debug("Reaper: no expired leases")
	}

	expired, err := r.store.ExpireOverdue(ctx)
	switch {
	case err != nil:
		r.logger.Error("Reaper: expire overdue runs: %v", err)
	case expired > 0:
		r.logger.Info("Reaper: failed %d overdue queued run(s)", expired)
	default:
		r.logger.Debug("Reaper: no overdue runs")
	}

	stopped, err := r.store.StaleWorkerSweep(ctx, r.cfg.StuckTimeout)
	switch {
	case err != nil:
		r.logger.Error("Reaper: sweep stale workers: %v", err)
	case stopped > 0:
		r.logger.Info("Reaper: stopped %d stale worker row(s)", stopped)
	default:
		r.logger.Debug("Reaper: no stale workers")
	}

	if r.courier != nil {
		sent, err := r.courier.RetryPass(ctx, r.cfg.RetryBatch)
		switch {
		case err != nil:
			r.logger.Error("Reaper: notification retry pass: %v", err)
		case sent > 0:
			r.logger.Info("Reaper: re-sent %d notification(s)", sent)
		default:
			r.logger.Debug("Reaper: no notification retries due")
		}
	}
}

// pokeQueued re-announces queued runs after a reclaim so requeued work
// reaches workers that connected after the original broadcast.
func (r *Reaper) pokeQueued(ctx context.Context) {
	if r.dispatcher == nil {
		return
	}
	notified, err := r.dispatcher.PokeQueued(ctx, r.cfg.PokeBatch)
	if err != nil {
		r.logger.Warn("Reaper: poke queued runs: %v", err)
		return
	}
	if notified > 0 {
		r.logger.Info("Reaper: re-announced %d requeued run(s)", notified)
	}
}
