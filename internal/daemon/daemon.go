// Package daemon runs the long-lived poll loop: every tick it walks the
// daemon-scheduled running runs, resolves their workflow specs and offers
// each declared agent a chance to spawn, interleaving recovery sweeps and
// session garbage collection on slower cadences.
package daemon

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/vardaSoft/antfarm/internal/otel"
	"github.com/vardaSoft/antfarm/internal/recovery"
	"github.com/vardaSoft/antfarm/internal/spawn"
	"github.com/vardaSoft/antfarm/internal/store"
	"github.com/vardaSoft/antfarm/internal/workflow"
)

const (
	defaultInterval = 30 * time.Second
	minInterval     = 10 * time.Second

	claimSweepSpec = "*/2 * * * *"  // stale-claim sweep cadence
	sessionGCSpec  = "*/10 * * * *" // active-session GC cadence
)

// Config holds the daemon's dependencies and tuning.
type Config struct {
	Store   *store.Store
	Cache   *workflow.Cache
	Spawner *spawn.Spawner
	Sweeper *recovery.Sweeper
	Logger  *slog.Logger
	Metrics *otel.Metrics

	// Interval between poll ticks; clamped to a 10s floor.
	Interval time.Duration

	// AllowedWorkflows, when non-empty, restricts the daemon to these
	// workflow ids so it cannot interfere with a cron-driven fabric running
	// other workflows on the same host.
	AllowedWorkflows []string

	// PIDPath locates the singleton PID file.
	PIDPath string
}

// Daemon is the polling scheduler process.
type Daemon struct {
	store   *store.Store
	cache   *workflow.Cache
	spawner *spawn.Spawner
	sweeper *recovery.Sweeper
	logger  *slog.Logger
	metrics *otel.Metrics

	interval time.Duration
	allowed  []string
	pidFile  *PIDFile

	shutdown atomic.Bool
	tickBusy atomic.Bool

	// cacheSeen holds the spec-cache counters as of the previous tick so the
	// per-tick deltas can feed the OTel counters.
	cacheSeen workflow.Stats
}

// New creates a Daemon.
func New(cfg Config) *Daemon {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	if interval < minInterval {
		interval = minInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		store:    cfg.Store,
		cache:    cfg.Cache,
		spawner:  cfg.Spawner,
		sweeper:  cfg.Sweeper,
		logger:   logger,
		metrics:  cfg.Metrics,
		interval: interval,
		allowed:  cfg.AllowedWorkflows,
		pidFile:  NewPIDFile(cfg.PIDPath),
	}
}

// Run starts the loop and blocks until a shutdown signal or ctx cancellation.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.pidFile.Acquire(); err != nil {
		return err
	}
	defer d.pidFile.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			d.logger.Info("shutdown signal received", "signal", sig.String())
			d.shutdown.Store(true)
			cancel()
		case <-ctx.Done():
		}
	}()

	// The slow cadences ride on a cron runner; the hot poll loop keeps its
	// own ticker. A cadence still running when its next slot fires is skipped.
	runner := cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	if _, err := runner.AddFunc(claimSweepSpec, func() {
		if d.shutdown.Load() {
			return
		}
		d.sweeper.SweepClaims(context.WithoutCancel(ctx))
	}); err != nil {
		return err
	}
	if _, err := runner.AddFunc(sessionGCSpec, func() {
		if d.shutdown.Load() {
			return
		}
		d.sweeper.GCSessions(context.WithoutCancel(ctx))
	}); err != nil {
		return err
	}
	runner.Start()
	defer runner.Stop()

	d.logger.Info("daemon started", "interval", d.interval, "pid", os.Getpid(),
		"allowed_workflows", d.allowed)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopped")
			return nil
		case <-ticker.C:
			if d.shutdown.Load() {
				d.logger.Info("daemon stopped")
				return nil
			}
			d.tick(ctx)
		}
	}
}

// tick runs one poll iteration. Overlapping invocations skip instead of
// running concurrently.
func (d *Daemon) tick(ctx context.Context) {
	if !d.tickBusy.CompareAndSwap(false, true) {
		d.logger.Debug("tick skipped: previous tick still running")
		return
	}
	defer d.tickBusy.Store(false)

	if d.metrics != nil {
		otel.Add(ctx, d.metrics.DaemonTicks, 1)
	}
	d.sweeper.MaybeSweep(ctx)

	workflows, err := d.store.DistinctDaemonWorkflows(ctx)
	if err != nil {
		d.logger.Error("tick: query daemon workflows", "error", err)
		return
	}
	for _, workflowID := range workflows {
		if d.shutdown.Load() {
			return
		}
		if len(d.allowed) > 0 && !slices.Contains(d.allowed, workflowID) {
			continue
		}
		spec, err := d.cache.Get(workflowID)
		if err != nil {
			d.logger.Error("tick: load workflow spec", "workflow", workflowID, "error", err)
			continue
		}
		d.pollWorkflow(ctx, spec)
	}

	stats := d.cache.Stats()
	if d.metrics != nil {
		otel.Add(ctx, d.metrics.CacheHits, stats.Hits-d.cacheSeen.Hits)
		otel.Add(ctx, d.metrics.CacheMisses, stats.Misses-d.cacheSeen.Misses)
	}
	d.cacheSeen = stats
	d.logger.Debug("spec cache", "hits", stats.Hits, "misses", stats.Misses,
		"size", stats.Size, "hit_rate", stats.HitRate)
}

// pollWorkflow offers every agent of the workflow one spawn opportunity.
func (d *Daemon) pollWorkflow(ctx context.Context, spec *workflow.Spec) {
	for _, agent := range spec.Agents {
		if d.shutdown.Load() {
			return
		}
		res := d.spawner.PeekAndSpawn(ctx, agent.ID, spec, "daemon")
		switch {
		case res.Err != nil:
			if res.Rollback && d.metrics != nil {
				otel.Add(ctx, d.metrics.SpawnRollbacks, 1)
			}
			d.logger.Error("spawn failed", "workflow", spec.ID, "agent", agent.ID,
				"rollback", res.Rollback, "error", res.Err)
		case res.Spawned:
			if d.metrics != nil {
				otel.Add(ctx, d.metrics.Spawns, 1)
			}
			d.logger.Info("worker spawned", "workflow", spec.ID, "agent", agent.ID,
				"session", res.SessionID)
		case res.Reason == "story_already_claimed":
			d.logger.Debug("story already claimed", "workflow", spec.ID, "agent", agent.ID)
		}
	}
}
