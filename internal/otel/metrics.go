package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the daemon's counters.
type Metrics struct {
	DaemonTicks    metric.Int64Counter
	Spawns         metric.Int64Counter
	SpawnRollbacks metric.Int64Counter
	CacheHits      metric.Int64Counter
	CacheMisses    metric.Int64Counter
	SweepRecovered metric.Int64Counter
}

// NewMetrics creates the instrument set on the provider's meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.DaemonTicks, err = meter.Int64Counter("antfarm.daemon.ticks",
		metric.WithDescription("Daemon poll iterations")); err != nil {
		return nil, fmt.Errorf("daemon.ticks counter: %w", err)
	}
	if m.Spawns, err = meter.Int64Counter("antfarm.spawns",
		metric.WithDescription("Workers launched")); err != nil {
		return nil, fmt.Errorf("spawns counter: %w", err)
	}
	if m.SpawnRollbacks, err = meter.Int64Counter("antfarm.spawn.rollbacks",
		metric.WithDescription("Spawn failures rolled back")); err != nil {
		return nil, fmt.Errorf("spawn.rollbacks counter: %w", err)
	}
	if m.CacheHits, err = meter.Int64Counter("antfarm.cache.hits",
		metric.WithDescription("Workflow spec cache hits")); err != nil {
		return nil, fmt.Errorf("cache.hits counter: %w", err)
	}
	if m.CacheMisses, err = meter.Int64Counter("antfarm.cache.misses",
		metric.WithDescription("Workflow spec cache misses")); err != nil {
		return nil, fmt.Errorf("cache.misses counter: %w", err)
	}
	if m.SweepRecovered, err = meter.Int64Counter("antfarm.sweeper.recovered",
		metric.WithDescription("Rows recovered by the sweeper")); err != nil {
		return nil, fmt.Errorf("sweeper.recovered counter: %w", err)
	}
	return m, nil
}

// Add is a nil-safe counter increment helper.
func Add(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}
