package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vardaSoft/antfarm/internal/bus"
	"github.com/vardaSoft/antfarm/internal/events"
	otelpkg "github.com/vardaSoft/antfarm/internal/otel"
	"github.com/vardaSoft/antfarm/internal/pipeline"
	"github.com/vardaSoft/antfarm/internal/recovery"
	"github.com/vardaSoft/antfarm/internal/spawn"
	"github.com/vardaSoft/antfarm/internal/store"
	"github.com/vardaSoft/antfarm/internal/workflow"
)

// Options configures an App.
type Options struct {
	StateDir         string
	DBPath           string
	GatewayURL       string
	Interval         time.Duration
	AllowedWorkflows []string
	MetricsEnabled   bool
	Logger           *slog.Logger
}

// App wires every component into one value constructed at process start.
// There are no ambient singletons: tests substitute a temp-dir store and a
// fake gateway.
type App struct {
	StateDir string
	Store    *store.Store
	Bus      *bus.Bus
	Journal  *events.Journal
	Cache    *workflow.Cache
	Engine   *pipeline.Engine
	Sweeper  *recovery.Sweeper
	Spawner  *spawn.Spawner
	Daemon   *Daemon

	otelProvider *otelpkg.Provider
}

// DefaultStateDir locates the per-user state root.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".antfarm")
}

// NewApp builds the full component graph.
func NewApp(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = DefaultStateDir()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(stateDir, "antfarm.db")
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	eventBus := bus.New()
	journal := events.NewJournal(events.Config{
		Path:   filepath.Join(stateDir, "logs", "events.jsonl"),
		Bus:    eventBus,
		Logger: logger,
	})
	cache := workflow.NewCache(stateDir, logger)

	provider, err := otelpkg.Init(ctx, otelpkg.Config{Enabled: opts.MetricsEnabled})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	metrics, err := otelpkg.NewMetrics(provider.Meter)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	engine := pipeline.New(pipeline.Config{
		Store:    st,
		Journal:  journal,
		Logger:   logger,
		StateDir: stateDir,
	})
	sweeper := recovery.New(recovery.Config{
		Store:   st,
		Engine:  engine,
		Cache:   cache,
		Journal: journal,
		Logger:  logger,
		Metrics: metrics,
	})
	engine.PreClaim = sweeper.MaybeSweep

	spawner := spawn.New(spawn.Config{
		Engine:  engine,
		Store:   st,
		Gateway: spawn.NewHTTPGateway(opts.GatewayURL, logger),
		Journal: journal,
		Logger:  logger,
	})

	d := New(Config{
		Store:            st,
		Cache:            cache,
		Spawner:          spawner,
		Sweeper:          sweeper,
		Logger:           logger,
		Metrics:          metrics,
		Interval:         opts.Interval,
		AllowedWorkflows: opts.AllowedWorkflows,
		PIDPath:          DefaultPIDPath(stateDir),
	})

	return &App{
		StateDir:     stateDir,
		Store:        st,
		Bus:          eventBus,
		Journal:      journal,
		Cache:        cache,
		Engine:       engine,
		Sweeper:      sweeper,
		Spawner:      spawner,
		Daemon:       d,
		otelProvider: provider,
	}, nil
}

// RunDaemon starts the workflow definition watcher and the daemon loop.
func (a *App) RunDaemon(ctx context.Context) error {
	watcher := workflow.NewWatcher(a.StateDir, a.Cache, slog.Default())
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start workflow watcher: %w", err)
	}
	return a.Daemon.Run(ctx)
}

// Close releases the app's resources.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	if a.otelProvider != nil {
		if err := a.otelProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := a.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
