package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/vk/burstci/internal/artifact"
	"github.com/vk/burstci/internal/blobstore"
	"github.com/vk/burstci/internal/cache"
	"github.com/vk/burstci/internal/concurrency"
	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/engine"
	"github.com/vk/burstci/internal/inmemorystore"
	"github.com/vk/burstci/internal/registry"
	"github.com/vk/burstci/internal/scheduler"
	"github.com/vk/burstci/internal/session"
	"github.com/vk/burstci/internal/tracker"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx        context.Context
	outW       io.Writer
	logger     *slog.Logger
	registry   *registry.Registry
	config     *Config
	engine     *engine.Engine
	httpServer *http.Server

	// current is the most recently started run; /status reports it.
	current atomic.Pointer[session.Session]
	last    atomic.Pointer[tracker.Snapshot]
}

// NewApp is the constructor for the main application. It returns an App
// with its own isolated logger, registry, stores and engine. modules
// replaces the built-in action modules when non-empty.
func NewApp(outW io.Writer, cfg *Config, modules ...registry.Module) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	reg := registry.New()
	if len(modules) == 0 {
		modules = coreModules
	}
	reg.RegisterModules(modules...)
	logger.Debug("All Go modules registered.", "count", len(modules))
	if err := reg.Validate(ctx); err != nil {
		// A bad input struct is a programmer error, not a user error.
		panic(err)
	}

	cacheBlobs, err := newBlobStore(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("cache store: %w", err)
	}
	artifactBlobs, err := newBlobStore(cfg.ArtifactDir)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	a := &App{
		ctx:      ctx,
		outW:     outW,
		logger:   logger,
		registry: reg,
		config:   cfg,
	}
	a.engine = &engine.Engine{
		Scheduler:     scheduler.New(cfg.SchedulerWorkers(), cfg.Parallelism, nil),
		Registry:      reg,
		Cache:         cache.New(cacheBlobs),
		Artifacts:     artifact.NewStore(artifactBlobs),
		Locks:         concurrency.NewTable(),
		Secrets:       cfg.Secrets,
		WorkspaceRoot: cfg.WorkspaceRoot,
		KeepWorkspace: cfg.KeepWorkspace,
		Sinks:         []tracker.Sink{tracker.NewLogSink(ctx)},
		OnStart:       a.current.Store,
	}
	return a, nil
}

// newBlobStore keeps blobs in dir, or in memory for the life of the
// process when dir is empty.
func newBlobStore(dir string) (blobstore.Store, error) {
	if dir == "" {
		return inmemorystore.New(), nil
	}
	return blobstore.NewDir(dir)
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// LastSnapshot returns the terminal snapshot of the most recently
// finished run, or nil.
func (a *App) LastSnapshot() *tracker.Snapshot {
	return a.last.Load()
}
