package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/loader"
	"github.com/vk/burstci/internal/session"
	"github.com/vk/burstci/internal/socketio"
	"github.com/vk/burstci/internal/tracker"
	"github.com/vk/burstci/internal/workflow"
)

// Run executes the configured workflow once, or keeps re-running it on
// every change when Watch is set. A run whose event matches no trigger is
// not an error.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.ctx = ctx
	a.logger.Debug("App.Run method started.")

	a.healthCheckServer()
	defer a.closeHealthCheckServer()

	if a.config.EventsURL != "" {
		sink, err := socketio.DialSink(ctx, socketio.Options{URL: a.config.EventsURL})
		if err != nil {
			a.logger.Warn("Event sink unavailable; continuing without it.", "url", a.config.EventsURL, "error", err)
		} else {
			defer sink.Close()
			a.engine.Sinks = append(a.engine.Sinks, sink)
			a.logger.Info("📡 Streaming run events", "url", a.config.EventsURL)
		}
	}

	if a.config.Watch {
		return a.watch(ctx)
	}
	def, err := loader.LoadPath(ctx, a.config.WorkflowPath)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}
	return a.execute(ctx, def)
}

// execute runs def once and records its snapshot.
func (a *App) execute(ctx context.Context, def *workflow.Definition) error {
	snap, err := a.engine.Execute(ctx, def, a.trigger())
	if errors.Is(err, workflow.ErrNotTriggered) {
		a.logger.Info("Nothing to do.", "reason", err)
		return nil
	}
	if snap != nil {
		a.last.Store(snap)
		a.writeSnapshot(snap)
	}
	return err
}

func (a *App) writeSnapshot(snap *tracker.Snapshot) {
	if a.config.SnapshotPath == "" {
		return
	}
	if err := snap.WriteFile(a.config.SnapshotPath); err != nil {
		a.logger.Error("Failed to write snapshot.", "path", a.config.SnapshotPath, "error", err)
		return
	}
	a.logger.Debug("Snapshot written.", "path", a.config.SnapshotPath)
}

func (a *App) trigger() session.Trigger {
	c := a.config
	return session.Trigger{Event: c.Event, Ref: c.Ref, SHA: c.SHA, Actor: c.Actor, Inputs: c.Inputs}
}
