package engine

import (
	"context"
	"fmt"

	"github.com/vk/burstci/internal/artifact"
	"github.com/vk/burstci/internal/cache"
	"github.com/vk/burstci/internal/concurrency"
	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/dag"
	"github.com/vk/burstci/internal/expr"
	"github.com/vk/burstci/internal/job"
	"github.com/vk/burstci/internal/matrix"
	"github.com/vk/burstci/internal/registry"
	"github.com/vk/burstci/internal/scheduler"
	"github.com/vk/burstci/internal/session"
	"github.com/vk/burstci/internal/tracker"
	"github.com/vk/burstci/internal/workflow"
)

// Engine holds what runs share: the worker pool, the action registry, the
// stores and the concurrency table. It is safe for concurrent Execute
// calls. Runs only see each other's concurrency groups through a shared
// Locks table.
type Engine struct {
	Scheduler *scheduler.Scheduler
	Registry  *registry.Registry
	Cache     *cache.Cache
	Artifacts *artifact.Store
	Locks     *concurrency.Table
	Secrets   map[string]string

	WorkspaceRoot string
	KeepWorkspace bool

	// Sinks are subscribed to every run's tracker.
	Sinks []tracker.Sink
	// OnStart, if set, sees each session once its instances are registered.
	OnStart func(*session.Session)
}

// Execute runs def for trig and returns the terminal snapshot. The error is
// workflow.ErrNotTriggered when no trigger matches, a *RunFailedError when
// an instance failed, or the cancellation cause when ctx ended the run.
func (e *Engine) Execute(ctx context.Context, def *workflow.Definition, trig session.Trigger) (*tracker.Snapshot, error) {
	logger := ctxlog.FromContext(ctx).With("workflow", def.Name)
	ctx = ctxlog.WithLogger(ctx, logger)

	if !def.Triggered(trig.Event, trig.Ref) {
		logger.Info("Workflow not triggered.", "event", trig.Event, "ref", trig.Ref)
		return nil, fmt.Errorf("%w: %s on %q", workflow.ErrNotTriggered, trig.Event, trig.Ref)
	}

	sess, err := session.New(ctx, def, trig, session.Options{
		WorkspaceRoot: e.WorkspaceRoot,
		KeepWorkspace: e.KeepWorkspace,
		Secrets:       e.Secrets,
		Cache:         e.Cache,
		Artifacts:     e.Artifacts,
		Locks:         e.Locks,
		Registry:      e.Registry,
	})
	if err != nil {
		return nil, err
	}
	logger = logger.With("run_id", sess.RunID)
	ctx = ctxlog.WithLogger(ctx, logger)
	for _, s := range e.Sinks {
		sess.Tracker.Subscribe(s)
	}

	insts, err := expandAll(def, sess)
	if err != nil {
		_ = sess.Close(ctx)
		sess.Tracker.Archive()
		return nil, err
	}
	sess.Tracker.Register(insts...)
	if e.OnStart != nil {
		e.OnStart(sess)
	}

	logger.Info("▶️ Starting run", "event", trig.Event, "jobs", len(def.Jobs), "instances", len(insts))
	runErr := e.run(ctx, sess, insts)

	if err := sess.Close(ctx); err != nil {
		logger.Warn("Run teardown failed.", "error", err)
	}
	snap := sess.Tracker.Archive()

	if runErr != nil {
		logger.Info("⏹️ Run cancelled", "cause", runErr)
		return snap, runErr
	}
	var failed []string
	for _, inst := range insts {
		if inst.Status() == job.Failed {
			failed = append(failed, inst.ID)
		}
	}
	if len(failed) > 0 {
		logger.Error("❌ Run failed", "failed", failed)
		return snap, &RunFailedError{RunID: sess.RunID, Failed: failed}
	}
	logger.Info("✅ Run succeeded", "result", snap.Result)
	return snap, nil
}

// run acquires the workflow-level concurrency group and schedules insts.
func (e *Engine) run(ctx context.Context, sess *session.Session, insts []*job.Instance) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if c := sess.Workflow.Concurrency; c != nil {
		group, err := expr.Interpolate(c.Group, sess.Scope())
		if err != nil {
			return fmt.Errorf("workflow concurrency group: %w", err)
		}
		granted := sess.Acquire(group, "", c.CancelInProgress, func() { cancel(scheduler.ErrSuperseded) })
		defer sess.Release(group, "")
		select {
		case <-granted:
		case <-runCtx.Done():
		}
	}

	sched := e.Scheduler
	if sched == nil {
		sched = scheduler.New([]scheduler.Worker{{ID: "worker-1"}}, 0, nil)
	}
	return sched.Run(runCtx, sess, insts)
}

// expandAll expands every job in declaration order and checks the
// instance graph.
func expandAll(def *workflow.Definition, sess *session.Session) ([]*job.Instance, error) {
	ex := &matrix.Expander{Env: def.Env, Scope: sess.Scope()}
	byJob := make(map[string][]*job.Instance, len(def.Jobs))
	var all []*job.Instance
	for _, tpl := range def.Jobs {
		insts, err := ex.Expand(tpl)
		if err != nil {
			return nil, err
		}
		byJob[tpl.Name] = insts
		all = append(all, insts...)
	}

	g := dag.New()
	for _, inst := range all {
		g.AddNode(inst.ID)
	}
	for _, inst := range all {
		for _, need := range inst.Template.Needs {
			for _, dep := range byJob[need] {
				if err := g.AddEdge(dep.ID, inst.ID); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := g.DetectCycles(); err != nil {
		return nil, fmt.Errorf("instance graph: %w", err)
	}
	return all, nil
}
