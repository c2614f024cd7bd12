// Package executor runs the steps of one job instance on a worker: shell
// commands and registered actions, with step conditions, retries,
// timeouts, continue-on-error and post-job hooks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/expr"
	"github.com/vk/burstci/internal/job"
	"github.com/vk/burstci/internal/registry"
	"github.com/vk/burstci/internal/session"
	"github.com/vk/burstci/internal/workflow"
)

// Assignment describes where an instance runs and what it sees of the
// jobs it needs.
type Assignment struct {
	WorkerID string
	Labels   []string
	// Needs is the needs object exposed to the job's expressions.
	Needs expr.Value
}

type runInfo struct {
	Scope        *expr.MapScope
	Needs        expr.Value
	WorkerID     string
	WorkerLabels []string
	Workspace    string
}

// Executor is stateless and safe for concurrent use by every worker.
type Executor struct {
	// GracePeriod bounds steps and post-job hooks that still run after the
	// job was cancelled or timed out.
	GracePeriod time.Duration
	// KillDelay is how long a cancelled command may keep its output pipes
	// open after it was killed.
	KillDelay time.Duration
}

func New() *Executor {
	return &Executor{GracePeriod: time.Minute, KillDelay: 5 * time.Second}
}

// Run executes every step of inst. The caller has already moved inst to
// Running; Run returns the terminal status the instance should take. The
// error explains a Failed or Cancelled result; a *WorkerFault means the
// worker itself failed.
func (e *Executor) Run(ctx context.Context, sess *session.Session, inst *job.Instance, a Assignment) (job.Status, error) {
	tpl := inst.Template
	logger := ctxlog.FromContext(ctx).With("job", inst.ID, "workerID", a.WorkerID)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Info("▶️ Starting job")

	workspace := sess.JobWorkspace(inst.Slug())
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return job.Failed, &WorkerFault{WorkerID: a.WorkerID, Job: inst.ID, Err: fmt.Errorf("create job workspace: %w", err)}
	}

	jobCtx := ctx
	if d := tpl.Timeout(); d > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	base := e.buildJobScope(ctx, runInfo{
		Scope:        sess.Scope(),
		Needs:        a.Needs,
		WorkerID:     a.WorkerID,
		WorkerLabels: a.Labels,
		Workspace:    workspace,
	}, inst)
	env, err := interpolateEnv(inst.Env, base, nil)
	if err != nil {
		return job.Failed, err
	}
	base.Set("env", expr.StringMap(env))

	jc := &jobContext{
		base:      base,
		env:       env,
		exported:  map[string]string{},
		steps:     map[string]stepState{},
		cancelled: func() bool { return ctx.Err() != nil },
	}
	m := newMasker(sess.Secrets)

	var (
		post     []registry.PostHook
		firstErr error
	)
	for _, step := range tpl.Steps {
		if !jc.failed && jobCtx.Err() != nil && ctx.Err() == nil {
			jc.failed = true
			firstErr = fmt.Errorf("job timed out after %s", tpl.Timeout())
			logger.Warn("Job timed out.", "timeout", tpl.Timeout())
		}
		res, hooks, err := e.runStep(jobCtx, sess, inst, step, jc, m, workspace)
		inst.AddStepResult(res)
		post = append(post, hooks...)
		if err != nil && res.Conclusion == job.Failed {
			jc.failed = true
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if !jc.failed && jobCtx.Err() != nil && ctx.Err() == nil {
		jc.failed = true
		firstErr = fmt.Errorf("job timed out after %s", tpl.Timeout())
	}

	if !jc.failed && !jc.cancelled() {
		outputs, err := e.jobOutputs(ctx, jc, tpl.Outputs, m)
		if err != nil {
			jc.failed = true
			firstErr = err
		} else {
			inst.SetOutputs(outputs)
		}
	}

	status := e.outcome(jc)
	if err := e.runPostHooks(ctx, sess, inst, post, status); err != nil && status == job.Succeeded {
		status = job.Failed
		firstErr = err
	}

	switch status {
	case job.Cancelled:
		logger.Info("⏹️ Job cancelled")
		return status, context.Cause(ctx)
	case job.Failed:
		logger.Error("❌ Job failed", "error", firstErr)
		return status, firstErr
	}
	logger.Info("✅ Job succeeded")
	return status, nil
}

func (e *Executor) outcome(jc *jobContext) job.Status {
	switch {
	case jc.cancelled():
		return job.Cancelled
	case jc.failed:
		return job.Failed
	}
	return job.Succeeded
}

// jobOutputs interpolates the job's declared outputs. Values that would
// reveal a secret are masked.
func (e *Executor) jobOutputs(ctx context.Context, jc *jobContext, decl workflow.Vars, m *masker) (map[string]string, error) {
	scope := jc.scope(jc.env)
	out := make(map[string]string, len(decl))
	for _, v := range decl {
		value, err := expr.Interpolate(v.Value, scope)
		if err != nil {
			return nil, fmt.Errorf("job output %s: %w", v.Name, err)
		}
		if masked := m.mask(value); masked != value {
			ctxlog.FromContext(ctx).Warn("Job output contains a secret; masking it.", "output", v.Name)
			value = masked
		}
		out[v.Name] = value
	}
	return out, nil
}

// runPostHooks runs hooks last-registered first. A cancelled job still
// runs them, bounded by the grace period.
func (e *Executor) runPostHooks(ctx context.Context, sess *session.Session, inst *job.Instance, hooks []registry.PostHook, status job.Status) error {
	if len(hooks) == 0 {
		return nil
	}
	logger := ctxlog.FromContext(ctx)
	hookCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		hookCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), e.GracePeriod)
		defer cancel()
	}

	var errs []error
	for _, h := range slices.Backward(hooks) {
		started := time.Now()
		res := &job.StepResult{ID: "post", Name: "Post " + h.Name, StartedAt: started, Attempts: 1, ExitCode: -1}
		sess.Tracker.Record(inst.ID, res.Name, job.Pending, job.Running, "")
		err := h.Fn(hookCtx, status)
		res.Duration = time.Since(started)
		if err != nil {
			logger.Error("Post-job hook failed.", "hook", h.Name, "error", err)
			res.Outcome, res.Conclusion, res.Error = job.Failed, job.Failed, err.Error()
			errs = append(errs, fmt.Errorf("post-job %s: %w", h.Name, err))
		} else {
			res.Outcome, res.Conclusion, res.ExitCode = job.Succeeded, job.Succeeded, 0
		}
		sess.Tracker.Record(inst.ID, res.Name, job.Running, res.Outcome, res.Error)
		inst.AddStepResult(res)
	}
	return errors.Join(errs...)
}

func mergeEnv(layers ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, l := range layers {
		maps.Copy(out, l)
	}
	return out
}
